package normalizer

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/similarity"
)

// DefaultHistoryLimit bounds the occurrences kept per merchant profile
const DefaultHistoryLimit = 24

// maxBucketSize bounds fuzzy alias comparison per phonetic bucket
const maxBucketSize = 64

// MerchantProfile describes a known merchant. Profiles are a cache over
// transaction history and can always be rebuilt from it.
type MerchantProfile struct {
	Name     string   `yaml:"name" json:"name"`
	Aliases  []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`

	Occurrences int                 `yaml:"-" json:"occurrences"`
	MeanAmount  decimal.Decimal     `yaml:"-" json:"mean_amount"`
	LastSeen    time.Time           `yaml:"-" json:"last_seen"`
	History     []models.Occurrence `yaml:"-" json:"-"`
}

// profileFile is the on-disk YAML layout for alias files
type profileFile struct {
	Merchants []MerchantProfile `yaml:"merchants"`
}

// ProfileRegistry indexes merchant profiles by canonical name, alias and
// phonetic key. Safe for concurrent use.
type ProfileRegistry struct {
	mu           sync.RWMutex
	profiles     map[string]*MerchantProfile
	aliases      map[string]string
	buckets      map[string][]string
	historyLimit int
	version      uint64
}

// NewProfileRegistry creates an empty registry
func NewProfileRegistry(historyLimit int) *ProfileRegistry {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &ProfileRegistry{
		profiles:     make(map[string]*MerchantProfile),
		aliases:      make(map[string]string),
		buckets:      make(map[string][]string),
		historyLimit: historyLimit,
	}
}

// LoadYAML reads a merchants file of the form
//
//	merchants:
//	  - name: Amazon
//	    aliases: [AMZN Mktp, Amazon Marketplace]
//	    category: shopping
func (r *ProfileRegistry) LoadYAML(reader io.Reader) (int, error) {
	var file profileFile
	if err := yaml.NewDecoder(reader).Decode(&file); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to decode merchant profiles: %w", err)
	}

	for i, profile := range file.Merchants {
		if Canonicalize(profile.Name) == "" {
			return i, fmt.Errorf("merchant profile %d has an empty name", i)
		}
		r.Add(profile)
	}
	return len(file.Merchants), nil
}

// Add registers or merges a profile. Name and aliases are canonicalized.
func (r *ProfileRegistry) Add(profile MerchantProfile) {
	name := Canonicalize(profile.Name)
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.ensureLocked(name)
	if profile.Category != "" {
		existing.Category = models.NormalizeCategory(profile.Category)
	}
	for _, alias := range profile.Aliases {
		canonical := Canonicalize(alias)
		if canonical == "" || canonical == name {
			continue
		}
		if _, taken := r.aliases[canonical]; taken {
			continue
		}
		existing.Aliases = append(existing.Aliases, canonical)
		r.aliases[canonical] = name
		r.addToBucketLocked(canonical)
	}
	r.version++
}

// Observe records a charge for the merchant with the given canonical name,
// creating the profile on first sight.
func (r *ProfileRegistry) Observe(name string, amount decimal.Decimal, date time.Time) {
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if target, ok := r.aliases[name]; ok {
		name = target
	}
	profile := r.ensureLocked(name)

	amount = amount.Abs()
	count := decimal.NewFromInt(int64(profile.Occurrences))
	profile.MeanAmount = profile.MeanAmount.Mul(count).Add(amount).Div(count.Add(decimal.NewFromInt(1)))
	profile.Occurrences++
	if date.After(profile.LastSeen) {
		profile.LastSeen = date
	}

	profile.History = append(profile.History, models.Occurrence{Amount: amount, Date: date})
	sort.SliceStable(profile.History, func(i, j int) bool {
		return profile.History[i].Date.Before(profile.History[j].Date)
	})
	if len(profile.History) > r.historyLimit {
		profile.History = profile.History[len(profile.History)-r.historyLimit:]
	}
}

// ResetObservations drops all observed statistics, keeping names and aliases
func (r *ProfileRegistry) ResetObservations() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, profile := range r.profiles {
		profile.Occurrences = 0
		profile.MeanAmount = decimal.Zero
		profile.LastSeen = time.Time{}
		profile.History = nil
	}
}

// Lookup returns a copy of the named profile
func (r *ProfileRegistry) Lookup(name string) (MerchantProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target, ok := r.aliases[name]; ok {
		name = target
	}
	profile, ok := r.profiles[name]
	if !ok {
		return MerchantProfile{}, false
	}

	clone := *profile
	clone.Aliases = append([]string(nil), profile.Aliases...)
	clone.History = append([]models.Occurrence(nil), profile.History...)
	return clone, true
}

// History returns the observed occurrences of a merchant, oldest first
func (r *ProfileRegistry) History(name string) []models.Occurrence {
	profile, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return profile.History
}

// Resolve maps a canonical merchant string onto a profile name. Exact name
// and alias hits are O(1); otherwise the phonetic bucket is compared with
// NormalizedSimilarity and the best match at or above threshold wins.
func (r *ProfileRegistry) Resolve(canonical string, threshold float64) (string, bool) {
	if canonical == "" {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.profiles[canonical]; ok {
		return canonical, true
	}
	if name, ok := r.aliases[canonical]; ok {
		return name, true
	}

	bestName, bestScore := "", 0.0
	for _, candidate := range r.buckets[similarity.PhoneticKey(canonical)] {
		score := similarity.NormalizedSimilarity(canonical, candidate)
		if score < threshold || score <= bestScore {
			continue
		}
		name := candidate
		if target, ok := r.aliases[candidate]; ok {
			name = target
		}
		bestName, bestScore = name, score
	}

	return bestName, bestName != ""
}

// Len returns the number of profiles
func (r *ProfileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// Version changes whenever names or aliases change
func (r *ProfileRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *ProfileRegistry) ensureLocked(name string) *MerchantProfile {
	if profile, ok := r.profiles[name]; ok {
		return profile
	}
	profile := &MerchantProfile{Name: name}
	r.profiles[name] = profile
	r.addToBucketLocked(name)
	r.version++
	return profile
}

func (r *ProfileRegistry) addToBucketLocked(key string) {
	phonetic := similarity.PhoneticKey(key)
	bucket := r.buckets[phonetic]
	if len(bucket) >= maxBucketSize {
		return
	}
	idx := sort.SearchStrings(bucket, key)
	if idx < len(bucket) && bucket[idx] == key {
		return
	}
	bucket = append(bucket, "")
	copy(bucket[idx+1:], bucket[idx:])
	bucket[idx] = key
	r.buckets[phonetic] = bucket
}
