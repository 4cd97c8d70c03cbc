package matcher

import (
	"fmt"
	"sort"

	"receipt-matching-service/internal/models"
)

// DuplicateGroup represents receipts judged to be copies of the first one
type DuplicateGroup struct {
	GroupID    string            `json:"group_id"`
	Original   *models.Receipt   `json:"original"`
	Copies     []*models.Receipt `json:"copies"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason"`
}

// DetectDuplicateGroups groups a batch of receipts, such as one import file,
// into originals and their duplicates. Receipts are visited oldest first and
// each copy joins the group of the earliest receipt it duplicates.
func (e *Engine) DetectDuplicateGroups(receipts []*models.Receipt) []DuplicateGroup {
	ordered := make([]*models.Receipt, 0, len(receipts))
	for _, r := range receipts {
		if r != nil {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	w := e.weights.Snapshot()
	groups := make(map[string]*DuplicateGroup)
	var order []string
	var originals []*models.Receipt

	for _, receipt := range ordered {
		dup, ok := e.FindDuplicatesWith(w, receipt, originals).Best()
		if !ok {
			originals = append(originals, receipt)
			continue
		}

		group, exists := groups[dup.CandidateID]
		if !exists {
			group = &DuplicateGroup{GroupID: fmt.Sprintf("DUP_%s", dup.CandidateID)}
			for _, o := range originals {
				if o.ID == dup.CandidateID {
					group.Original = o
					break
				}
			}
			groups[dup.CandidateID] = group
			order = append(order, dup.CandidateID)
		}
		group.Copies = append(group.Copies, receipt)
		group.Confidence += dup.Confidence
	}

	result := make([]DuplicateGroup, 0, len(order))
	for _, id := range order {
		group := groups[id]
		group.Confidence /= float64(len(group.Copies))
		group.Reason = fmt.Sprintf("Found %d copies of receipt %s with mean confidence %.2f",
			len(group.Copies), id, group.Confidence)
		result = append(result, *group)
	}
	return result
}
