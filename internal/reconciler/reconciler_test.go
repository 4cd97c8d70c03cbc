package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

const testUser = "user-1"

var baseCreated = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func receipt(id, merchant, value string, on time.Time, createdOffset time.Duration) *models.Receipt {
	r := models.NewReceipt(id, testUser, merchant, decimal.RequireFromString(value), on)
	r.CreatedAt = baseCreated.Add(createdOffset)
	return r
}

func transaction(id, description, value string, on time.Time) *models.Transaction {
	return models.NewTransaction(id, testUser, description, decimal.RequireFromString(value), on)
}

func newTestReconciler(t *testing.T, store *MemoryStore, opts ...Option) *Reconciler {
	t.Helper()
	engine, err := matcher.NewEngine(matcher.DefaultMatchingConfig(), matcher.WithEngineLogger(logger.Discard()))
	require.NoError(t, err)

	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	rec, err := New(engine, store, store, opts...)
	require.NoError(t, err)
	return rec
}

// failingStore fails to save selected receipts, or cancels after the first save
type failingStore struct {
	*MemoryStore
	failIDs map[string]bool
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *failingStore) SaveDecision(ctx context.Context, eval *matcher.Evaluation) error {
	if s.failIDs[eval.ReceiptID] {
		return fmt.Errorf("disk full")
	}
	err := s.MemoryStore.SaveDecision(ctx, eval)
	if s.cancel != nil {
		s.once.Do(s.cancel)
	}
	return err
}

func TestNew_Validation(t *testing.T) {
	engine, err := matcher.NewEngine(nil, matcher.WithEngineLogger(logger.Discard()))
	require.NoError(t, err)
	store := NewMemoryStore(nil, nil)

	_, err = New(nil, store, store)
	assert.True(t, errors.IsCode(err, errors.CodeMissingField))

	_, err = New(engine, nil, store)
	assert.True(t, errors.IsCode(err, errors.CodeMissingField))

	_, err = New(engine, store, nil)
	assert.True(t, errors.IsCode(err, errors.CodeMissingField))

	_, err = New(engine, store, store, WithBatchSize(0))
	assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))

	_, err = New(engine, store, store, WithConcurrency(-1))
	assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))
}

func TestHandleTransaction(t *testing.T) {
	store := NewMemoryStore(nil, []*models.Receipt{
		receipt("r-1", "STARBUCKS #4521", "5.75", day(1), 0),
		receipt("r-2", "Target", "42.00", day(2), time.Minute),
		receipt("r-3", "Starbucks", "5.75", day(20), 2*time.Minute),
	})
	rec := newTestReconciler(t, store)

	tx := transaction("t-1", "Starbucks", "5.75", day(1))
	store.AddTransaction(tx)

	evaluations, err := rec.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, evaluations, 2, "r-3 lies outside the date window")

	byID := map[string]*matcher.Evaluation{}
	for _, eval := range evaluations {
		byID[eval.ReceiptID] = eval
	}
	require.Contains(t, byID, "r-1")
	assert.Equal(t, matcher.Matched{TransactionID: "t-1", Confidence: 1}, byID["r-1"].Decision)
	assert.Equal(t, matcher.DecisionUnmatched, byID["r-2"].Decision.Kind())

	outcome, ok := store.Outcome("r-1")
	require.True(t, ok)
	assert.Equal(t, "t-1", outcome.TargetID)
	assert.False(t, outcome.Open())

	open, err := store.ListUnmatchedReceipts(context.Background(), UnmatchedFilter{UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-2", "r-3"}, receiptIDs(open))
}

func TestHandleTransaction_ObservesMerchant(t *testing.T) {
	store := NewMemoryStore(nil, nil)
	rec := newTestReconciler(t, store)

	tx := transaction("t-1", "Netflix.com", "15.49", day(1))
	_, err := rec.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)

	n := rec.Engine().Normalizer()
	assert.Len(t, n.History(n.Normalize("Netflix.com")), 1)
}

func TestHandleTransaction_InvalidInput(t *testing.T) {
	rec := newTestReconciler(t, NewMemoryStore(nil, nil))

	_, err := rec.HandleTransaction(context.Background(), nil)
	assert.True(t, errors.IsCode(err, errors.CodeMissingField))

	undated := transaction("t-1", "Starbucks", "5.75", time.Time{})
	_, err = rec.HandleTransaction(context.Background(), undated)
	assert.True(t, errors.IsCode(err, errors.CodeInsufficientData))
}

func TestSweep(t *testing.T) {
	store := NewMemoryStore([]*models.Transaction{
		transaction("t-1", "Starbucks", "5.75", day(1)),
		transaction("t-2", "Corner Deli", "51.50", day(5)),
		transaction("t-3", "Shell", "40.00", day(8)),
	}, []*models.Receipt{
		receipt("r-1", "Starbucks", "5.75", day(1), 0),
		receipt("r-2", "Corner Deli", "50.00", day(3), time.Minute),
		receipt("r-3", "Blue Bottle Coffee", "12.50", day(4), 2*time.Minute),
		receipt("r-4", "Blue Botle Coffee", "12.50", day(4), 3*time.Minute),
		receipt("r-5", "Shell", "40.00", day(8), 4*time.Minute),
		{ID: "r-6", UserID: testUser, Merchant: "Unknown", CreatedAt: baseCreated.Add(5 * time.Minute)},
		receipt("r-7", "Whole Foods", "88.10", day(12), 6*time.Minute),
	})
	rec := newTestReconciler(t, store, WithBatchSize(3), WithConcurrency(2))

	progress := make(chan Progress, 8)
	result, err := rec.Sweep(context.Background(), SweepOptions{Progress: progress})
	require.NoError(t, err)
	close(progress)

	assert.Equal(t, 7, result.Total)
	assert.Equal(t, 7, result.Processed)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Errors.Total)
	assert.False(t, result.Cancelled)

	assert.Equal(t, 2, result.Counts[matcher.DecisionMatched])
	assert.Equal(t, 1, result.Counts[matcher.DecisionReview])
	assert.Equal(t, 1, result.Counts[matcher.DecisionDuplicate])
	assert.Equal(t, 3, result.Counts[matcher.DecisionUnmatched])

	ids := make([]string, 0, len(result.Evaluations))
	for _, eval := range result.Evaluations {
		ids = append(ids, eval.ReceiptID)
	}
	assert.Equal(t, []string{"r-1", "r-2", "r-3", "r-4", "r-5", "r-6", "r-7"}, ids, "chunk order is preserved")

	var snapshots []Progress
	for p := range progress {
		snapshots = append(snapshots, p)
	}
	require.Len(t, snapshots, 3)
	assert.Equal(t, 3, snapshots[0].Processed)
	assert.Equal(t, 6, snapshots[1].Processed)
	assert.Equal(t, 7, snapshots[2].Processed)
	assert.Equal(t, 3, snapshots[2].Chunks)
	assert.Equal(t, 100.0, snapshots[2].PercentComplete())

	insufficient, ok := store.Outcome("r-6")
	require.True(t, ok)
	assert.Equal(t, matcher.ReasonInsufficientData, insufficient.Reason)

	var original *models.Receipt
	for _, r := range store.Receipts() {
		if r.ID == "r-3" {
			original = r
		}
	}
	require.NotNil(t, original)
	assert.Equal(t, 2, original.OccurrenceCount, "duplicate increments the original's occurrence count")
}

func TestSweep_ReevaluationDoesNotRecountDuplicates(t *testing.T) {
	store := NewMemoryStore(nil, []*models.Receipt{
		receipt("r-1", "Blue Bottle Coffee", "12.50", day(4), 0),
		receipt("r-2", "Blue Bottle Coffee", "12.50", day(4), time.Minute),
	})
	rec := newTestReconciler(t, store)

	_, err := rec.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	// r-1 stays open and is swept again; the duplicate outcome of r-2 is final
	result, err := rec.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 2, store.Receipts()[0].OccurrenceCount)
}

func TestMemoryStore_SaveDecisionMovesOccurrence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil, []*models.Receipt{
		receipt("r-1", "Blue Bottle Coffee", "12.50", day(4), 0),
		receipt("r-2", "Blue Bottle Coffee", "12.50", day(4), time.Minute),
		receipt("r-3", "Blue Bottle Coffee", "12.50", day(4), 2*time.Minute),
	})
	occurrences := func(id string) int {
		for _, r := range store.Receipts() {
			if r.ID == id {
				return r.OccurrenceCount
			}
		}
		t.Fatalf("receipt %s not found", id)
		return 0
	}
	save := func(d matcher.MatchDecision) {
		require.NoError(t, store.SaveDecision(ctx, &matcher.Evaluation{ReceiptID: "r-3", Decision: d}))
	}

	save(matcher.Duplicate{ExistingReceiptID: "r-1", Confidence: 0.95})
	save(matcher.Duplicate{ExistingReceiptID: "r-1", Confidence: 0.95})
	assert.Equal(t, 2, occurrences("r-1"))

	save(matcher.Duplicate{ExistingReceiptID: "r-2", Confidence: 0.96})
	assert.Equal(t, 1, occurrences("r-1"))
	assert.Equal(t, 2, occurrences("r-2"))

	breakdown := map[weights.Factor]float64{weights.FactorAmount: 0.3}
	save(matcher.Review{Best: &matcher.MatchCandidate{CandidateID: "t-1"}, Confidence: 0.6, Breakdown: breakdown})
	assert.Equal(t, 1, occurrences("r-2"))

	outcome, ok := store.Outcome("r-3")
	require.True(t, ok)
	assert.Equal(t, breakdown, outcome.Breakdown)
}

func TestSweep_OlderThan(t *testing.T) {
	store := NewMemoryStore(nil, nil)
	old := receipt("r-old", "Starbucks", "5.75", day(1), 0)
	fresh := receipt("r-new", "Starbucks", "6.75", day(1), 0)
	fresh.CreatedAt = time.Now().UTC()
	store.AddReceipt(old)
	store.AddReceipt(fresh)

	rec := newTestReconciler(t, store)
	result, err := rec.Sweep(context.Background(), SweepOptions{OlderThan: time.Hour})
	require.NoError(t, err)

	require.Len(t, result.Evaluations, 1)
	assert.Equal(t, "r-old", result.Evaluations[0].ReceiptID)
}

func TestSweep_IsolatesFailures(t *testing.T) {
	memory := NewMemoryStore(nil, []*models.Receipt{
		receipt("r-1", "Starbucks", "5.75", day(1), 0),
		receipt("r-2", "Target", "42.00", day(1), time.Minute),
		receipt("r-3", "Shell", "40.00", day(1), 2*time.Minute),
	})
	store := &failingStore{MemoryStore: memory, failIDs: map[string]bool{"r-2": true}}

	engine, err := matcher.NewEngine(nil, matcher.WithEngineLogger(logger.Discard()))
	require.NoError(t, err)
	rec, err := New(engine, memory, store, WithLogger(logger.Discard()))
	require.NoError(t, err)

	result, err := rec.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Evaluations, 2)
	assert.True(t, result.Errors.HasCode(errors.CodeQueryFailed))
	assert.Equal(t, "r-2", result.Errors.Errors[0].Context["receipt_id"])
}

func TestSweep_CancelledBetweenChunks(t *testing.T) {
	memory := NewMemoryStore(nil, []*models.Receipt{
		receipt("r-1", "Starbucks", "5.75", day(1), 0),
		receipt("r-2", "Target", "42.00", day(1), time.Minute),
		receipt("r-3", "Shell", "40.00", day(1), 2*time.Minute),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &failingStore{MemoryStore: memory, cancel: cancel}

	engine, err := matcher.NewEngine(nil, matcher.WithEngineLogger(logger.Discard()))
	require.NoError(t, err)
	rec, err := New(engine, memory, store, WithLogger(logger.Discard()), WithBatchSize(1), WithConcurrency(1))
	require.NoError(t, err)

	result, err := rec.Sweep(ctx, SweepOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCancelled))

	require.NotNil(t, result)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 3, result.Total)
}

func TestSweep_CancelledBeforeStart(t *testing.T) {
	rec := newTestReconciler(t, NewMemoryStore(nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rec.Sweep(ctx, SweepOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeQueryFailed), "listing fails on a cancelled context")
}

func TestUnmatchedFilter(t *testing.T) {
	r := receipt("r-1", "Starbucks", "5.75", day(5), 0)

	assert.True(t, UnmatchedFilter{}.Matches(r))
	assert.False(t, UnmatchedFilter{UserID: "other"}.Matches(r))
	assert.False(t, UnmatchedFilter{CreatedBefore: baseCreated}.Matches(r))
	assert.True(t, UnmatchedFilter{CreatedBefore: baseCreated.Add(time.Second)}.Matches(r))
	assert.True(t, UnmatchedFilter{From: day(5), To: day(5)}.Matches(r))
	assert.False(t, UnmatchedFilter{From: day(6)}.Matches(r))

	undated := &models.Receipt{ID: "r-2", UserID: testUser}
	assert.False(t, UnmatchedFilter{From: day(1)}.Matches(undated))
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk([]int{}, 3))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunk([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{1, 2}}, chunk([]int{1, 2}, 5))
}

func receiptIDs(receipts []*models.Receipt) []string {
	ids := make([]string, 0, len(receipts))
	for _, r := range receipts {
		ids = append(ids, r.ID)
	}
	return ids
}
