package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-matching-service/internal/models"
)

func createTestTransactions() []*models.Transaction {
	other := newTransaction("t-9", "Starbucks", "5.75", date(2024, 3, 1))
	other.UserID = "user-2"

	return []*models.Transaction{
		newTransaction("t-3", "Starbucks", "5.75", date(2024, 3, 1)),
		newTransaction("t-1", "Shell", "-40.00", date(2024, 3, 2)),
		newTransaction("t-2", "Target", "42.00", date(2024, 3, 10)),
		newTransaction("t-4", "Starbucks", "5.75", date(2024, 3, 3)),
		other,
	}
}

func TestIndex_GetByAmountRange(t *testing.T) {
	index := NewIndex(createTestTransactions())

	found := index.GetByAmountRange(testUser, AmountRange{Min: amount("5"), Max: amount("41")})
	ids := recordIDs(found)
	assert.ElementsMatch(t, []string{"t-3", "t-4", "t-1"}, ids, "negative debits are indexed by absolute amount")

	assert.Empty(t, index.GetByAmountRange(testUser, AmountRange{Min: amount("100"), Max: amount("200")}))
	assert.Empty(t, index.GetByAmountRange("nobody", AmountRange{Min: amount("0"), Max: amount("1000")}))
}

func TestIndex_GetByDateRange(t *testing.T) {
	index := NewIndex(createTestTransactions())

	found := index.GetByDateRange(testUser, DateRange{From: date(2024, 3, 1), To: date(2024, 3, 2)})
	assert.ElementsMatch(t, []string{"t-3", "t-1"}, recordIDs(found))
}

func TestIndex_FindIsSortedAndScopedToOwner(t *testing.T) {
	index := NewIndex(createTestTransactions())

	found := index.Find(testUser,
		DateRange{From: date(2024, 2, 28), To: date(2024, 3, 4)},
		AmountRange{Min: amount("5.00"), Max: amount("7.00")})

	assert.Equal(t, []string{"t-3", "t-4"}, recordIDs(found))
}

func TestIndex_AddKeepsAmountsSorted(t *testing.T) {
	index := NewIndex[*models.Transaction](nil)
	for _, value := range []string{"30", "10", "20", "10"} {
		index.Add(newTransaction("t-"+value, "x", value, date(2024, 1, 1)))
	}

	found := index.GetByAmountRange(testUser, AmountRange{Min: amount("10"), Max: amount("20")})
	assert.Len(t, found, 3)

	stats := index.Stats()
	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 3, stats.UniqueAmounts)
	assert.Equal(t, 1, stats.Owners)
	assert.Equal(t, 1, stats.UniqueDates)
}

func TestIndex_ReceiptsWithoutAmountAreNotSearchable(t *testing.T) {
	blank := &models.Receipt{ID: "r-blank", UserID: testUser, Date: date(2024, 3, 1)}
	index := NewIndex([]*models.Receipt{blank, newReceipt("r-1", "x", "5.00", date(2024, 3, 1))})

	found := index.Find(testUser, DateRange{From: date(2024, 3, 1), To: date(2024, 3, 1)},
		AmountRange{Min: amount("0"), Max: amount("100")})
	assert.Equal(t, []string{"r-1"}, recordIDs(found))
	assert.Len(t, index.All(), 2)
}

func TestMemorySource(t *testing.T) {
	source := NewMemorySource(createTestTransactions(), nil)

	found, err := source.FindTransactions(context.Background(), testUser,
		DateRange{From: date(2024, 3, 1), To: date(2024, 3, 1)},
		AmountRange{Min: amount("5"), Max: amount("6")})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-3"}, recordIDs(found))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = source.FindReceipts(ctx, testUser, DateRange{}, AmountRange{})
	assert.ErrorIs(t, err, context.Canceled)
}

func recordIDs[T models.Record](records []T) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.RecordID())
	}
	return ids
}
