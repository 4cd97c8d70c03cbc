package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/logger"
)

const testUser = "user-1"

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newReceipt(id, merchant, value string, on time.Time) *models.Receipt {
	return models.NewReceipt(id, testUser, merchant, amount(value), on)
}

func newTransaction(id, description, value string, on time.Time) *models.Transaction {
	return models.NewTransaction(id, testUser, description, amount(value), on)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return newTestEngineWith(t, DefaultMatchingConfig())
}

func newTestEngineWith(t *testing.T, config *MatchingConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(config, WithEngineLogger(logger.Discard()))
	require.NoError(t, err)
	return engine
}
