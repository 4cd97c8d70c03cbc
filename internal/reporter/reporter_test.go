package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
)

var evaluatedAt = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

func candidate(receiptID, id string, kind matcher.CandidateKind, confidence float64, tier matcher.Tier) matcher.MatchCandidate {
	return matcher.MatchCandidate{
		ReceiptID:   receiptID,
		CandidateID: id,
		Kind:        kind,
		Confidence:  confidence,
		Tier:        tier,
		Features: &matcher.FeatureVector{
			Amount:   matcher.FactorScore{Value: 1, Present: true},
			Date:     matcher.FactorScore{Value: 0.9, Present: true},
			Merchant: matcher.FactorScore{Value: 0.95, Present: true},
		},
		Explanations:   []string{"Exact amount match", "Date within 1 day"},
		WeightsVersion: 3,
	}
}

func sampleEvaluations() []*matcher.Evaluation {
	matched := candidate("r-1", "t-1", matcher.KindTransaction, 0.93, matcher.TierHigh)
	dup := candidate("r-2", "r-0", matcher.KindReceipt, 0.97, matcher.TierExact)
	review := candidate("r-3", "t-7", matcher.KindTransaction, 0.61, matcher.TierMedium)

	return []*matcher.Evaluation{
		{
			ReceiptID:      "r-3",
			Decision:       matcher.Review{Best: &review, Confidence: 0.61, Breakdown: map[weights.Factor]float64{weights.FactorAmount: 0.35, weights.FactorMerchant: 0.12}},
			Matches:        matcher.MatchResults{Candidates: []matcher.MatchCandidate{review}},
			WeightsVersion: 3,
			EvaluatedAt:    evaluatedAt,
		},
		{
			ReceiptID:      "r-1",
			Decision:       matcher.Matched{TransactionID: "t-1", Confidence: 0.93},
			Matches:        matcher.MatchResults{Candidates: []matcher.MatchCandidate{matched}},
			WeightsVersion: 3,
			EvaluatedAt:    evaluatedAt,
		},
		{
			ReceiptID:      "r-4",
			Decision:       matcher.Unmatched{Reason: "no candidates in search window"},
			WeightsVersion: 2,
			EvaluatedAt:    evaluatedAt,
		},
		{
			ReceiptID:      "r-2",
			Decision:       matcher.Duplicate{ExistingReceiptID: "r-0", Confidence: 0.97},
			Duplicates:     matcher.MatchResults{Candidates: []matcher.MatchCandidate{dup}},
			WeightsVersion: 3,
			EvaluatedAt:    evaluatedAt,
		},
	}
}

func plainConfig(format OutputFormat) *ReportConfig {
	config := DefaultReportConfig()
	config.Format = format
	config.UseColors = false
	return config
}

func generate(t *testing.T, config *ReportConfig, report *Report) string {
	t.Helper()
	generator, err := NewReportGenerator(config)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(report, &buf))
	return buf.String()
}

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{name: "default config", config: nil},
		{name: "valid config", config: DefaultReportConfig()},
		{name: "invalid format", config: &ReportConfig{Format: "invalid", TableMaxWidth: 120, CSVDelimiter: ','}, expectError: true},
		{name: "table width too small", config: &ReportConfig{Format: FormatConsole, TableMaxWidth: 30, CSVDelimiter: ','}, expectError: true},
		{name: "quote delimiter", config: &ReportConfig{Format: FormatCSV, TableMaxWidth: 120, CSVDelimiter: '"'}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, generator)
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	assert.True(t, FormatConsole.IsValid())
	assert.True(t, FormatJSON.IsValid())
	assert.True(t, FormatCSV.IsValid())
	assert.False(t, OutputFormat("xml").IsValid())
	assert.False(t, OutputFormat("").IsValid())
}

func TestNewReport(t *testing.T) {
	report := NewReport(append(sampleEvaluations(), nil, &matcher.Evaluation{ReceiptID: "no-decision"}))

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, uint64(3), report.WeightsVersion)
	assert.Equal(t, map[matcher.DecisionKind]int{
		matcher.DecisionMatched:   1,
		matcher.DecisionDuplicate: 1,
		matcher.DecisionReview:    1,
		matcher.DecisionUnmatched: 1,
	}, report.Counts)
}

func TestFromSweep(t *testing.T) {
	assert.Nil(t, FromSweep(nil))

	summary := errors.NewErrorSummary([]*errors.MatchError{
		errors.MatchingError(errors.CodeSearchFailed, "evaluate r-9", nil),
	})
	report := FromSweep(&reconciler.SweepResult{
		Evaluations: sampleEvaluations(),
		Total:       5,
		Processed:   5,
		Failed:      1,
		Errors:      summary,
		Cancelled:   true,
		Duration:    1500 * time.Millisecond,
	})

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.Cancelled)
	assert.Same(t, summary, report.Errors)
	assert.Equal(t, 1, report.Counts[matcher.DecisionReview])
}

func TestNewEntry(t *testing.T) {
	evals := sampleEvaluations()

	review := NewEntry(evals[0])
	assert.Equal(t, matcher.DecisionReview, review.Decision)
	assert.Equal(t, "t-7", review.TargetID)
	assert.Equal(t, 0.61, review.Confidence)
	assert.Equal(t, "MEDIUM", review.Tier)
	assert.Equal(t, 0.35, review.Breakdown[weights.FactorAmount])
	assert.Equal(t, 0.95, review.Factors[weights.FactorMerchant])

	matched := NewEntry(evals[1])
	assert.Equal(t, "t-1", matched.TargetID)
	assert.Equal(t, "HIGH", matched.Tier)
	assert.Empty(t, matched.Breakdown)
	assert.Equal(t, []string{"Exact amount match", "Date within 1 day"}, matched.Explanations)

	unmatched := NewEntry(evals[2])
	assert.Empty(t, unmatched.TargetID)
	assert.Empty(t, unmatched.Tier)
	assert.Equal(t, "no candidates in search window", unmatched.Reason)
	assert.Zero(t, unmatched.Confidence)

	dup := NewEntry(evals[3])
	assert.Equal(t, "r-0", dup.TargetID)
	assert.Equal(t, "EXACT", dup.Tier)
}

func TestEntriesOrderingAndFilter(t *testing.T) {
	report := NewReport(sampleEvaluations())

	config := plainConfig(FormatJSON)
	generator, err := NewReportGenerator(config)
	require.NoError(t, err)

	ids := func(entries []Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.ReceiptID)
		}
		return out
	}

	assert.Equal(t, []string{"r-1", "r-2", "r-3", "r-4"}, ids(generator.Entries(report)))

	config.SortByConfidence = true
	assert.Equal(t, []string{"r-2", "r-1", "r-3", "r-4"}, ids(generator.Entries(report)))

	config.IncludeMatched = false
	config.IncludeUnmatched = false
	assert.Equal(t, []string{"r-2", "r-3"}, ids(generator.Entries(report)))
}

func TestConsoleOutputSections(t *testing.T) {
	report := NewReport(sampleEvaluations())
	report.DuplicateGroups = []matcher.DuplicateGroup{{
		GroupID:    "group-1",
		Original:   &models.Receipt{ID: "r-0"},
		Copies:     []*models.Receipt{{ID: "r-2"}},
		Confidence: 0.97,
		Reason:     "Exact amount match",
	}}
	report.Errors = errors.NewErrorSummary([]*errors.MatchError{
		errors.MatchingError(errors.CodeSearchFailed, "evaluate r-9", nil),
	})

	output := generate(t, plainConfig(FormatConsole), report)

	for _, section := range []string{
		"RECEIPT MATCHING REPORT",
		"=== SUMMARY ===",
		"=== MATCHED ===",
		"=== DUPLICATE ===",
		"=== REVIEW ===",
		"=== UNMATCHED ===",
		"=== DUPLICATE GROUPS ===",
		"=== ERRORS ===",
	} {
		assert.Contains(t, output, section)
	}
	assert.Contains(t, output, "Matched:   1 (25.0%)")
	assert.Contains(t, output, "reason: no candidates in search window")
	assert.Contains(t, output, "breakdown: amount=0.350;merchant=0.120")
	assert.Contains(t, output, "r-0 <- r-2 (0.970)")
	assert.Contains(t, output, string(errors.CodeSearchFailed))
	assert.NotContains(t, output, "\x1b[")

	config := plainConfig(FormatConsole)
	config.IncludeErrors = false
	config.IncludeMatched = false
	output = generate(t, config, report)
	assert.NotContains(t, output, "=== ERRORS ===")
	assert.NotContains(t, output, "=== MATCHED ===")
	assert.Contains(t, output, "Matched:   1", "counts cover excluded decisions")
}

func TestConsoleCancelledNotice(t *testing.T) {
	report := NewReport(nil)
	report.Cancelled = true

	output := generate(t, plainConfig(FormatConsole), report)
	assert.Contains(t, output, "Run was cancelled")
	assert.Contains(t, output, "Matched:   0 (0.0%)")
}

func TestJSONReport(t *testing.T) {
	report := NewReport(sampleEvaluations())
	output := generate(t, plainConfig(FormatJSON), report)

	var decoded struct {
		WeightsVersion uint64         `json:"weights_version"`
		Counts         map[string]int `json:"counts"`
		Evaluations    []struct {
			ReceiptID string             `json:"receipt_id"`
			Decision  string             `json:"decision"`
			TargetID  string             `json:"target_id"`
			Tier      string             `json:"tier"`
			Reason    string             `json:"reason"`
			Breakdown map[string]float64 `json:"breakdown"`
			Matches   json.RawMessage    `json:"matches"`
		} `json:"evaluations"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))

	assert.Equal(t, uint64(3), decoded.WeightsVersion)
	assert.Equal(t, 1, decoded.Counts["review"])
	require.Len(t, decoded.Evaluations, 4)
	assert.Equal(t, "r-3", decoded.Evaluations[2].ReceiptID)
	assert.Equal(t, "review", decoded.Evaluations[2].Decision)
	assert.Equal(t, "t-7", decoded.Evaluations[2].TargetID)
	assert.Equal(t, "MEDIUM", decoded.Evaluations[2].Tier)
	assert.Equal(t, 0.35, decoded.Evaluations[2].Breakdown["amount"])
	assert.Equal(t, "no candidates in search window", decoded.Evaluations[3].Reason)
	assert.Nil(t, decoded.Evaluations[0].Matches)

	config := plainConfig(FormatJSON)
	config.IncludeCandidates = true
	output = generate(t, config, report)
	assert.Contains(t, output, `"candidates"`)
	assert.Contains(t, output, `"candidate_id": "t-1"`)
}

func TestCSVFormatting(t *testing.T) {
	report := NewReport(sampleEvaluations())

	t.Run("with headers", func(t *testing.T) {
		rows, err := csv.NewReader(strings.NewReader(generate(t, plainConfig(FormatCSV), report))).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 5)
		assert.Equal(t, CSVHeaders, rows[0])
		assert.Equal(t, []string{
			"r-1", "matched", "t-1", "0.9300", "HIGH", "",
			"amount=1.000;date=0.900;merchant=0.950", "",
			"Exact amount match; Date within 1 day", "3", "2024-03-05T12:00:00Z",
		}, rows[1])
		assert.Equal(t, "amount=0.350;merchant=0.120", rows[3][7])
		assert.Equal(t, "no candidates in search window", rows[4][5])
	})

	t.Run("without headers and custom delimiter", func(t *testing.T) {
		config := plainConfig(FormatCSV)
		config.CSVHeaders = false
		config.CSVDelimiter = ';'
		reader := csv.NewReader(strings.NewReader(generate(t, config, report)))
		reader.Comma = ';'
		rows, err := reader.ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, "r-1", rows[0][0])
	})
}

func TestUpdateConfiguration(t *testing.T) {
	generator, err := NewReportGenerator(nil)
	require.NoError(t, err)

	assert.Error(t, generator.UpdateConfiguration(&ReportConfig{Format: "bad", TableMaxWidth: 120, CSVDelimiter: ','}))
	assert.Equal(t, FormatConsole, generator.GetConfiguration().Format)

	require.NoError(t, generator.UpdateConfiguration(plainConfig(FormatCSV)))
	assert.Equal(t, FormatCSV, generator.GetConfiguration().Format)
}

func TestCalculatePercentage(t *testing.T) {
	generator, err := NewReportGenerator(nil)
	require.NoError(t, err)

	assert.Equal(t, 0.0, generator.calculatePercentage(3, 0))
	assert.Equal(t, 50.0, generator.calculatePercentage(1, 2))
	assert.Equal(t, 100.0, generator.calculatePercentage(4, 4))
}

type failingWriter struct {
	failures int
	buf      bytes.Buffer
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.failures > 0 {
		w.failures--
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func TestSafeReportGenerator(t *testing.T) {
	t.Run("rejects missing inputs", func(t *testing.T) {
		srg, err := NewSafeReportGenerator(plainConfig(FormatJSON), nil)
		require.NoError(t, err)

		err = srg.GenerateReportSafely(nil, &bytes.Buffer{})
		assert.True(t, errors.IsCode(err, errors.CodeMissingField))

		err = srg.GenerateReportSafely(NewReport(nil), nil)
		assert.True(t, errors.IsCode(err, errors.CodeMissingField))

		report := &Report{Evaluations: []*matcher.Evaluation{{ReceiptID: "r-1"}}}
		err = srg.GenerateReportSafely(report, &bytes.Buffer{})
		assert.True(t, errors.IsCode(err, errors.CodeMissingField))
	})

	t.Run("invalid configuration", func(t *testing.T) {
		_, err := NewSafeReportGenerator(&ReportConfig{Format: "xml", TableMaxWidth: 120, CSVDelimiter: ','}, nil)
		assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))
	})

	t.Run("falls back to console output", func(t *testing.T) {
		srg, err := NewSafeReportGenerator(plainConfig(FormatJSON), nil)
		require.NoError(t, err)

		w := &failingWriter{failures: 1}
		require.NoError(t, srg.GenerateReportSafely(NewReport(sampleEvaluations()), w))
		assert.Contains(t, w.buf.String(), "NOTE: Report generated in fallback format")
		assert.Contains(t, w.buf.String(), "RECEIPT MATCHING REPORT")
	})

	t.Run("console failure is wrapped", func(t *testing.T) {
		srg, err := NewSafeReportGenerator(plainConfig(FormatConsole), nil)
		require.NoError(t, err)

		err = srg.GenerateReportSafely(NewReport(sampleEvaluations()), &failingWriter{failures: 10})
		assert.True(t, errors.IsCode(err, errors.CodeUnexpectedError))
	})

	t.Run("closed file falls back to a backup file", func(t *testing.T) {
		srg, err := NewSafeReportGenerator(plainConfig(FormatCSV), nil)
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "report.csv")
		file, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, file.Close())

		require.NoError(t, srg.GenerateReportSafely(NewReport(sampleEvaluations()), file))
		backup, err := os.ReadFile(filepath.Join(filepath.Dir(path), "report_backup.csv"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(backup), strings.Join(CSVHeaders, ",")))
	})
}

func TestGenerateBackupPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "report_backup.json"), generateBackupPath(filepath.Join("out", "report.json")))
	assert.Equal(t, "report_backup", generateBackupPath("report"))
}

func BenchmarkGenerateJSONReport(b *testing.B) {
	generator, _ := NewReportGenerator(plainConfig(FormatJSON))
	report := NewReport(sampleEvaluations())
	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_ = generator.GenerateReport(report, &buf)
	}
}
