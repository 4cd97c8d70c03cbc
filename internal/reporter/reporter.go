// Package reporter renders matching results for people and for other programs.
//
// A Report collects the evaluations of one run together with decision counts,
// duplicate groups found within the batch, and the per-receipt failures.
// Every evaluation carries its audit trail: the decision, the linked target,
// the confidence and tier, the factor breakdown for review items, the
// explanations and the weights version that produced it.
//
// Supported output formats:
//   - Console: styled summary and tables for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per evaluation for spreadsheet applications
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(reporter.DefaultReportConfig())
//	report := reporter.FromSweep(result)
//	err = generator.GenerateReport(report, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// DecisionOrder lists decision kinds in report order
var DecisionOrder = []matcher.DecisionKind{
	matcher.DecisionMatched,
	matcher.DecisionDuplicate,
	matcher.DecisionReview,
	matcher.DecisionUnmatched,
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format" mapstructure:"format"`

	// Which decisions are listed individually. Counts always cover every evaluation.
	IncludeMatched    bool `json:"include_matched" mapstructure:"include_matched"`
	IncludeDuplicates bool `json:"include_duplicates" mapstructure:"include_duplicates"`
	IncludeReview     bool `json:"include_review" mapstructure:"include_review"`
	IncludeUnmatched  bool `json:"include_unmatched" mapstructure:"include_unmatched"`

	// IncludeCandidates adds the full ranked candidate lists to JSON output
	IncludeCandidates bool `json:"include_candidates" mapstructure:"include_candidates"`
	IncludeErrors     bool `json:"include_errors" mapstructure:"include_errors"`

	// Console formatting options
	UseColors     bool `json:"use_colors" mapstructure:"use_colors"`
	TableMaxWidth int  `json:"table_max_width" mapstructure:"table_max_width"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter" mapstructure:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers" mapstructure:"csv_headers"`

	// SortByConfidence lists the most confident decisions first instead of by receipt ID
	SortByConfidence bool `json:"sort_by_confidence" mapstructure:"sort_by_confidence"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:            FormatConsole,
		IncludeMatched:    true,
		IncludeDuplicates: true,
		IncludeReview:     true,
		IncludeUnmatched:  true,
		IncludeCandidates: false,
		IncludeErrors:     true,
		UseColors:         true,
		TableMaxWidth:     120,
		CSVDelimiter:      ',',
		CSVHeaders:        true,
		SortByConfidence:  false,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.TableMaxWidth < 50 {
		return fmt.Errorf("table max width must be at least 50 characters, got %d", c.TableMaxWidth)
	}
	if c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n' || c.CSVDelimiter == '\r' {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

func (c *ReportConfig) includes(kind matcher.DecisionKind) bool {
	switch kind {
	case matcher.DecisionMatched:
		return c.IncludeMatched
	case matcher.DecisionDuplicate:
		return c.IncludeDuplicates
	case matcher.DecisionReview:
		return c.IncludeReview
	case matcher.DecisionUnmatched:
		return c.IncludeUnmatched
	}
	return false
}

// Report is the input of every output format
type Report struct {
	GeneratedAt     time.Time                    `json:"generated_at"`
	Duration        time.Duration                `json:"duration"`
	Total           int                          `json:"total"`
	Processed       int                          `json:"processed"`
	Failed          int                          `json:"failed"`
	Cancelled       bool                         `json:"cancelled"`
	WeightsVersion  uint64                       `json:"weights_version"`
	Counts          map[matcher.DecisionKind]int `json:"counts"`
	Evaluations     []*matcher.Evaluation        `json:"-"`
	DuplicateGroups []matcher.DuplicateGroup     `json:"duplicate_groups,omitempty"`
	Errors          *errors.ErrorSummary         `json:"errors,omitempty"`
}

// NewReport builds a report over evaluations, counting decisions
func NewReport(evals []*matcher.Evaluation) *Report {
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Counts:      make(map[matcher.DecisionKind]int, len(DecisionOrder)),
	}
	for _, eval := range evals {
		if eval == nil || eval.Decision == nil {
			continue
		}
		report.Evaluations = append(report.Evaluations, eval)
		report.Counts[eval.Decision.Kind()]++
		if eval.WeightsVersion > report.WeightsVersion {
			report.WeightsVersion = eval.WeightsVersion
		}
	}
	report.Total = len(report.Evaluations)
	report.Processed = len(report.Evaluations)
	return report
}

// FromSweep builds a report over the result of a batch sweep
func FromSweep(result *reconciler.SweepResult) *Report {
	if result == nil {
		return nil
	}
	report := NewReport(result.Evaluations)
	report.Duration = result.Duration
	report.Total = result.Total
	report.Processed = result.Processed
	report.Failed = result.Failed
	report.Cancelled = result.Cancelled
	report.Errors = result.Errors
	return report
}

// Entry is the flattened audit record of one evaluation
type Entry struct {
	ReceiptID      string                     `json:"receipt_id"`
	Decision       matcher.DecisionKind       `json:"decision"`
	TargetID       string                     `json:"target_id,omitempty"`
	Confidence     float64                    `json:"confidence"`
	Tier           string                     `json:"tier,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
	Factors        map[weights.Factor]float64 `json:"factors,omitempty"`
	Breakdown      map[weights.Factor]float64 `json:"breakdown,omitempty"`
	Explanations   []string                   `json:"explanations,omitempty"`
	WeightsVersion uint64                     `json:"weights_version"`
	EvaluatedAt    time.Time                  `json:"evaluated_at"`
	Matches        *matcher.MatchResults      `json:"matches,omitempty"`
	Duplicates     *matcher.MatchResults      `json:"duplicates,omitempty"`
}

// NewEntry flattens an evaluation. The tier, factors and explanations come
// from the candidate the decision refers to.
func NewEntry(eval *matcher.Evaluation) Entry {
	entry := Entry{
		ReceiptID:      eval.ReceiptID,
		Decision:       eval.Decision.Kind(),
		TargetID:       matcher.TargetID(eval.Decision),
		Confidence:     eval.Decision.Score(),
		Reason:         matcher.Reason(eval.Decision),
		WeightsVersion: eval.WeightsVersion,
		EvaluatedAt:    eval.EvaluatedAt,
	}
	if review, ok := eval.Decision.(matcher.Review); ok {
		entry.Breakdown = review.Breakdown
	}
	if candidate, ok := decidedCandidate(eval); ok {
		entry.Tier = candidate.Tier.String()
		entry.Explanations = candidate.Explanations
		if candidate.Features != nil {
			entry.Factors = candidate.Features.Values()
		}
	}
	return entry
}

func decidedCandidate(eval *matcher.Evaluation) (matcher.MatchCandidate, bool) {
	var pool []matcher.MatchCandidate
	switch d := eval.Decision.(type) {
	case matcher.Review:
		if d.Best != nil {
			return *d.Best, true
		}
		return matcher.MatchCandidate{}, false
	case matcher.Matched:
		pool = eval.Matches.Candidates
	case matcher.Duplicate:
		pool = eval.Duplicates.Candidates
	default:
		return matcher.MatchCandidate{}, false
	}
	target := matcher.TargetID(eval.Decision)
	for _, c := range pool {
		if c.CandidateID == target {
			return c, true
		}
	}
	return matcher.MatchCandidate{}, false
}

// ReportGenerator generates matching reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GenerateReport writes report to writer in the configured format
func (rg *ReportGenerator) GenerateReport(report *Report, writer io.Writer) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(report, writer)
	case FormatJSON:
		return rg.generateJSONReport(report, writer)
	case FormatCSV:
		return rg.generateCSVReport(report, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// Entries returns the audit records selected by the configuration, in report order
func (rg *ReportGenerator) Entries(report *Report) []Entry {
	entries := make([]Entry, 0, len(report.Evaluations))
	for _, eval := range report.Evaluations {
		if !rg.config.includes(eval.Decision.Kind()) {
			continue
		}
		entry := NewEntry(eval)
		if rg.config.IncludeCandidates {
			matches, duplicates := eval.Matches, eval.Duplicates
			entry.Matches = &matches
			entry.Duplicates = &duplicates
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if rg.config.SortByConfidence && entries[i].Confidence != entries[j].Confidence {
			return entries[i].Confidence > entries[j].Confidence
		}
		return entries[i].ReceiptID < entries[j].ReceiptID
	})
	return entries
}

type styles struct {
	title, section, label, muted lipgloss.Style
	decision                     map[matcher.DecisionKind]lipgloss.Style
}

func (rg *ReportGenerator) styles(writer io.Writer) styles {
	r := lipgloss.NewRenderer(writer)
	if !rg.config.UseColors {
		plain := r.NewStyle()
		return styles{
			title:   plain,
			section: plain,
			label:   plain,
			muted:   plain,
			decision: map[matcher.DecisionKind]lipgloss.Style{
				matcher.DecisionMatched:   plain,
				matcher.DecisionDuplicate: plain,
				matcher.DecisionReview:    plain,
				matcher.DecisionUnmatched: plain,
			},
		}
	}
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		section: r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		label:   r.NewStyle().Foreground(lipgloss.Color("252")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("241")),
		decision: map[matcher.DecisionKind]lipgloss.Style{
			matcher.DecisionMatched:   r.NewStyle().Foreground(lipgloss.Color("42")),
			matcher.DecisionDuplicate: r.NewStyle().Foreground(lipgloss.Color("214")),
			matcher.DecisionReview:    r.NewStyle().Foreground(lipgloss.Color("220")),
			matcher.DecisionUnmatched: r.NewStyle().Foreground(lipgloss.Color("196")),
		},
	}
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(report *Report, writer io.Writer) error {
	st := rg.styles(writer)
	out := &strings.Builder{}

	fmt.Fprintln(out, st.title.Render("RECEIPT MATCHING REPORT"))
	fmt.Fprintf(out, "Generated: %s\n", report.GeneratedAt.Format(time.RFC3339))
	if report.Duration > 0 {
		fmt.Fprintf(out, "Processing Duration: %v\n", report.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "Weights Version: %d\n", report.WeightsVersion)
	if report.Cancelled {
		fmt.Fprintln(out, st.decision[matcher.DecisionUnmatched].Render("Run was cancelled; results are partial"))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, st.section.Render("=== SUMMARY ==="))
	rg.printSummaryTable(report, st, out)
	fmt.Fprintln(out)

	entries := rg.Entries(report)
	for _, kind := range DecisionOrder {
		if !rg.config.includes(kind) {
			continue
		}
		var section []Entry
		for _, e := range entries {
			if e.Decision == kind {
				section = append(section, e)
			}
		}
		if len(section) == 0 {
			continue
		}
		fmt.Fprintln(out, st.section.Render(fmt.Sprintf("=== %s ===", strings.ToUpper(string(kind)))))
		rg.printEntries(section, st, out)
		fmt.Fprintln(out)
	}

	if len(report.DuplicateGroups) > 0 {
		fmt.Fprintln(out, st.section.Render("=== DUPLICATE GROUPS ==="))
		rg.printDuplicateGroups(report.DuplicateGroups, st, out)
		fmt.Fprintln(out)
	}

	if rg.config.IncludeErrors && report.Errors != nil && report.Errors.Total > 0 {
		fmt.Fprintln(out, st.section.Render("=== ERRORS ==="))
		rg.printErrors(report.Errors, st, out)
		fmt.Fprintln(out)
	}

	_, err := io.WriteString(writer, out.String())
	return err
}

// generateJSONReport generates a structured JSON report
func (rg *ReportGenerator) generateJSONReport(report *Report, writer io.Writer) error {
	output := struct {
		*Report
		Entries []Entry `json:"evaluations"`
	}{
		Report:  rg.filterReportForOutput(report),
		Entries: rg.Entries(report),
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// CSVHeaders is the header row of CSV output
var CSVHeaders = []string{
	"Receipt_ID",
	"Decision",
	"Target_ID",
	"Confidence",
	"Tier",
	"Reason",
	"Factors",
	"Breakdown",
	"Explanations",
	"Weights_Version",
	"Evaluated_At",
}

// generateCSVReport generates one CSV row per listed evaluation
func (rg *ReportGenerator) generateCSVReport(report *Report, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := csvWriter.Write(CSVHeaders); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, e := range rg.Entries(report) {
		record := []string{
			e.ReceiptID,
			string(e.Decision),
			e.TargetID,
			strconv.FormatFloat(e.Confidence, 'f', 4, 64),
			e.Tier,
			e.Reason,
			formatFactors(e.Factors),
			formatFactors(e.Breakdown),
			strings.Join(e.Explanations, "; "),
			strconv.FormatUint(e.WeightsVersion, 10),
			formatTime(e.EvaluatedAt),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record for %s: %w", e.ReceiptID, err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printSummaryTable(report *Report, st styles, out io.Writer) {
	fmt.Fprintf(out, "%s %d\n", st.label.Render("Receipts:  "), report.Total)
	fmt.Fprintf(out, "%s %d\n", st.label.Render("Processed: "), report.Processed)
	if report.Failed > 0 {
		fmt.Fprintf(out, "%s %d\n", st.label.Render("Failed:    "), report.Failed)
	}
	for _, kind := range DecisionOrder {
		count := report.Counts[kind]
		label := fmt.Sprintf("  %-10s", titleCase(kind)+":")
		fmt.Fprintf(out, "%s %d (%.1f%%)\n",
			st.decision[kind].Render(label), count, rg.calculatePercentage(count, report.Processed))
	}
}

func (rg *ReportGenerator) printEntries(entries []Entry, st styles, out io.Writer) {
	idWidth, targetWidth := 10, 10
	for _, e := range entries {
		idWidth = max(idWidth, len(e.ReceiptID))
		targetWidth = max(targetWidth, len(e.TargetID))
	}
	budget := max(20, (rg.config.TableMaxWidth-26)/2)
	idWidth, targetWidth = min(idWidth, budget), min(targetWidth, budget)

	header := fmt.Sprintf("%-*s  %-*s  %-10s  %-6s", idWidth, "RECEIPT", targetWidth, "TARGET", "CONFIDENCE", "TIER")
	fmt.Fprintln(out, st.muted.Render(header))
	for _, e := range entries {
		fmt.Fprintf(out, "%-*s  %-*s  %10.3f  %-6s\n",
			idWidth, truncate(e.ReceiptID, idWidth),
			targetWidth, truncate(e.TargetID, targetWidth),
			e.Confidence, e.Tier)
		if e.Reason != "" {
			fmt.Fprintf(out, "    %s\n", st.muted.Render("reason: "+e.Reason))
		}
		if len(e.Breakdown) > 0 {
			fmt.Fprintf(out, "    %s\n", st.muted.Render("breakdown: "+formatFactors(e.Breakdown)))
		}
		if len(e.Explanations) > 0 {
			line := truncate(strings.Join(e.Explanations, "; "), rg.config.TableMaxWidth-4)
			fmt.Fprintf(out, "    %s\n", st.muted.Render(line))
		}
	}
}

func (rg *ReportGenerator) printDuplicateGroups(groups []matcher.DuplicateGroup, st styles, out io.Writer) {
	for _, g := range groups {
		if g.Original == nil {
			continue
		}
		ids := make([]string, 0, len(g.Copies))
		for _, c := range g.Copies {
			ids = append(ids, c.ID)
		}
		fmt.Fprintf(out, "%s %s <- %s (%.3f)\n",
			st.label.Render(g.GroupID+":"), g.Original.ID, strings.Join(ids, ", "), g.Confidence)
		if g.Reason != "" {
			fmt.Fprintf(out, "    %s\n", st.muted.Render(g.Reason))
		}
	}
}

func (rg *ReportGenerator) printErrors(summary *errors.ErrorSummary, st styles, out io.Writer) {
	fmt.Fprintf(out, "Total Errors: %d\n", summary.Total)
	codes := make([]string, 0, len(summary.ByCode))
	for code := range summary.ByCode {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(out, "  %-20s %d\n", code, summary.ByCode[errors.ErrorCode(code)])
	}
	for _, err := range summary.SampleErrors {
		fmt.Fprintf(out, "  %s\n", st.muted.Render(truncate(err.Error(), rg.config.TableMaxWidth-2)))
	}
}

func (rg *ReportGenerator) calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

// filterReportForOutput drops the error list when errors are excluded
func (rg *ReportGenerator) filterReportForOutput(report *Report) *Report {
	filtered := *report
	if !rg.config.IncludeErrors {
		filtered.Errors = nil
	}
	return &filtered
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	rg.config = config
	return nil
}

// GetConfiguration returns the current report configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// formatFactors renders factor values in scoring order, e.g. "amount=1.000;date=0.900"
func formatFactors(values map[weights.Factor]float64) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(values))
	for _, factor := range weights.AllFactors {
		if v, ok := values[factor]; ok {
			parts = append(parts, fmt.Sprintf("%s=%.3f", factor, v))
		}
	}
	return strings.Join(parts, ";")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func titleCase(kind matcher.DecisionKind) string {
	return cases.Title(language.English).String(string(kind))
}

func truncate(s string, width int) string {
	if width <= 3 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
