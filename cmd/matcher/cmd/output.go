package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"receipt-matching-service/cmd/matcher/config"
	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/internal/reporter"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// reportFlags are shared by the commands that print a report
type reportFlags struct {
	format string
	file   string
}

func (f *reportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.format, "output-format", "f", "", "output format: console, json, csv (default from config, else console)")
	cmd.Flags().StringVarP(&f.file, "output-file", "o", "", "output file path (default: stdout)")
}

func (f *reportFlags) validate() error {
	if _, err := config.CreateReportConfig(nil, f.format); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", f.format, err)
	}
	if f.file != "" {
		dir := filepath.Dir(f.file)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return errors.FileError(errors.CodeFileNotFound, dir, err).
				WithSuggestion("create the output directory first")
		}
	}
	return nil
}

// writeReport renders report to the output file, or to stdout
func (f *reportFlags) writeReport(cmd *cobra.Command, report *reporter.Report) error {
	reportConfig, err := config.CreateReportConfig(cfg.Report, f.format)
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", f.format, err)
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, logger.GetGlobalLogger())
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if f.file != "" {
		file, err := os.Create(f.file)
		if err != nil {
			return errors.FileError(errors.CodeFilePermission, f.file, err)
		}
		defer file.Close()
		out = file
	}
	return generator.GenerateReportSafely(report, out)
}

// progressBar renders sweep progress snapshots on stderr. The bar is sized
// by the first snapshot, which carries the sweep total.
type progressBar struct {
	ch   chan reconciler.Progress
	done sync.WaitGroup
	bar  *progressbar.ProgressBar
	out  io.Writer
}

// startProgress returns nil when disabled
func startProgress(enabled bool, out io.Writer, description string) *progressBar {
	if !enabled {
		return nil
	}
	p := &progressBar{ch: make(chan reconciler.Progress, 16), out: out}
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		for snapshot := range p.ch {
			if p.bar == nil {
				p.bar = progressbar.NewOptions(snapshot.Total,
					progressbar.OptionSetWriter(out),
					progressbar.OptionEnableColorCodes(true),
					progressbar.OptionShowCount(),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionSetWidth(40),
					progressbar.OptionSetDescription(description),
					progressbar.OptionOnCompletion(func() {
						fmt.Fprintln(out)
					}),
				)
			}
			_ = p.bar.Set(snapshot.Processed)
		}
	}()
	return p
}

// Channel returns the channel to hand to the sweep; nil when disabled
func (p *progressBar) Channel() chan<- reconciler.Progress {
	if p == nil {
		return nil
	}
	return p.ch
}

// Stop closes the channel after the sweep returned and waits for the last render
func (p *progressBar) Stop() {
	if p == nil {
		return
	}
	close(p.ch)
	p.done.Wait()
	if p.bar != nil && !p.bar.IsFinished() {
		_ = p.bar.Finish()
	}
}

func printSweepSummary(out io.Writer, result *reconciler.SweepResult) {
	fmt.Fprintf(out, "Evaluated %d of %d receipts in %v (%d failed)\n",
		result.Processed, result.Total, result.Duration, result.Failed)
	for _, kind := range reporter.DecisionOrder {
		fmt.Fprintf(out, "  %-10s %d\n", kind, result.Counts[kind])
	}
}
