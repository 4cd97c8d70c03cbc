package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
)

var weightsJSON bool

// weightsCmd groups the weight inspection commands
var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Inspect the scoring weights",
}

var weightsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the weights used by the next evaluation",
	Long: `Show prints the latest saved weight version, or the configured initial
weights when no feedback has been recorded yet.`,
	Args: cobra.NoArgs,
	RunE: runWeightsShow,
}

var weightsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List every saved weight version",
	Args:  cobra.NoArgs,
	RunE:  runWeightsHistory,
}

func init() {
	rootCmd.AddCommand(weightsCmd)
	weightsCmd.AddCommand(weightsShowCmd, weightsHistoryCmd)
	weightsCmd.PersistentFlags().BoolVar(&weightsJSON, "json", false, "print JSON instead of a table")
}

func runWeightsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	current, err := store.LoadLatestWeights(ctx)
	if errors.IsCode(err, errors.CodeNotFound) {
		current, err = cfg.Matching.InitialWeights()
		if err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "weights", cfg.Matching.Weights, err)
		}
	} else if err != nil {
		return err
	}

	if weightsJSON {
		return writeJSON(cmd.OutOrStdout(), current)
	}
	printWeights(cmd.OutOrStdout(), current)
	return nil
}

func runWeightsHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := store.WeightHistory(ctx)
	if err != nil {
		return err
	}
	if weightsJSON {
		if history == nil {
			history = []*weights.Vector{}
		}
		return writeJSON(cmd.OutOrStdout(), history)
	}
	printWeightHistory(cmd.OutOrStdout(), history)
	return nil
}

func printWeightHistory(out io.Writer, history []*weights.Vector) {
	if len(history) == 0 {
		fmt.Fprintln(out, "No saved weight versions")
		return
	}

	header := []string{fmt.Sprintf("%-8s", "VERSION")}
	for _, factor := range weights.AllFactors {
		header = append(header, fmt.Sprintf("%-9s", strings.ToUpper(string(factor))))
	}
	header = append(header, "UPDATED")
	fmt.Fprintln(out, strings.Join(header, " "))

	for _, v := range history {
		row := []string{fmt.Sprintf("%-8d", v.Version())}
		for _, factor := range weights.AllFactors {
			value, _ := v.Get(factor)
			row = append(row, fmt.Sprintf("%-9.4f", value))
		}
		row = append(row, v.UpdatedAt().Format("2006-01-02 15:04:05"))
		fmt.Fprintln(out, strings.Join(row, " "))
	}
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode json", err)
	}
	return nil
}
