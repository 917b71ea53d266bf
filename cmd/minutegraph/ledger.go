package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var (
	queryLimit int
	phraseK    int
)

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submitted jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBatchList,
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes [run-id]",
	Short: "Show per-document outcomes of extraction runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOutcomes,
}

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "Show the latest answered questions",
	Args:  cobra.NoArgs,
	RunE:  runQueries,
}

var phrasesCmd = &cobra.Command{
	Use:   "phrases <text>",
	Short: "Find cached search phrases close to a text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPhrases,
}

func init() {
	queriesCmd.Flags().IntVar(&queryLimit, "limit", 20, "number of questions")
	phrasesCmd.Flags().IntVar(&phraseK, "k", 5, "number of phrases")

	batchCmd.AddCommand(batchListCmd)
	rootCmd.AddCommand(outcomesCmd, queriesCmd, phrasesCmd)
}

func runBatchList(cmd *cobra.Command, args []string) error {
	jobs, err := engine.Jobs(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, jobs)
	}
	for _, j := range jobs {
		cmd.Printf("%s  %-10s %-12s %s  %s\n", j.ID, j.Type, j.Status, j.CreatedAt, j.Description)
	}
	return nil
}

func runOutcomes(cmd *cobra.Command, args []string) error {
	runID := ""
	if len(args) == 1 {
		runID = args[0]
	}
	outcomes, err := engine.Outcomes(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, outcomes)
	}
	for _, o := range outcomes {
		cmd.Printf("%s  %s  %-10s %-8s %d", o.RunID, o.DocID, o.Type, o.Status, o.Attempts)
		if o.Error != "" {
			cmd.Printf("  %s", o.Error)
		}
		cmd.Println()
	}
	return nil
}

func runQueries(cmd *cobra.Command, args []string) error {
	queries, err := engine.Queries(cmd.Context(), queryLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, queries)
	}
	for _, q := range queries {
		cmd.Printf("%s  %-9s %3d rows  %s\n", q.CreatedAt, q.Status, q.Rows, q.Question)
	}
	return nil
}

func runPhrases(cmd *cobra.Command, args []string) error {
	matches, err := engine.Phrases(cmd.Context(), strings.Join(args, " "), phraseK)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, matches)
	}
	for _, m := range matches {
		cmd.Printf("%.4f  %s\n", m.Distance, m.Text)
	}
	return nil
}
