package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/minutegraph/record"
)

var evalTitle string

var evalCmd = &cobra.Command{
	Use:   "eval <metadata|agenda>",
	Short: "Score llm_ records against manual_ ones",
	Long: `Compares every document that has both a manual_ and an llm_ record of the
given type field by field and appends the report, titled with --title, to
the evaluation results file and its workbook.`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List the catalog",
	Args:  cobra.NoArgs,
	RunE:  runDocuments,
}

func init() {
	evalCmd.Flags().StringVar(&evalTitle, "title", "", "experiment title")
	evalCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(evalCmd, documentsCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	t, err := record.ParseType(args[0])
	if err != nil {
		return err
	}
	report, err := engine.Evaluate(cmd.Context(), t, evalTitle)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, report)
	}

	cmd.Printf("%s (%s): %.3f over %d documents\n", report.Title, report.Type, report.Average, len(report.Pairs))
	fields := make([]string, 0, len(report.Fields))
	for f := range report.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		cmd.Printf("  %-32s %.3f\n", f, report.Fields[f])
	}
	return nil
}

func runDocuments(cmd *cobra.Command, args []string) error {
	docs, err := engine.Documents(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, docs)
	}
	for _, d := range docs {
		cmd.Printf("%s  %-10s %s  %s  %s\n", d.ID, d.Kind, d.MeetingDate, d.Body, d.Title)
	}
	return nil
}
