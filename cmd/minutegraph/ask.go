package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/minutegraph"
)

var showQuery bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the graph",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var chartCmd = &cobra.Command{
	Use:   "chart <question>",
	Short: "Describe a chart over the rows a question retrieves",
	Args:  cobra.MinimumNArgs(1),
	RunE: runVisual(func(ctx context.Context, q string) (*minutegraph.Visual, error) {
		return engine.Chart(ctx, q)
	}),
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <question>",
	Short: "Lay out the rows a question retrieves as a TimelineJS document",
	Args:  cobra.MinimumNArgs(1),
	RunE: runVisual(func(ctx context.Context, q string) (*minutegraph.Visual, error) {
		return engine.Timeline(ctx, q)
	}),
}

func init() {
	askCmd.Flags().BoolVar(&showQuery, "show-query", false, "print the executed query")
	rootCmd.AddCommand(askCmd, chartCmd, timelineCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	answer, err := engine.Ask(cmd.Context(), question)
	if err != nil {
		return fmt.Errorf("question failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, answer)
	}
	if showQuery && answer.Query != "" {
		cmd.Println(answer.Query)
		cmd.Println()
	}
	cmd.Println(answer.Text)
	return nil
}

func runVisual(draw func(context.Context, string) (*minutegraph.Visual, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		v, err := draw(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("visual failed: %w", err)
		}
		if v.Chart == nil && v.Timeline == nil && !jsonOutput {
			cmd.Printf("No visual (%s, %d rows)\n", v.Status, v.Rows)
			return nil
		}
		return printJSON(cmd, v)
	}
}
