package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/minutegraph/merge"
)

var graphMode string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Manage the meeting graph",
}

var graphBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Aggregate records and replace the graph with them",
	Long: `Builds the aggregate of llm_ (or manual_) records, embeds the searchable
texts and replaces the contents of the graph. Vector indexes are recreated.`,
	Args: cobra.NoArgs,
	RunE: runGraphBuild,
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Write the aggregate file without touching the graph",
	Args:  cobra.NoArgs,
	RunE:  runAggregate,
}

func init() {
	for _, c := range []*cobra.Command{graphBuildCmd, aggregateCmd} {
		c.Flags().StringVar(&graphMode, "mode", string(merge.ModeLLM), "records to use (llm or manual)")
	}
	graphCmd.AddCommand(graphBuildCmd)
	rootCmd.AddCommand(graphCmd, aggregateCmd)
}

func runGraphBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	stats, err := engine.BuildGraph(ctx, merge.Mode(graphMode))
	if err != nil {
		return fmt.Errorf("graph build failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, stats)
	}
	cmd.Printf("Graph built: %d bodies, %d meetings, %d items, %d embeddings in %s\n",
		stats.Bodies, stats.Meetings, stats.Items, stats.Embeddings, stats.Elapsed.Round(time.Second))
	return nil
}

func runAggregate(cmd *cobra.Command, args []string) error {
	path, err := engine.Aggregate(cmd.Context(), merge.Mode(graphMode))
	if err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}
	cmd.Println(path)
	return nil
}
