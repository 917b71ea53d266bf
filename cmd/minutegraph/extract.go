package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/minutegraph"
	"github.com/brunobiangulo/minutegraph/extraction"
	"github.com/brunobiangulo/minutegraph/record"
)

var extractOpts minutegraph.ExtractOptions

var extractCmd = &cobra.Command{
	Use:   "extract <metadata|agenda>",
	Short: "Extract records synchronously",
	Long: `Sends every document of the given type to the model and writes one
llm_meeting_<type>.json next to each document. Documents that already have a
record are skipped unless --overwrite is given.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(record.TypeMetadata), string(record.TypeAgenda)},
	RunE:      runExtract,
}

func init() {
	extractCmd.Flags().StringSliceVar(&extractOpts.IDs, "ids", nil, "only these document ids")
	extractCmd.Flags().BoolVar(&extractOpts.Overwrite, "overwrite", false, "re-extract documents that have a record")
	extractCmd.Flags().BoolVar(&extractOpts.References, "references", false, "also extract references of agenda web pages")
	extractCmd.Flags().BoolVar(&extractOpts.ReplaceIDs, "replace-ids", false, "replace element ids in agenda answers with their text")
	extractCmd.Flags().StringVar(&extractOpts.Format, "format", "html", "converted input for documents without a web page (html or txt)")
	rootCmd.AddCommand(extractCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM so long runs stop
// between documents.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runExtract(cmd *cobra.Command, args []string) error {
	t, err := record.ParseType(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	report, err := engine.Extract(ctx, t, extractOpts)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	return printReport(cmd, report)
}

func printReport(cmd *cobra.Command, r *extraction.Report) error {
	if jsonOutput {
		return printJSON(cmd, r)
	}
	cmd.Printf("Run %s (%s): %d succeeded, %d failed, %d skipped in %s\n",
		r.RunID, r.Type, r.Succeeded, r.Failed, r.Skipped, r.Elapsed.Round(time.Second))
	for _, o := range r.Outcomes {
		if o.Status == extraction.StatusFailed {
			cmd.Printf("  failed %s: %s\n", o.DocID, o.ErrorText())
		}
	}
	return nil
}
