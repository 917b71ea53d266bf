package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/minutegraph"
	"github.com/brunobiangulo/minutegraph/batch"
	"github.com/brunobiangulo/minutegraph/record"
)

var (
	batchSubmitOpts  minutegraph.BatchOptions
	batchCollectOpts minutegraph.CollectOptions
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run extraction as provider batch jobs",
	Long: `Batch jobs trade latency for price: submit writes the request file and
starts a job, status polls it once and collect turns a completed job into
records. Job ids are saved so status and collect work without arguments.`,
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit <metadata|agenda>",
	Short: "Write the request file and start a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchSubmit,
}

var batchStatusCmd = &cobra.Command{
	Use:   "status <metadata|agenda> [job-id]",
	Short: "Poll a job once",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBatchStatus,
}

var batchCollectCmd = &cobra.Command{
	Use:   "collect <metadata|agenda> [job-id]",
	Short: "Write records from a completed job",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBatchCollect,
}

func init() {
	batchSubmitCmd.Flags().StringSliceVar(&batchSubmitOpts.IDs, "ids", nil, "only these document ids")
	batchSubmitCmd.Flags().BoolVar(&batchSubmitOpts.OverwriteData, "overwrite", false, "include documents that already have a record")
	batchSubmitCmd.Flags().BoolVar(&batchSubmitOpts.ReuseFile, "reuse-file", false, "submit the existing request file instead of rebuilding it")
	batchSubmitCmd.Flags().BoolVar(&batchSubmitOpts.References, "references", false, "also submit the references job (agenda)")
	batchSubmitCmd.Flags().StringVar(&batchSubmitOpts.Description, "description", "", "job description")

	batchCollectCmd.Flags().StringVar(&batchCollectOpts.ReferencesJobID, "references-job", "", "references job id (agenda)")
	batchCollectCmd.Flags().BoolVar(&batchCollectOpts.Overwrite, "overwrite", false, "replace existing records")
	batchCollectCmd.Flags().BoolVar(&batchCollectOpts.ReplaceIDs, "replace-ids", false, "replace element ids in agenda answers with their text")

	batchCmd.AddCommand(batchSubmitCmd, batchStatusCmd, batchCollectCmd)
	rootCmd.AddCommand(batchCmd)
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	t, err := record.ParseType(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	sub, err := engine.SubmitBatch(ctx, t, batchSubmitOpts)
	if err != nil {
		return fmt.Errorf("batch submission failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, sub)
	}
	cmd.Printf("Submitted %s job %s\n", t, sub.JobID)
	if sub.Estimate != nil {
		cmd.Printf("  %d requests, ~%d tokens, ~$%.2f\n", sub.Estimate.Requests, sub.Estimate.Tokens, sub.Estimate.Cost)
	}
	if sub.ReferencesJobID != "" {
		cmd.Printf("Submitted references job %s\n", sub.ReferencesJobID)
	}
	return nil
}

func optionalJobID(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	t, err := record.ParseType(args[0])
	if err != nil {
		return err
	}
	state, err := engine.BatchStatus(cmd.Context(), t, optionalJobID(args))
	if err != nil && !(errors.Is(err, batch.ErrJobFailed) && state != nil) {
		return fmt.Errorf("batch status failed: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, state)
	}
	cmd.Printf("%s job %s: %s\n", t, state.JobID, state.Status)
	return nil
}

func runBatchCollect(cmd *cobra.Command, args []string) error {
	t, err := record.ParseType(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	opts := batchCollectOpts
	opts.JobID = optionalJobID(args)
	report, err := engine.CollectBatch(ctx, t, opts)
	if err != nil {
		return fmt.Errorf("batch collection failed: %w", err)
	}
	return printReport(cmd, report)
}
