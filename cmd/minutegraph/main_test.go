package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/minutegraph"
	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/eval"
	"github.com/brunobiangulo/minutegraph/extraction"
	"github.com/brunobiangulo/minutegraph/graph"
	"github.com/brunobiangulo/minutegraph/merge"
	"github.com/brunobiangulo/minutegraph/reasoning"
	"github.com/brunobiangulo/minutegraph/record"
	"github.com/brunobiangulo/minutegraph/store"
)

type mockEngine struct {
	extractType record.Type
	extractOpts minutegraph.ExtractOptions
	collectOpts minutegraph.CollectOptions
	statusJobID string
	batchOpts   minutegraph.BatchOptions
	runID       string
	limit       int
	phrase      string
	k           int
	mode        merge.Mode
	question    string
	closed      bool
}

func (m *mockEngine) Extract(ctx context.Context, t record.Type, opts minutegraph.ExtractOptions) (*extraction.Report, error) {
	m.extractType, m.extractOpts = t, opts
	return &extraction.Report{RunID: "run-1", Type: t, Succeeded: 3, Failed: 1,
		Outcomes: []extraction.Outcome{{DocID: "100009", Status: extraction.StatusFailed, Err: errors.New("invalid answer")}}}, nil
}

func (m *mockEngine) SubmitBatch(ctx context.Context, t record.Type, opts minutegraph.BatchOptions) (*minutegraph.BatchSubmission, error) {
	m.batchOpts = opts
	sub := &minutegraph.BatchSubmission{Type: t, JobID: "batch_meta"}
	if opts.References {
		sub.ReferencesJobID = "batch_refs"
	}
	return sub, nil
}

func (m *mockEngine) BatchStatus(ctx context.Context, t record.Type, jobID string) (*minutegraph.BatchState, error) {
	m.statusJobID = jobID
	if jobID == "" {
		jobID = "batch_saved"
	}
	return &minutegraph.BatchState{Type: t, JobID: jobID, Status: "completed"}, nil
}

func (m *mockEngine) CollectBatch(ctx context.Context, t record.Type, opts minutegraph.CollectOptions) (*extraction.Report, error) {
	m.collectOpts = opts
	return &extraction.Report{RunID: "run-2", Type: t, Succeeded: 1}, nil
}

func (m *mockEngine) Ask(ctx context.Context, q string) (*reasoning.Answer, error) {
	m.question = q
	return &reasoning.Answer{Question: q, Text: "Kaksi kokousta.", Query: "MATCH (m:Meeting) RETURN count(m)"}, nil
}

func (m *mockEngine) Chart(ctx context.Context, q string) (*minutegraph.Visual, error) {
	return &minutegraph.Visual{Question: q, Status: "exhausted"}, nil
}

func (m *mockEngine) Timeline(ctx context.Context, q string) (*minutegraph.Visual, error) {
	return &minutegraph.Visual{Question: q, Status: "ok", Rows: 1, Timeline: &reasoning.Timeline{}}, nil
}

func (m *mockEngine) BuildGraph(ctx context.Context, mode merge.Mode) (*graph.BuildStats, error) {
	m.mode = mode
	return &graph.BuildStats{Bodies: 2, Meetings: 5, Items: 40}, nil
}

func (m *mockEngine) Aggregate(ctx context.Context, mode merge.Mode) (string, error) {
	m.mode = mode
	return "/data/" + merge.AggregateFileName(mode), nil
}

func (m *mockEngine) Evaluate(ctx context.Context, t record.Type, title string) (*eval.Report, error) {
	return &eval.Report{Title: title, Type: t, Average: 0.875,
		Fields: map[string]float64{"title": 1, "decision": 0.75}, Pairs: make([]eval.Pair, 2)}, nil
}

func (m *mockEngine) Documents(ctx context.Context) ([]catalog.Document, error) {
	return []catalog.Document{{ID: "100001", Kind: catalog.KindMetadata, Title: "Beslutande"}}, nil
}

func (m *mockEngine) Jobs(ctx context.Context) ([]store.BatchJob, error) {
	return []store.BatchJob{{ID: "batch_meta", Type: "metadata", Status: "completed", Description: "nightly"}}, nil
}

func (m *mockEngine) Outcomes(ctx context.Context, runID string) ([]store.Outcome, error) {
	m.runID = runID
	return []store.Outcome{{RunID: "run-1", DocID: "100009", Type: "agenda", Status: "failed", Attempts: 3, Error: "invalid answer"}}, nil
}

func (m *mockEngine) Queries(ctx context.Context, limit int) ([]store.QueryRecord, error) {
	m.limit = limit
	return []store.QueryRecord{{Question: "Montako kokousta?", Status: "ok", Rows: 2}}, nil
}

func (m *mockEngine) Phrases(ctx context.Context, text string, k int) ([]store.PhraseMatch, error) {
	m.phrase, m.k = text, k
	return []store.PhraseMatch{{Text: "vesimaksut", Distance: 0.125}}, nil
}

func (m *mockEngine) Close() error {
	m.closed = true
	return nil
}

// resetFlags restores the package-level flag values. Cobra keeps them
// between executions.
func resetFlags() {
	jsonOutput, verbose, showQuery = false, false, false
	extractOpts = minutegraph.ExtractOptions{Format: "html"}
	batchSubmitOpts = minutegraph.BatchOptions{}
	batchCollectOpts = minutegraph.CollectOptions{}
	graphMode = string(merge.ModeLLM)
	evalTitle = ""
	queryLimit, phraseK = 20, 5
}

// run executes the root command against a fresh mock.
func run(t *testing.T, args ...string) (*mockEngine, string, error) {
	t.Helper()
	resetFlags()
	m := &mockEngine{}
	newEngine = func(minutegraph.Config) (minutegraph.Engine, error) { return m, nil }

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		newEngine = minutegraph.New
		resetFlags()
	})
	err := rootCmd.Execute()
	return m, buf.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	names := make([]string, 0)
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"extract", "batch", "ask", "chart", "timeline", "graph", "aggregate", "eval", "documents", "outcomes", "queries", "phrases"} {
		assert.Contains(t, names, want)
	}
}

func TestExtractCommand(t *testing.T) {
	m, out, err := run(t, "extract", "agenda", "--ids", "100002,100003", "--references", "--format", "txt")
	require.NoError(t, err)

	assert.Equal(t, record.TypeAgenda, m.extractType)
	assert.Equal(t, []string{"100002", "100003"}, m.extractOpts.IDs)
	assert.True(t, m.extractOpts.References)
	assert.Equal(t, "txt", m.extractOpts.Format)
	assert.Contains(t, out, "3 succeeded, 1 failed")
	assert.Contains(t, out, "failed 100009: invalid answer")
	assert.True(t, m.closed)
}

func TestExtractRejectsUnknownType(t *testing.T) {
	_, _, err := run(t, "extract", "minutes")
	assert.Error(t, err)
}

func TestBatchCommands(t *testing.T) {
	m, out, err := run(t, "batch", "submit", "agenda", "--references")
	require.NoError(t, err)
	assert.Contains(t, out, "batch_meta")
	assert.Contains(t, out, "batch_refs")
	assert.False(t, m.batchOpts.ReuseFile)

	m, _, err = run(t, "batch", "submit", "metadata", "--overwrite", "--reuse-file")
	require.NoError(t, err)
	assert.True(t, m.batchOpts.OverwriteData)
	assert.True(t, m.batchOpts.ReuseFile)

	m, out, err = run(t, "batch", "status", "metadata")
	require.NoError(t, err)
	assert.Empty(t, m.statusJobID)
	assert.Contains(t, out, "batch_saved: completed")

	m, _, err = run(t, "batch", "collect", "agenda", "batch_abc", "--references-job", "batch_refs")
	require.NoError(t, err)
	assert.Equal(t, "batch_abc", m.collectOpts.JobID)
	assert.Equal(t, "batch_refs", m.collectOpts.ReferencesJobID)
}

func TestAskCommand(t *testing.T) {
	m, out, err := run(t, "ask", "Montako", "kokousta?", "--show-query")
	require.NoError(t, err)
	assert.Equal(t, "Montako kokousta?", m.question)
	assert.Contains(t, out, "MATCH (m:Meeting)")
	assert.Contains(t, out, "Kaksi kokousta.")
}

func TestAskJSON(t *testing.T) {
	_, out, err := run(t, "ask", "q", "--json")
	require.NoError(t, err)
	var answer reasoning.Answer
	require.NoError(t, json.Unmarshal([]byte(out), &answer))
	assert.Equal(t, "Kaksi kokousta.", answer.Text)
}

func TestVisualCommands(t *testing.T) {
	_, out, err := run(t, "chart", "budget", "per", "year")
	require.NoError(t, err)
	assert.Contains(t, out, "No visual (exhausted, 0 rows)")

	_, out, err = run(t, "timeline", "meetings")
	require.NoError(t, err)
	assert.Contains(t, out, `"timeline"`)
}

func TestGraphCommands(t *testing.T) {
	m, out, err := run(t, "graph", "build", "--mode", "manual")
	require.NoError(t, err)
	assert.Equal(t, merge.ModeManual, m.mode)
	assert.Contains(t, out, "2 bodies, 5 meetings, 40 items")

	m, out, err = run(t, "aggregate")
	require.NoError(t, err)
	assert.Equal(t, merge.ModeLLM, m.mode)
	assert.Contains(t, out, "llm_aggregate_data.json")
}

func TestEvalCommand(t *testing.T) {
	_, _, err := run(t, "eval", "agenda")
	assert.Error(t, err, "title is required")

	_, out, err := run(t, "eval", "agenda", "--title", "baseline")
	require.NoError(t, err)
	assert.Contains(t, out, "baseline (agenda): 0.875 over 2 documents")
	assert.Contains(t, out, "decision")
}

func TestDocumentsCommand(t *testing.T) {
	_, out, err := run(t, "documents")
	require.NoError(t, err)
	assert.Contains(t, out, "100001")
	assert.Contains(t, out, "Beslutande")
}

func TestLedgerCommands(t *testing.T) {
	_, out, err := run(t, "batch", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "batch_meta")
	assert.Contains(t, out, "nightly")

	m, out, err := run(t, "outcomes", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", m.runID)
	assert.Contains(t, out, "100009")
	assert.Contains(t, out, "invalid answer")

	m, out, err = run(t, "queries", "--limit", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, m.limit)
	assert.Contains(t, out, "Montako kokousta?")

	m, out, err = run(t, "phrases", "vesi", "maksut", "--k", "2")
	require.NoError(t, err)
	assert.Equal(t, "vesi maksut", m.phrase)
	assert.Equal(t, 2, m.k)
	assert.Contains(t, out, "0.1250  vesimaksut")
}

func TestEngineErrorStopsCommand(t *testing.T) {
	newEngine = func(minutegraph.Config) (minutegraph.Engine, error) {
		return nil, minutegraph.ErrMissingPath
	}
	defer func() { newEngine = minutegraph.New }()
	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs([]string{"documents"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	assert.ErrorIs(t, err, minutegraph.ErrMissingPath)
}
