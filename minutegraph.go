// Package minutegraph turns municipal meeting protocols into structured
// records, loads them into a graph database and answers questions over the
// graph.
package minutegraph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brunobiangulo/minutegraph/batch"
	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/cypher"
	"github.com/brunobiangulo/minutegraph/eval"
	"github.com/brunobiangulo/minutegraph/extraction"
	"github.com/brunobiangulo/minutegraph/graph"
	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/merge"
	"github.com/brunobiangulo/minutegraph/prompts"
	"github.com/brunobiangulo/minutegraph/ratelimit"
	"github.com/brunobiangulo/minutegraph/reasoning"
	"github.com/brunobiangulo/minutegraph/record"
	"github.com/brunobiangulo/minutegraph/retrieval"
	"github.com/brunobiangulo/minutegraph/store"
)

// Engine is the main entry point of the pipeline.
type Engine interface {
	// Extract runs synchronous extraction of type t over the catalog.
	Extract(ctx context.Context, t record.Type, opts ExtractOptions) (*extraction.Report, error)

	// SubmitBatch writes the request file of type t and starts a provider
	// batch job. The job id is saved so a later call can resume.
	SubmitBatch(ctx context.Context, t record.Type, opts BatchOptions) (*BatchSubmission, error)

	// BatchStatus polls a job once. An empty jobID uses the saved id of t.
	BatchStatus(ctx context.Context, t record.Type, jobID string) (*BatchState, error)

	// CollectBatch turns the output of a completed job into records.
	CollectBatch(ctx context.Context, t record.Type, opts CollectOptions) (*extraction.Report, error)

	// Ask answers a question from the graph. Queries that cannot be
	// generated or executed degrade to a "no data" answer; an unreachable
	// graph is ErrGraphUnavailable and no model call is made.
	Ask(ctx context.Context, question string) (*reasoning.Answer, error)

	// Chart retrieves rows for question and describes a chart over them.
	// Like Ask, an unreachable graph is ErrGraphUnavailable.
	Chart(ctx context.Context, question string) (*Visual, error)

	// Timeline retrieves rows for question and lays them out as a timeline.
	Timeline(ctx context.Context, question string) (*Visual, error)

	// BuildGraph aggregates the records of mode and replaces the graph.
	BuildGraph(ctx context.Context, mode merge.Mode) (*graph.BuildStats, error)

	// Aggregate writes the aggregate file of mode and returns its path.
	Aggregate(ctx context.Context, mode merge.Mode) (string, error)

	// Evaluate compares llm_ records of t against manual_ ones and appends
	// the report to the results file.
	Evaluate(ctx context.Context, t record.Type, title string) (*eval.Report, error)

	// Documents returns the catalog.
	Documents(ctx context.Context) ([]catalog.Document, error)

	// Jobs lists the submitted batch jobs, newest first.
	Jobs(ctx context.Context) ([]store.BatchJob, error)

	// Outcomes returns the per-document outcomes of an extraction run, or
	// of every run when runID is empty.
	Outcomes(ctx context.Context, runID string) ([]store.Outcome, error)

	// Queries returns the latest answered questions, newest first.
	Queries(ctx context.Context, limit int) ([]store.QueryRecord, error)

	// Phrases returns the k cached search phrases closest to text.
	Phrases(ctx context.Context, text string, k int) ([]store.PhraseMatch, error)

	// Close releases the ledger and the graph connection.
	Close() error
}

// ExtractOptions select documents and control a synchronous run.
type ExtractOptions struct {
	// IDs restricts the run to these documents. Empty means every
	// document of the type.
	IDs        []string `json:"ids,omitempty"`
	Overwrite  bool     `json:"overwrite"`
	References bool     `json:"references"`
	ReplaceIDs bool     `json:"replace_ids"`
	Format     string   `json:"format,omitempty"`
}

// BatchOptions control a batch submission.
type BatchOptions struct {
	IDs []string `json:"ids,omitempty"`
	// OverwriteData includes documents that already have a record.
	OverwriteData bool `json:"overwrite_data"`
	// ReuseFile submits an existing request file as it is instead of
	// rebuilding it from the selected documents.
	ReuseFile bool `json:"reuse_file"`
	// References also submits the references job of agenda documents
	// published as web pages.
	References  bool   `json:"references"`
	Description string `json:"description,omitempty"`
}

// BatchSubmission is the result of SubmitBatch.
type BatchSubmission struct {
	Type     record.Type     `json:"type"`
	JobID    string          `json:"job_id"`
	Estimate *batch.Estimate `json:"estimate,omitempty"`

	ReferencesJobID    string          `json:"references_job_id,omitempty"`
	ReferencesEstimate *batch.Estimate `json:"references_estimate,omitempty"`
}

// BatchState is the result of BatchStatus.
type BatchState struct {
	Type   record.Type  `json:"type"`
	JobID  string       `json:"job_id"`
	Status batch.Status `json:"status"`
	// From the ledger, empty for jobs submitted elsewhere.
	Description string `json:"description,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
}

// CollectOptions control CollectBatch. Empty job ids use the saved ids.
type CollectOptions struct {
	JobID           string `json:"job_id,omitempty"`
	ReferencesJobID string `json:"references_job_id,omitempty"`
	Overwrite       bool   `json:"overwrite"`
	ReplaceIDs      bool   `json:"replace_ids"`
}

// Visual is a chart or timeline together with the retrieval behind it.
// Both are nil when the question was refused, nothing was found or the
// model found no fitting visual.
type Visual struct {
	Question string              `json:"question"`
	Status   string              `json:"status"`
	Query    string              `json:"query"`
	Rows     int                 `json:"rows"`
	Warning  string              `json:"warning,omitempty"`
	Chart    *reasoning.ChartSpec `json:"chart,omitempty"`
	Timeline *reasoning.Timeline  `json:"timeline,omitempty"`
}

const (
	defaultBatchDescription      = "Extract Structured Outputs from Meeting Documents"
	defaultReferencesDescription = "Extract References from Meeting Documents"
)

type engine struct {
	cfg      Config
	store    *store.Store
	client   *llm.Client
	embedder llm.Embedder
	catalog  *catalog.Catalog
	schemas  map[record.Type]*record.Schema
	prompts  map[string]string
	fields   string

	runner     *extraction.Runner
	batches    *batch.Manager
	answerer   *reasoning.Answerer
	visualizer *reasoning.Visualizer

	graphMu   sync.Mutex
	graph     *graph.Neo4j
	retriever *retrieval.Retriever
}

// New creates an Engine. Prompts, schemas and the catalog are loaded
// eagerly so configuration mistakes surface at startup. The graph database
// is only contacted when a graph operation first needs it.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	promptStore := prompts.NewStore(cfg.Prompts.Map())
	if err := promptStore.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingPath, err)
	}
	texts := make(map[string]string)
	for _, name := range prompts.Names() {
		text, err := promptStore.Load(name)
		if err != nil {
			return nil, fmt.Errorf("loading prompt %s: %w", name, err)
		}
		texts[name] = text
	}

	schemas := make(map[record.Type]*record.Schema)
	for _, t := range []record.Type{record.TypeMetadata, record.TypeAgenda, record.TypeReferences} {
		s, err := record.SchemaFor(t, cfg.Schemas.Path(t))
		if err != nil {
			return nil, fmt.Errorf("loading %s schema: %w", t, err)
		}
		schemas[t] = s
	}

	var fields string
	if cfg.FieldDescriptionsPath != "" {
		data, err := os.ReadFile(cfg.FieldDescriptionsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: field descriptions: %w", ErrMissingPath, err)
		}
		fields = string(data)
	}

	governor, err := newGovernor(cfg)
	if err != nil {
		return nil, err
	}
	chatCfg := llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	}
	chat, err := llm.NewProvider(chatCfg)
	if err != nil {
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}
	embedCfg := llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	}
	if embedCfg.Provider == "openai" {
		embedCfg.Dimensions = cfg.EmbeddingDim
	}
	embed, err := llm.NewProvider(embedCfg)
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	client := llm.NewClient(chat, governor, llm.WithEmbedProvider(embed), llm.WithDimension(cfg.EmbeddingDim))

	dbPath := cfg.resolveDBPath()
	st, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	cat, err := loadCatalog(context.Background(), cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &engine{
		cfg:      cfg,
		store:    st,
		client:   client,
		embedder: &cachedEmbedder{next: client, cache: st, model: cfg.Embedding.Model},
		catalog:  cat,
		schemas:  schemas,
		prompts:  texts,
		fields:   fields,
	}
	e.runner = &extraction.Runner{
		Client: client,
		Merger: &merge.Merger{Catalog: cat},
		Specs: map[record.Type]extraction.Spec{
			record.TypeMetadata:   {Prompt: texts[prompts.MetadataExtraction], Schema: schemas[record.TypeMetadata]},
			record.TypeAgenda:     {Prompt: texts[prompts.AgendaExtraction], Schema: schemas[record.TypeAgenda]},
			record.TypeReferences: {Prompt: texts[prompts.ReferencesExtraction], Schema: schemas[record.TypeReferences]},
		},
		Budget:      cfg.RetryBudget,
		Concurrency: cfg.Concurrency,
		Ledger:      st,
	}
	e.batches = &batch.Manager{
		API:             llm.NewBatchClient(chatCfg),
		Model:           cfg.Chat.Model,
		Pause:           ratelimit.NewPause(time.Duration(cfg.Batch.PauseSeconds) * time.Second),
		Ledger:          st,
		PricePerMillion: cfg.Batch.PricePerMillion,
	}
	e.answerer = &reasoning.Answerer{
		Client:            client,
		QATemplate:        texts[prompts.CypherQA],
		FilterTemplate:    texts[prompts.CypherFilter],
		FieldDescriptions: fields,
	}
	e.visualizer = &reasoning.Visualizer{
		Client:            client,
		ChartTemplate:     texts[prompts.Chart],
		TimelineTemplate:  texts[prompts.Timeline],
		FieldDescriptions: fields,
	}

	slog.Info("minutegraph: engine ready",
		"db", dbPath, "documents", cat.Len(),
		"chat_model", cfg.Chat.Model, "embedding_model", cfg.Embedding.Model,
		"calls_per_minute", cfg.CallsPerMinute)
	return e, nil
}

// loadCatalog reads the document index and snapshots it into the ledger.
// Without an index the last snapshot is used.
// newGovernor builds the call-rate governor, capped to MaxInFlight
// concurrent calls when set.
func newGovernor(cfg Config) (ratelimit.Governor, error) {
	g, err := ratelimit.New(cfg.RateStrategy, cfg.CallsPerMinute, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.MaxInFlight > 0 {
		g = ratelimit.Chain(g, ratelimit.NewSemaphore(cfg.MaxInFlight))
	}
	return g, nil
}

func loadCatalog(ctx context.Context, cfg Config, st *store.Store) (*catalog.Catalog, error) {
	cat, err := catalog.LoadIndex(cfg.CatalogPath, cfg.ProtocolsPath)
	if err == nil {
		if err := st.SaveCatalog(ctx, cat.Documents()); err != nil {
			slog.Warn("minutegraph: saving catalog snapshot", "error", err)
		}
		return cat, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	docs, lerr := st.ListCatalog(ctx)
	if lerr != nil {
		return nil, lerr
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: document index %s", ErrMissingPath, cfg.CatalogPath)
	}
	slog.Warn("minutegraph: document index missing, using stored snapshot",
		"path", cfg.CatalogPath, "documents", len(docs))
	return catalog.New(docs)
}

// documents selects the documents extracted as type t.
func (e *engine) documents(t record.Type, ids []string) ([]catalog.Document, error) {
	var docs []catalog.Document
	switch t {
	case record.TypeMetadata:
		docs = e.catalog.Filter(catalog.KindMetadata)
	case record.TypeAgenda:
		docs = e.catalog.Filter(catalog.KindAgenda)
	case record.TypeReferences:
		for _, d := range e.catalog.Filter(catalog.KindAgenda) {
			if d.WebHTML() != "" {
				docs = append(docs, d)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if len(ids) == 0 {
		return docs, nil
	}

	of := make(map[string]bool, len(docs))
	for _, d := range docs {
		of[d.ID] = true
	}
	var out []catalog.Document
	for _, d := range e.catalog.Select(ids) {
		if !of[d.ID] {
			slog.Warn("minutegraph: document is not of the requested type", "doc_id", d.ID, "type", t)
			continue
		}
		out = append(out, d)
	}
	if len(out) < len(ids) {
		slog.Warn("minutegraph: some document ids were not selected", "requested", len(ids), "selected", len(out))
	}
	return out, nil
}

func (e *engine) Extract(ctx context.Context, t record.Type, opts ExtractOptions) (*extraction.Report, error) {
	if t == record.TypeReferences {
		return nil, fmt.Errorf("%w: references are extracted together with agenda", ErrUnknownType)
	}
	docs, err := e.documents(t, opts.IDs)
	if err != nil {
		return nil, err
	}
	return e.runner.Run(ctx, t, docs, extraction.Options{
		Overwrite:  opts.Overwrite,
		References: opts.References,
		ReplaceIDs: opts.ReplaceIDs,
		Format:     opts.Format,
	})
}

func (e *engine) SubmitBatch(ctx context.Context, t record.Type, opts BatchOptions) (*BatchSubmission, error) {
	if t == record.TypeReferences {
		return nil, fmt.Errorf("%w: references are submitted together with agenda", ErrUnknownType)
	}
	desc := opts.Description
	if desc == "" {
		desc = defaultBatchDescription
	}
	sub := &BatchSubmission{Type: t}

	jobID, est, err := e.submit(ctx, t, opts, desc)
	if err != nil {
		return nil, err
	}
	sub.JobID, sub.Estimate = jobID, est

	if opts.References && t == record.TypeAgenda {
		jobID, est, err := e.submit(ctx, record.TypeReferences, opts, defaultReferencesDescription)
		if err != nil {
			return sub, err
		}
		sub.ReferencesJobID, sub.ReferencesEstimate = jobID, est
	}
	return sub, nil
}

func (e *engine) submit(ctx context.Context, t record.Type, opts BatchOptions, desc string) (string, *batch.Estimate, error) {
	docs, err := e.documents(t, opts.IDs)
	if err != nil {
		return "", nil, err
	}
	if !opts.OverwriteData && t != record.TypeReferences {
		docs = e.runner.Pending(docs, t)
	}
	if len(docs) == 0 {
		return "", nil, fmt.Errorf("minutegraph: no %s documents to submit", t)
	}

	ids, err := batch.NewIDMap(docs)
	if err != nil {
		return "", nil, err
	}
	reqs, err := e.batches.BuildRequests(ids, docs, e.runner.Specs[t].Prompt, e.schemas[t])
	if err != nil {
		return "", nil, err
	}
	files := e.cfg.batchFiles(t)
	est, err := e.batches.CreateBatchFile(files.File, reqs, !opts.ReuseFile)
	switch {
	case errors.Is(err, batch.ErrArtifactExists):
		slog.Info("minutegraph: reusing existing request file", "path", files.File, "type", t)
	case err != nil:
		return "", nil, err
	}

	jobID, err := e.batches.Submit(ctx, batch.Submission{
		Type:        t,
		Artifact:    files.File,
		IDFile:      files.IDFile,
		Description: desc,
	})
	if err != nil {
		return "", est, err
	}
	return jobID, est, nil
}

func (e *engine) BatchStatus(ctx context.Context, t record.Type, jobID string) (*BatchState, error) {
	if jobID == "" {
		id, err := batch.ResumeJobID(e.cfg.batchFiles(t).IDFile)
		if err != nil {
			return nil, err
		}
		jobID = id
	}
	st, err := e.batches.Poll(ctx, jobID)
	state := &BatchState{Type: t, JobID: jobID, Status: st}
	if job, jerr := e.store.GetBatchJob(ctx, jobID); jerr == nil {
		state.Description, state.SubmittedAt = job.Description, job.CreatedAt
	}
	if err != nil {
		return state, err
	}
	return state, nil
}

func (e *engine) CollectBatch(ctx context.Context, t record.Type, opts CollectOptions) (*extraction.Report, error) {
	if t == record.TypeReferences {
		return nil, fmt.Errorf("%w: references are collected together with agenda", ErrUnknownType)
	}
	files := e.cfg.batchFiles(t)
	jobID := opts.JobID
	if jobID == "" {
		id, err := batch.ResumeJobID(files.IDFile)
		if err != nil {
			return nil, err
		}
		jobID = id
	}

	docs, err := e.documents(t, nil)
	if err != nil {
		return nil, err
	}
	ids, err := batch.NewIDMap(docs)
	if err != nil {
		return nil, err
	}

	var refs map[string][]string
	if t == record.TypeAgenda {
		refs, err = e.collectReferences(ctx, opts.ReferencesJobID)
		if err != nil {
			return nil, err
		}
	}

	extractOpts := extraction.Options{Overwrite: opts.Overwrite, ReplaceIDs: opts.ReplaceIDs}
	report, err := e.batches.Collect(ctx, batch.Collection{
		JobID:      jobID,
		Type:       t,
		Schema:     e.schemas[t],
		IDs:        ids,
		References: refs,
		RawPath:    strings.TrimSuffix(files.File, filepath.Ext(files.File)) + "_output.jsonl",
		Sink: func(doc catalog.Document, p *record.Payload, refs []string) (string, error) {
			return e.runner.Finalize(doc, p, refs, extractOpts)
		},
	})
	if err != nil {
		return nil, err
	}
	for _, o := range report.Outcomes {
		if err := e.store.RecordOutcome(ctx, store.Outcome{
			RunID:    report.RunID,
			DocID:    o.DocID,
			Type:     string(t),
			Status:   string(o.Status),
			Attempts: o.Attempts,
			Path:     o.Path,
			Error:    o.ErrorText(),
		}); err != nil {
			slog.Warn("minutegraph: recording outcome", "doc_id", o.DocID, "error", err)
		}
	}
	return report, nil
}

// collectReferences reads the companion references job. Without a job id
// and without a saved one agenda records get no references.
func (e *engine) collectReferences(ctx context.Context, jobID string) (map[string][]string, error) {
	if jobID == "" {
		id, err := batch.ResumeJobID(e.cfg.batchFiles(record.TypeReferences).IDFile)
		if err != nil {
			slog.Debug("minutegraph: no references job", "error", err)
			return nil, nil
		}
		jobID = id
	}
	return e.batches.CollectReferences(ctx, jobID, e.schemas[record.TypeReferences])
}

// connect opens the graph on first use.
func (e *engine) connect(ctx context.Context) (*graph.Neo4j, *retrieval.Retriever, error) {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	if e.graph != nil {
		return e.graph, e.retriever, nil
	}
	g, err := graph.Open(ctx, e.cfg.Neo4j)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrGraphUnavailable, err)
	}
	e.graph = g
	e.retriever = e.newRetriever(ctx, g)
	return e.graph, e.retriever, nil
}

// newRetriever reads the vector indexes once so the generation prompt can
// name them.
func (e *engine) newRetriever(ctx context.Context, g *graph.Neo4j) *retrieval.Retriever {
	indexes, err := g.VectorIndexes(ctx)
	if err != nil {
		slog.Warn("minutegraph: reading vector indexes", "error", err)
	}
	return &retrieval.Retriever{
		Synthesizer: &cypher.Synthesizer{
			Client:            e.client,
			Embedder:          e.embedder,
			Template:          e.prompts[prompts.CypherGeneration],
			FieldDescriptions: e.fields,
			IndexInfo:         graph.IndexInfo(indexes),
		},
		Executor: &retrieval.Executor{Store: g, Connector: g, TopK: e.cfg.TopK},
		Schema:   g,
		Attempts: e.cfg.QueryAttempts,
		Log:      e.store,
	}
}

func (e *engine) retrieve(ctx context.Context, question string) (*retrieval.Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("minutegraph: empty question")
	}
	_, r, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	return r.Retrieve(ctx, question)
}

func (e *engine) Ask(ctx context.Context, question string) (*reasoning.Answer, error) {
	res, err := e.retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	return e.answerer.Answer(ctx, res)
}

func (e *engine) Chart(ctx context.Context, question string) (*Visual, error) {
	return e.visual(ctx, question, func(v *Visual, rows []map[string]any) error {
		spec, err := e.visualizer.Chart(ctx, question, rows)
		v.Chart = spec
		return err
	})
}

func (e *engine) Timeline(ctx context.Context, question string) (*Visual, error) {
	return e.visual(ctx, question, func(v *Visual, rows []map[string]any) error {
		tl, err := e.visualizer.Timeline(ctx, question, rows)
		v.Timeline = tl
		return err
	})
}

func (e *engine) visual(ctx context.Context, question string, draw func(*Visual, []map[string]any) error) (*Visual, error) {
	res, err := e.retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	v := &Visual{
		Question: question,
		Status:   res.Status,
		Query:    res.QueryText,
		Rows:     len(res.Rows),
		Warning:  res.Warning,
	}
	if res.Status != retrieval.StatusOK || len(res.Rows) == 0 {
		return v, nil
	}
	if err := draw(v, res.Rows); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *engine) aggregate(mode merge.Mode) (string, *merge.Aggregate, error) {
	if mode != merge.ModeLLM && mode != merge.ModeManual {
		return "", nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, mode)
	}
	agg, err := merge.BuildAggregate(e.catalog, mode, merge.Writer{})
	if err != nil {
		return "", nil, err
	}
	path, err := merge.WriteAggregate(e.cfg.ProtocolsPath, mode, agg)
	if err != nil {
		return "", nil, err
	}
	slog.Info("minutegraph: aggregate written", "path", path, "mode", mode, "bodies", len(agg.Bodies))
	return path, agg, nil
}

func (e *engine) Aggregate(ctx context.Context, mode merge.Mode) (string, error) {
	path, _, err := e.aggregate(mode)
	return path, err
}

func (e *engine) BuildGraph(ctx context.Context, mode merge.Mode) (*graph.BuildStats, error) {
	_, agg, err := e.aggregate(mode)
	if err != nil {
		return nil, err
	}
	g, _, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	b := &graph.Builder{
		Graph:       g,
		Embedder:    e.client,
		Dimension:   e.cfg.EmbeddingDim,
		Concurrency: e.cfg.GraphConcurrency,
	}
	stats, err := b.Build(ctx, agg)
	if err != nil {
		return nil, err
	}

	// The build recreates labels and indexes; later questions need both.
	r := e.newRetriever(ctx, g)
	e.graphMu.Lock()
	e.retriever = r
	e.graphMu.Unlock()
	return stats, nil
}

func (e *engine) Evaluate(ctx context.Context, t record.Type, title string) (*eval.Report, error) {
	if t == record.TypeReferences {
		return nil, fmt.Errorf("%w: references have no records of their own", ErrUnknownType)
	}
	docs, err := e.documents(t, nil)
	if err != nil {
		return nil, err
	}
	ev := &eval.Evaluator{
		Prompt: e.runner.Specs[t].Prompt,
		Schema: e.schemas[t].Raw,
	}
	report, err := ev.Run(docs, t, title)
	if err != nil {
		return nil, err
	}
	all, err := eval.AppendResults(e.cfg.EvalResultsPath, report)
	if err != nil {
		return report, err
	}
	xlsx := strings.TrimSuffix(e.cfg.EvalResultsPath, filepath.Ext(e.cfg.EvalResultsPath)) + ".xlsx"
	if err := eval.WriteXLSX(xlsx, all); err != nil {
		slog.Warn("minutegraph: writing evaluation workbook", "path", xlsx, "error", err)
	}
	return report, nil
}

func (e *engine) Documents(ctx context.Context) ([]catalog.Document, error) {
	return e.catalog.Documents(), nil
}

func (e *engine) Jobs(ctx context.Context) ([]store.BatchJob, error) {
	return e.store.ListBatchJobs(ctx)
}

func (e *engine) Outcomes(ctx context.Context, runID string) ([]store.Outcome, error) {
	return e.store.ListOutcomes(ctx, runID)
}

// DefaultQueryLimit bounds Queries when no limit is given.
const DefaultQueryLimit = 20

func (e *engine) Queries(ctx context.Context, limit int) ([]store.QueryRecord, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	return e.store.RecentQueries(ctx, limit)
}

func (e *engine) Phrases(ctx context.Context, text string, k int) ([]store.PhraseMatch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("minutegraph: empty phrase")
	}
	if k <= 0 {
		k = 5
	}
	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return e.store.SimilarPhrases(ctx, vecs[0], k)
}

func (e *engine) Close() error {
	e.graphMu.Lock()
	g := e.graph
	e.graph = nil
	e.graphMu.Unlock()

	var errs []error
	if g != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, g.Close(ctx))
		cancel()
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}
