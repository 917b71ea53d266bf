package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/merge"
	"github.com/brunobiangulo/minutegraph/record"
	"github.com/brunobiangulo/minutegraph/store"
)

// ErrUnknownType is returned for a type the runner has no prompt for.
var ErrUnknownType = errors.New("extraction: no prompt configured for type")

// Spec is the prompt and schema of one extraction type.
type Spec struct {
	Prompt string
	Schema *record.Schema
}

// Ledger records outcomes. *store.Store implements it.
type Ledger interface {
	RecordOutcome(ctx context.Context, o store.Outcome) error
}

// Options control one run.
type Options struct {
	// Overwrite re-extracts documents that already have a record.
	Overwrite bool
	// References runs a second references extraction for agenda
	// documents published as web pages.
	References bool
	// ReplaceIDs swaps HTML element ids in agenda answers for the text
	// of those elements.
	ReplaceIDs bool
	// Format is the converted input used when a document has no web
	// page: "html" (default) or "txt".
	Format string
}

// Report summarises a run.
type Report struct {
	RunID     string        `json:"run_id"`
	Type      record.Type   `json:"type"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Calls     int64         `json:"calls"`
	Elapsed   time.Duration `json:"elapsed"`
	Outcomes  []Outcome     `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	switch o.Status {
	case StatusSuccess:
		r.Succeeded++
	case StatusFailed:
		r.Failed++
	case StatusSkipped:
		r.Skipped++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Runner fans extraction tasks out over documents. The client's governor
// bounds the call rate; Concurrency only bounds goroutines.
type Runner struct {
	Client      llm.Completer
	Merger      *merge.Merger
	Writer      merge.Writer
	Specs       map[record.Type]Spec
	Budget      int
	Backoff     func(attempt int, err error) time.Duration
	Concurrency int
	Ledger      Ledger
}

// countingCompleter counts calls made on behalf of one run.
type countingCompleter struct {
	llm.Completer
	n *atomic.Int64
}

func (c countingCompleter) Complete(ctx context.Context, in llm.Completion) (string, error) {
	c.n.Add(1)
	return c.Completer.Complete(ctx, in)
}

// Pending returns the documents that have no record of type t yet.
func (r *Runner) Pending(docs []catalog.Document, t record.Type) []catalog.Document {
	var out []catalog.Document
	for _, d := range docs {
		if !r.Writer.Exists(d, merge.ModeLLM, t) {
			out = append(out, d)
		}
	}
	return out
}

// Run extracts records of type t from docs. Failed documents are logged
// and skipped; the run itself only fails on configuration errors or
// cancellation.
func (r *Runner) Run(ctx context.Context, t record.Type, docs []catalog.Document, opts Options) (*Report, error) {
	spec, ok := r.Specs[t]
	if !ok || spec.Prompt == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if opts.References && t == record.TypeAgenda {
		if _, ok := r.Specs[record.TypeReferences]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, record.TypeReferences)
		}
	}

	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Type: t, Outcomes: make([]Outcome, 0, len(docs))}
	var calls atomic.Int64
	client := countingCompleter{Completer: r.Client, n: &calls}

	var mu sync.Mutex
	var done atomic.Int64
	total := len(docs)
	finish := func(o Outcome) {
		r.ledger(ctx, report.RunID, o)
		mu.Lock()
		report.add(o)
		mu.Unlock()
		n := done.Add(1)
		slog.Info("extraction: document done",
			"progress", fmt.Sprintf("%d/%d", n, total),
			"doc_id", o.DocID, "type", t, "status", o.Status, "attempts", o.Attempts)
	}

	slog.Info("extraction: starting run", "run_id", report.RunID, "type", t, "documents", total)

	g, gctx := errgroup.WithContext(ctx)
	limit := r.Concurrency
	if limit <= 0 {
		limit = total
	}
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, doc := range docs {
		if !opts.Overwrite && r.Writer.Exists(doc, merge.ModeLLM, t) {
			finish(Outcome{DocID: doc.ID, Type: t, Status: StatusSkipped,
				Path: r.Writer.Path(doc, merge.ModeLLM, t)})
			continue
		}
		g.Go(func() error {
			o := r.extract(gctx, client, doc, t, spec, opts)
			if o.Status == StatusFailed && gctx.Err() != nil {
				return gctx.Err()
			}
			finish(o)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	report.Calls = calls.Load()
	report.Elapsed = time.Since(start)
	slog.Info("extraction: run complete",
		"run_id", report.RunID, "type", t,
		"succeeded", report.Succeeded, "failed", report.Failed, "skipped", report.Skipped,
		"calls", report.Calls, "elapsed", report.Elapsed.Round(time.Millisecond))
	return report, nil
}

func (r *Runner) extract(ctx context.Context, c llm.Completer, doc catalog.Document, t record.Type, spec Spec, opts Options) Outcome {
	input := doc.InputPath(opts.Format)
	content, err := os.ReadFile(input)
	if err != nil {
		slog.Warn("extraction: reading input", "doc_id", doc.ID, "path", input, "error", err)
		return Outcome{DocID: doc.ID, Type: t, Status: StatusFailed, Err: err}
	}

	task := &Task{Doc: doc, Type: t, Prompt: spec.Prompt, Schema: spec.Schema, Content: string(content), Budget: r.Budget, Backoff: r.Backoff}
	o := task.Run(ctx, c)
	if o.Status != StatusSuccess {
		return o
	}

	var refs []string
	if t == record.TypeAgenda && opts.References && doc.WebHTMLLink != "" {
		rs := r.Specs[record.TypeReferences]
		rt := &Task{Doc: doc, Type: record.TypeReferences, Prompt: rs.Prompt, Schema: rs.Schema, Content: string(content), Budget: r.Budget, Backoff: r.Backoff}
		ro := rt.Run(ctx, c)
		if ro.Status == StatusSuccess {
			refs = ro.Payload.References.References
		} else {
			slog.Warn("extraction: references failed, keeping agenda", "doc_id", doc.ID, "error", ro.Err)
		}
	}

	path, err := r.Finalize(doc, o.Payload, refs, opts)
	if err != nil {
		o.Status = StatusFailed
		o.Payload = nil
		o.Err = err
		return o
	}
	o.Path = path
	return o
}

// Finalize post-processes a decoded payload and persists it: element ids
// are replaced (agenda), references attached (agenda), provenance merged.
func (r *Runner) Finalize(doc catalog.Document, p *record.Payload, refs []string, opts Options) (string, error) {
	if p.Type == record.TypeAgenda {
		if opts.ReplaceIDs {
			if err := replaceIDs(doc, p); err != nil {
				slog.Warn("extraction: id replacement skipped", "doc_id", doc.ID, "error", err)
			}
		}
		if refs != nil {
			p.Agenda.References = refs
		}
	}
	if _, err := r.Merger.Merge(p, doc); err != nil {
		return "", err
	}
	path, err := r.Writer.Write(doc, merge.ModeLLM, p, opts.Overwrite)
	if errors.Is(err, merge.ErrExists) {
		slog.Info("extraction: record appeared meanwhile, keeping it", "doc_id", doc.ID, "path", path)
		return path, nil
	}
	return path, err
}

func replaceIDs(doc catalog.Document, p *record.Payload) error {
	path := doc.WebHTML()
	if path == "" {
		path = doc.ConvertedHTML()
	}
	html, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	idx, err := merge.IndexHTML(bytes.NewReader(html))
	if err != nil {
		return err
	}
	return merge.ReplaceIDs(p, idx)
}

func (r *Runner) ledger(ctx context.Context, runID string, o Outcome) {
	if r.Ledger == nil {
		return
	}
	err := r.Ledger.RecordOutcome(ctx, store.Outcome{
		RunID:    runID,
		DocID:    o.DocID,
		Type:     string(o.Type),
		Status:   string(o.Status),
		Attempts: o.Attempts,
		Path:     o.Path,
		Error:    o.ErrorText(),
	})
	if err != nil {
		slog.Warn("extraction: recording outcome", "doc_id", o.DocID, "error", err)
	}
}
