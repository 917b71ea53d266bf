// Package retrieval answers the data half of a question: it synthesizes a
// query, runs it and degrades to a fixed sentinel when no usable query
// could be produced.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/minutegraph/cypher"
	"github.com/brunobiangulo/minutegraph/graph"
	"github.com/brunobiangulo/minutegraph/retry"
	"github.com/brunobiangulo/minutegraph/store"
)

const (
	// DefaultAttempts bounds full regenerations of a query.
	DefaultAttempts = 5
	// NoData replaces the context when every attempt failed.
	NoData = "!!Cannot fetch data from database!!"
	// InvalidQuery replaces the query text when every attempt failed.
	InvalidQuery = "Invalid Cypher Query"
	// ManipulationWarning is shown when a query was rejected as unsafe.
	ManipulationWarning = "Let users know manipulation of the database is not permitted"
)

// Status of a retrieval.
const (
	StatusOK        = "ok"
	StatusRejected  = "rejected"
	StatusExhausted = "exhausted"
)

// SchemaSource provides the live graph schema.
type SchemaSource interface {
	Schema(ctx context.Context) (*graph.Schema, error)
}

// QueryLog records retrievals. *store.Store implements it.
type QueryLog interface {
	LogQuery(ctx context.Context, q store.QueryRecord) error
}

// Result is the outcome of one retrieval.
type Result struct {
	ID          string           `json:"id"`
	Question    string           `json:"question"`
	Status      string           `json:"status"`
	Query       *cypher.Query    `json:"-"`
	QueryText   string           `json:"query"`
	Description string           `json:"description"`
	Rows        []map[string]any `json:"rows"`
	Warning     string           `json:"warning,omitempty"`
	Attempts    int              `json:"attempts"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// Rejected reports whether the query was refused by the safety check.
func (r *Result) Rejected() bool { return r.Status == StatusRejected }

// Exhausted reports whether no attempt produced rows.
func (r *Result) Exhausted() bool { return r.Status == StatusExhausted }

// SemanticSearch reports whether the executed query used a vector index.
func (r *Result) SemanticSearch() bool {
	return r.Query != nil && r.Query.SemanticSearch
}

// Context renders the rows for answer generation, or the sentinel.
func (r *Result) Context() string {
	if r.Exhausted() {
		return NoData
	}
	data, err := json.MarshalIndent(r.Rows, "", "    ")
	if err != nil {
		return NoData
	}
	return string(data)
}

// Retriever wraps synthesis and execution in a bounded retry so a bad
// draft is regenerated from scratch.
type Retriever struct {
	Synthesizer *cypher.Synthesizer
	Executor    *Executor
	Schema      SchemaSource
	Attempts    int
	// Backoff spaces regenerations; nil waits only after transient
	// failures such as rate limits.
	Backoff func(attempt int, err error) time.Duration
	Log     QueryLog

	mu     sync.Mutex
	schema *graph.Schema
}

func (r *Retriever) backoff() func(int, error) time.Duration {
	if r.Backoff != nil {
		return r.Backoff
	}
	return retry.WhenTransient(retry.Exponential(time.Second, 20*time.Second))
}

func (r *Retriever) liveSchema(ctx context.Context) (*graph.Schema, error) {
	if r.Schema == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schema != nil {
		return r.schema, nil
	}
	s, err := r.Schema.Schema(ctx)
	if err != nil {
		return nil, err
	}
	r.schema = s
	return s, nil
}

// RefreshSchema drops the cached schema, for example after a graph build.
func (r *Retriever) RefreshSchema() {
	r.mu.Lock()
	r.schema = nil
	r.mu.Unlock()
}

type attempt struct {
	query *cypher.Query
	rows  []map[string]any
}

// Retrieve answers question with rows from the graph. Failures degrade to
// an exhausted result; the only error returned is the context ending.
func (r *Retriever) Retrieve(ctx context.Context, question string) (*Result, error) {
	start := time.Now()
	res := &Result{ID: uuid.NewString(), Question: question}

	maxAttempts := r.Attempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultAttempts
	}
	var last *cypher.Query
	out, n, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: maxAttempts,
		Name:        "retrieval",
		Backoff:     r.backoff(),
		Classify: func(err error) retry.Class {
			if errors.Is(err, cypher.ErrUnsafeQuery) {
				return retry.Permanent
			}
			return retry.Retryable
		},
	}, func(ctx context.Context, _ int) (attempt, error) {
		schema, err := r.liveSchema(ctx)
		if err != nil {
			return attempt{}, err
		}
		q, err := r.Synthesizer.Synthesize(ctx, question, schema)
		if q != nil {
			last = q
		}
		if err != nil {
			return attempt{}, err
		}
		rows, err := r.Executor.Execute(ctx, q.Executable())
		if err != nil {
			if errors.Is(err, graph.ErrSessionExpired) {
				r.RefreshSchema()
			}
			return attempt{}, err
		}
		return attempt{query: q, rows: rows}, nil
	})
	res.Attempts = n

	switch {
	case err == nil:
		res.Status = StatusOK
		res.Query = out.query
		res.QueryText = out.query.Cleaned
		res.Description = out.query.Description
		res.Rows = out.rows
		StripKeys(res.Rows)
	case errors.Is(err, cypher.ErrUnsafeQuery):
		res.Status = StatusRejected
		res.Query = last
		if last != nil {
			res.QueryText = last.Cleaned
		}
		res.Warning = ManipulationWarning
		res.Rows = []map[string]any{}
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		slog.Warn("retrieval: no usable query", "question", question, "attempts", n, "error", err)
		res.Status = StatusExhausted
		res.Query = last
		res.QueryText = InvalidQuery
	}
	res.Elapsed = time.Since(start)
	r.log(ctx, res, err)
	return res, nil
}

func (r *Retriever) log(ctx context.Context, res *Result, err error) {
	slog.Info("retrieval: done", "id", res.ID, "status", res.Status, "rows", len(res.Rows),
		"attempts", res.Attempts, "elapsed", res.Elapsed.Round(time.Millisecond))
	if r.Log == nil {
		return
	}
	rec := store.QueryRecord{
		ID:          res.ID,
		Question:    res.Question,
		Query:       res.QueryText,
		Description: res.Description,
		Status:      res.Status,
		Rows:        len(res.Rows),
		Attempts:    res.Attempts,
		ElapsedMS:   res.Elapsed.Milliseconds(),
	}
	if res.Query != nil && res.Status != StatusExhausted {
		rec.Verdict = res.Query.Verdict.String()
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if lerr := r.Log.LogQuery(ctx, rec); lerr != nil {
		slog.Warn("retrieval: logging query", "id", res.ID, "error", lerr)
	}
}
