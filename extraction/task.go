// Package extraction runs per-document structured extraction: one model
// call per attempt, validation of the answer, and bounded retries.
package extraction

import (
	"context"
	"log/slog"
	"time"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/record"
	"github.com/brunobiangulo/minutegraph/retry"
)

// DefaultBudget is the number of calls a task may make.
const DefaultBudget = 3

// SchemaName labels the structured-output schema sent with every call.
const SchemaName = "meeting_data_extraction"

// Status is the terminal state of a task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// State is a step of a running task. States are logged at debug level.
type State string

const (
	StatePending    State = "pending"
	StateCalling    State = "calling"
	StateValidating State = "validating"
	StateRetry      State = "retry"
	StateSuccess    State = "success"
	StateExhausted  State = "exhausted"
)

// Outcome is what a task produced. A failed outcome has a nil Payload and
// the last error in Err.
type Outcome struct {
	DocID    string          `json:"doc_id"`
	Type     record.Type     `json:"type"`
	Status   Status          `json:"status"`
	Payload  *record.Payload `json:"-"`
	Attempts int             `json:"attempts"`
	Path     string          `json:"path,omitempty"`
	Err      error           `json:"-"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// ErrorText returns Err as a string, empty when nil.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Task extracts one record type from one document.
type Task struct {
	Doc     catalog.Document
	Type    record.Type
	Prompt  string
	Schema  *record.Schema
	Content string
	Budget  int
	// Backoff spaces attempts; nil uses DefaultBackoff.
	Backoff func(attempt int, err error) time.Duration
}

// DefaultBackoff waits out rate limits and outages, honouring Retry-After.
// Invalid answers are asked again at once.
var DefaultBackoff = retry.WhenTransient(retry.Exponential(2*time.Second, time.Minute))

// Run calls the model until the answer validates or the budget is spent.
// Call failures and invalid answers are both retried, except provider
// statuses no retry can fix.
func (t *Task) Run(ctx context.Context, c llm.Completer) Outcome {
	start := time.Now()
	budget := t.Budget
	if budget < 1 {
		budget = DefaultBudget
	}
	t.state(StatePending, 0)

	req := llm.Completion{
		System:     t.Prompt,
		User:       t.Content,
		JSON:       true,
		SchemaName: SchemaName,
	}
	if t.Schema != nil {
		req.Schema = t.Schema.Raw
	}

	backoff := t.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	policy := retry.Policy{
		MaxAttempts: budget,
		Classify:    retry.ClassifyVerdict,
		Backoff:     backoff,
		Name:        "extraction " + t.Doc.ID,
	}
	p, attempts, err := retry.Do(ctx, policy,
		func(ctx context.Context, attempt int) (*record.Payload, error) {
			t.state(StateCalling, attempt)
			text, err := c.Complete(ctx, req)
			if err != nil {
				t.state(StateRetry, attempt)
				return nil, err
			}
			t.state(StateValidating, attempt)
			p, err := record.Decode(t.Type, text, t.Schema)
			if err != nil {
				t.state(StateRetry, attempt)
				return nil, err
			}
			return p, nil
		})

	out := Outcome{DocID: t.Doc.ID, Type: t.Type, Attempts: attempts, Elapsed: time.Since(start)}
	if err != nil {
		t.state(StateExhausted, attempts)
		slog.Warn("extraction: task exhausted",
			"doc_id", t.Doc.ID, "type", t.Type, "attempts", attempts, "error", err)
		out.Status = StatusFailed
		out.Err = err
		return out
	}
	t.state(StateSuccess, attempts)
	out.Status = StatusSuccess
	out.Payload = p
	return out
}

func (t *Task) state(s State, attempt int) {
	slog.Debug("extraction: state", "doc_id", t.Doc.ID, "type", t.Type, "state", s, "attempt", attempt)
}
