// Package eval scores machine-extracted records against human-curated ones
// field by field and keeps a history of experiment reports.
package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/merge"
	"github.com/brunobiangulo/minutegraph/record"
)

// ErrNoPairs is returned when no document has both a manual and a machine record.
var ErrNoPairs = errors.New("eval: no manual/llm record pairs")

// Pair is one document's manual and machine record.
type Pair struct {
	DocID  string         `json:"doc_id"`
	Manual map[string]any `json:"manual"`
	LLM    map[string]any `json:"llm"`
}

// Report is one evaluated experiment.
type Report struct {
	Title   string             `json:"title"`
	Type    record.Type        `json:"type"`
	Prompt  string             `json:"prompt"`
	Schema  json.RawMessage    `json:"schema,omitempty"`
	Fields  map[string]float64 `json:"fields"`
	Average float64            `json:"average"`
	Pairs   []Pair             `json:"pairs"`
}

// Evaluator pairs records on disk.
type Evaluator struct {
	Writer merge.Writer
	// Prompt and Schema are stored with each report so experiments can be
	// told apart.
	Prompt string
	Schema json.RawMessage
}

// Run evaluates every document in docs that has both a manual_ and an llm_
// record of type t.
func (e *Evaluator) Run(docs []catalog.Document, t record.Type, title string) (*Report, error) {
	start := time.Now()
	var pairs []Pair
	for _, doc := range docs {
		manual, err := readObject(e.Writer.Path(doc, merge.ModeManual, t))
		if err != nil {
			continue
		}
		llm, err := readObject(e.Writer.Path(doc, merge.ModeLLM, t))
		if err != nil {
			continue
		}
		pairs = append(pairs, Pair{DocID: doc.ID, Manual: manual, LLM: llm})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: %s over %d documents", ErrNoPairs, t, len(docs))
	}

	fields := Aggregate(pairs)
	r := &Report{
		Title:   title,
		Type:    t,
		Prompt:  e.Prompt,
		Schema:  e.Schema,
		Fields:  fields,
		Average: Average(fields),
		Pairs:   pairs,
	}
	slog.Info("eval: run complete", "title", title, "type", t,
		"pairs", fmt.Sprintf("%d/%d", len(pairs), len(docs)), "average", r.Average,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return r, nil
}

func readObject(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		slog.Warn("eval: unreadable record", "path", path, "error", err)
		return nil, err
	}
	return obj, nil
}
