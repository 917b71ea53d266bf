package cypher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brunobiangulo/minutegraph/graph"
	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/prompts"
)

// ErrEmptyDraft is returned when the model answered without a query.
var ErrEmptyDraft = errors.New("cypher: draft contains no query")

// Query is one synthesis. It is not modified after it has been executed;
// regenerating produces a new Query.
type Query struct {
	Question    string `json:"question"`
	Raw         string `json:"raw"`
	Description string `json:"description"`
	// Cleaned is the query text without fences and commentary.
	Cleaned        string `json:"cleaned"`
	SemanticSearch bool   `json:"semantic_search"`
	Literal        string `json:"literal,omitempty"`
	// Substituted carries the embedding in place of the literal. It is
	// not included in JSON because of its size.
	Substituted string `json:"-"`
	// Corrected is what gets executed. Empty means the corrector found
	// the query unusable.
	Corrected string  `json:"-"`
	Verdict   Verdict `json:"verdict"`
}

// Executable returns the text to run.
func (q *Query) Executable() string { return q.Corrected }

// Synthesizer drafts a query with the model and prepares it for execution.
type Synthesizer struct {
	Client   llm.Completer
	Embedder llm.Embedder
	// Template is the generation prompt. It may reference {schema},
	// {field_descriptions}, {question} and {index_info}.
	Template          string
	FieldDescriptions string
	IndexInfo         string
}

// Synthesize runs drafting, extraction, substitution, correction and the
// safety check. A rejected query is returned together with an
// *UnsafeError so callers can surface the verdict.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, schema *graph.Schema) (*Query, error) {
	prompt := prompts.Render(s.Template, map[string]string{
		"schema":             schema.String(),
		"field_descriptions": s.FieldDescriptions,
		"question":           question,
		"index_info":         s.IndexInfo,
	})
	raw, err := s.Client.Complete(ctx, llm.Completion{System: prompt, User: question})
	if err != nil {
		return nil, err
	}

	q := &Query{Question: question, Raw: raw}
	q.Description, q.Cleaned = Extract(raw)
	if q.Cleaned == "" {
		return q, ErrEmptyDraft
	}

	// Safety is checked on the model's text before anything else runs
	// with it, and again on the final text.
	if v := CheckSafety(q.Cleaned); !v.Safe {
		q.Verdict = v
		slog.Warn("cypher: query rejected", "keyword", v.Keyword, "query", q.Cleaned)
		return q, v.Err()
	}

	q.Literal, q.SemanticSearch = FindSemanticSearch(q.Cleaned)
	q.Substituted = q.Cleaned
	if q.SemanticSearch {
		if s.Embedder == nil {
			return q, fmt.Errorf("cypher: semantic search needs an embedder")
		}
		sub, _, err := Substitute(ctx, q.Cleaned, s.Embedder)
		if err != nil {
			return q, err
		}
		q.Substituted = sub
	}

	q.Corrected = (&Corrector{Schema: schema}).Correct(q.Substituted)
	if strings.TrimSpace(q.Corrected) == "" {
		slog.Debug("cypher: corrector rejected query", "query", q.Cleaned)
	}

	q.Verdict = CheckSafety(q.Corrected)
	if !q.Verdict.Safe {
		slog.Warn("cypher: query rejected", "keyword", q.Verdict.Keyword, "query", q.Cleaned)
		return q, q.Verdict.Err()
	}
	slog.Debug("cypher: query synthesized", "semantic_search", q.SemanticSearch, "query", q.Cleaned)
	return q, nil
}
