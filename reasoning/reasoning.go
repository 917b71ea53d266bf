// Package reasoning phrases answers from retrieved graph rows and turns
// rows into declarative chart and timeline specifications.
package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/prompts"
	"github.com/brunobiangulo/minutegraph/retrieval"
)

// Answer is the final output for a question.
type Answer struct {
	Text        string `json:"text"`
	Question    string `json:"question"`
	Status      string `json:"status"`
	Query       string `json:"query"`
	Description string `json:"description"`
	Warning     string `json:"warning,omitempty"`
	// Context is what the answering model was given.
	Context string `json:"context"`
	Rows    int    `json:"rows"`
	Steps   []Step `json:"steps"`
}

// Step records one model call.
type Step struct {
	Action    string `json:"action"`
	Prompt    string `json:"prompt,omitempty"`
	Response  string `json:"response,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Answerer runs the optional filter pass and the answer pass.
type Answerer struct {
	Client llm.Completer
	// QATemplate may reference {question}, {result_description},
	// {field_descriptions} and {context}.
	QATemplate string
	// FilterTemplate may reference {context} and {question}.
	FilterTemplate    string
	FieldDescriptions string
}

// Answer phrases an answer for res. A rejected query is answered with the
// warning and no model call. An exhausted retrieval is answered from the
// sentinel context, so the model says that nothing was found.
func (a *Answerer) Answer(ctx context.Context, res *retrieval.Result) (*Answer, error) {
	ans := &Answer{
		Question:    res.Question,
		Status:      res.Status,
		Query:       res.QueryText,
		Description: res.Description,
		Warning:     res.Warning,
		Rows:        len(res.Rows),
	}
	if res.Rejected() {
		ans.Text = "Warning: " + res.Warning
		return ans, nil
	}

	facts := res.Context()
	if strings.Contains(res.QueryText, "db.index.vector") && a.FilterTemplate != "" {
		prompt := prompts.Render(a.FilterTemplate, map[string]string{
			"context":  facts,
			"question": res.Question,
		})
		out, err := a.call(ctx, ans, "filter", prompt, res.Question)
		if err != nil {
			return nil, fmt.Errorf("reasoning: filter pass: %w", err)
		}
		facts = out
	}
	ans.Context = facts

	prompt := prompts.Render(a.QATemplate, map[string]string{
		"question":           res.Question,
		"result_description": res.Description,
		"field_descriptions": a.FieldDescriptions,
		"context":            facts,
	})
	out, err := a.call(ctx, ans, "answer", prompt, res.Question)
	if err != nil {
		return nil, fmt.Errorf("reasoning: answer pass: %w", err)
	}
	ans.Text = strings.TrimSpace(out)
	slog.Info("reasoning: answered", "status", ans.Status, "rows", ans.Rows, "steps", len(ans.Steps))
	return ans, nil
}

func (a *Answerer) call(ctx context.Context, ans *Answer, action, system, user string) (string, error) {
	start := time.Now()
	out, err := a.Client.Complete(ctx, llm.Completion{System: system, User: user})
	if err != nil {
		return "", err
	}
	ans.Steps = append(ans.Steps, Step{
		Action:    action,
		Prompt:    system,
		Response:  out,
		ElapsedMs: time.Since(start).Milliseconds(),
	})
	return out, nil
}
