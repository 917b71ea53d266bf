package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/prompts"
	"github.com/brunobiangulo/minutegraph/record"
	"github.com/brunobiangulo/minutegraph/retry"
)

// VisualAttempts bounds the calls made for one chart or timeline.
const VisualAttempts = 3

// ErrInvalidVisual is returned when the model's specification does not fit
// the data.
var ErrInvalidVisual = errors.New("reasoning: invalid visual specification")

// Chart kinds.
const (
	ChartBar     = "bar"
	ChartLine    = "line"
	ChartPie     = "pie"
	ChartScatter = "scatter"
)

// ChartSpec is a chart the client renders. The model only chooses the kind
// and which row keys to bind; the data comes from the rows.
type ChartSpec struct {
	Kind   string           `json:"kind"`
	Title  string           `json:"title"`
	X      string           `json:"x"`
	Y      string           `json:"y"`
	Series string           `json:"series,omitempty"`
	Data   []map[string]any `json:"data"`
}

// Timeline is a TimelineJS document.
type Timeline struct {
	Title  *Slide  `json:"title,omitempty"`
	Events []Event `json:"events"`
}

// Slide is the text of a timeline slide.
type Slide struct {
	Text Text `json:"text"`
}

// Event is one dated timeline entry.
type Event struct {
	StartDate Date `json:"start_date"`
	Text      Text `json:"text"`
}

type Text struct {
	Headline string `json:"headline"`
	Text     string `json:"text"`
}

// Date parts are strings in TimelineJS; numbers are accepted too.
type Date struct {
	Year  Part `json:"year"`
	Month Part `json:"month,omitempty"`
	Day   Part `json:"day,omitempty"`
}

// Part is a date part.
type Part string

func (p *Part) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = Part(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("date part %s: %w", data, err)
	}
	*p = Part(n.String())
	return nil
}

// Visualizer asks the model for chart and timeline specifications.
type Visualizer struct {
	Client            llm.Completer
	ChartTemplate     string
	TimelineTemplate  string
	FieldDescriptions string
}

// Chart returns a chart for rows, or nil when the model finds none fits.
func (v *Visualizer) Chart(ctx context.Context, question string, rows []map[string]any) (*ChartSpec, error) {
	return visual(ctx, v, v.ChartTemplate, "chart", question, rows, func(raw string) (*ChartSpec, error) {
		var spec ChartSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidVisual, err)
		}
		if err := spec.validate(rows); err != nil {
			return nil, err
		}
		spec.Data = project(rows, spec.X, spec.Y, spec.Series)
		return &spec, nil
	})
}

// Timeline returns a timeline for rows, or nil when the model finds no
// dated data.
func (v *Visualizer) Timeline(ctx context.Context, question string, rows []map[string]any) (*Timeline, error) {
	return visual(ctx, v, v.TimelineTemplate, "timeline", question, rows, func(raw string) (*Timeline, error) {
		var tl Timeline
		if err := json.Unmarshal([]byte(raw), &tl); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidVisual, err)
		}
		if err := tl.validate(); err != nil {
			return nil, err
		}
		return &tl, nil
	})
}

func visual[T any](ctx context.Context, v *Visualizer, tmpl, name, question string, rows []map[string]any, parse func(string) (*T, error)) (*T, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	prompt := prompts.Render(tmpl, map[string]string{
		"question":           question,
		"field_descriptions": v.FieldDescriptions,
		"data":               string(data),
	})

	out, n, err := retry.Do(ctx, retry.Policy{MaxAttempts: VisualAttempts, Name: "reasoning: " + name},
		func(ctx context.Context, _ int) (*T, error) {
			reply, err := v.Client.Complete(ctx, llm.Completion{System: prompt, User: question})
			if err != nil {
				return nil, err
			}
			reply = strings.TrimSpace(reply)
			if reply == "None" || strings.Trim(reply, "`") == "None" {
				return nil, nil
			}
			raw, err := record.ExtractJSON(reply)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidVisual, err)
			}
			return parse(raw)
		})
	if err != nil {
		slog.Warn("reasoning: no "+name, "attempts", n, "error", err)
		return nil, err
	}
	return out, nil
}

func (c *ChartSpec) validate(rows []map[string]any) error {
	switch c.Kind {
	case ChartBar, ChartLine, ChartPie, ChartScatter:
	default:
		return fmt.Errorf("%w: unknown chart kind %q", ErrInvalidVisual, c.Kind)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: no data", ErrInvalidVisual)
	}
	keys := rows[0]
	for _, k := range []string{c.X, c.Y} {
		if _, ok := keys[k]; !ok {
			return fmt.Errorf("%w: %q is not a column", ErrInvalidVisual, k)
		}
	}
	if c.Series != "" {
		if _, ok := keys[c.Series]; !ok {
			return fmt.Errorf("%w: %q is not a column", ErrInvalidVisual, c.Series)
		}
	}
	for _, r := range rows {
		if _, ok := number(r[c.Y]); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: column %q holds no numbers", ErrInvalidVisual, c.Y)
}

func (t *Timeline) validate() error {
	if len(t.Events) == 0 {
		return fmt.Errorf("%w: timeline has no events", ErrInvalidVisual)
	}
	for i, e := range t.Events {
		if _, err := strconv.Atoi(string(e.StartDate.Year)); err != nil {
			return fmt.Errorf("%w: event %d has year %q", ErrInvalidVisual, i, e.StartDate.Year)
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func project(rows []map[string]any, keys ...string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		p := make(map[string]any, len(keys))
		for _, k := range keys {
			if k != "" {
				p[k] = r[k]
			}
		}
		out = append(out, p)
	}
	return out
}
