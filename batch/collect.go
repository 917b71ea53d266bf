package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/extraction"
	"github.com/brunobiangulo/minutegraph/record"
)

// Sink finalises and persists one decoded payload.
type Sink func(doc catalog.Document, p *record.Payload, refs []string) (string, error)

// Collection describes how to turn a job's output into records.
type Collection struct {
	JobID  string
	Type   record.Type
	Schema *record.Schema
	IDs    *IDMap
	Sink   Sink
	// References holds references extracted by a companion job, keyed by
	// custom id. Only agenda collections use it.
	References map[string][]string
	// RawPath, when set, receives the raw output file.
	RawPath string
}

// Collect retrieves a completed job and hands every decodable line to the
// sink. Line errors, unknown ids and invalid payloads are logged and
// skipped; only job-level failures are returned.
func (m *Manager) Collect(ctx context.Context, c Collection) (*extraction.Report, error) {
	start := time.Now()
	out, err := m.Retrieve(ctx, c.JobID)
	if err != nil {
		return nil, err
	}
	if c.RawPath != "" {
		if err := os.WriteFile(c.RawPath, out.Raw, 0o644); err != nil {
			slog.Warn("batch: saving raw output", "path", c.RawPath, "error", err)
		}
	}

	report := &extraction.Report{RunID: uuid.NewString(), Type: c.Type}
	for i, line := range out.Lines {
		o := m.collectLine(line, c)
		report.Outcomes = append(report.Outcomes, o)
		switch o.Status {
		case extraction.StatusSuccess:
			report.Succeeded++
		case extraction.StatusFailed:
			report.Failed++
		case extraction.StatusSkipped:
			report.Skipped++
		}
		slog.Debug("batch: line collected", "progress", fmt.Sprintf("%d/%d", i+1, len(out.Lines)),
			"custom_id", line.CustomID, "status", o.Status)
	}
	report.Elapsed = time.Since(start)
	slog.Info("batch: collected", "job_id", c.JobID, "type", c.Type,
		"succeeded", report.Succeeded, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

func (m *Manager) collectLine(line OutputLine, c Collection) extraction.Outcome {
	o := extraction.Outcome{DocID: line.CustomID, Type: c.Type, Attempts: 1}
	if line.Failed() {
		slog.Warn("batch: line error", "custom_id", line.CustomID, "error", string(line.Error))
		o.Status = extraction.StatusFailed
		o.Err = fmt.Errorf("batch: %s", strings.TrimSpace(string(line.Error)))
		return o
	}
	doc, ok := c.IDs.Resolve(line.CustomID)
	if !ok {
		slog.Warn("batch: unknown custom id", "custom_id", line.CustomID)
		o.Status = extraction.StatusSkipped
		o.Err = fmt.Errorf("%w: %s", catalog.ErrNotFound, line.CustomID)
		return o
	}
	o.DocID = doc.ID

	text, err := line.Content()
	if err != nil {
		slog.Warn("batch: line without content", "custom_id", line.CustomID, "error", err)
		o.Status = extraction.StatusFailed
		o.Err = err
		return o
	}
	p, err := record.Decode(c.Type, text, c.Schema)
	if err != nil {
		slog.Warn("batch: invalid payload", "custom_id", line.CustomID, "error", err)
		o.Status = extraction.StatusFailed
		o.Err = err
		return o
	}

	var refs []string
	if c.Type == record.TypeAgenda {
		refs = c.References[line.CustomID]
	}
	path, err := c.Sink(doc, p, refs)
	if err != nil {
		slog.Warn("batch: persisting record", "doc_id", doc.ID, "error", err)
		o.Status = extraction.StatusFailed
		o.Err = err
		return o
	}
	o.Status = extraction.StatusSuccess
	o.Payload = p
	o.Path = path
	return o
}

// CollectReferences decodes a completed references job into references
// keyed by custom id.
func (m *Manager) CollectReferences(ctx context.Context, jobID string, schema *record.Schema) (map[string][]string, error) {
	out, err := m.Retrieve(ctx, jobID)
	if err != nil {
		return nil, err
	}
	refs := make(map[string][]string, len(out.Lines))
	for _, line := range out.Lines {
		text, err := line.Content()
		if err != nil {
			slog.Warn("batch: references line skipped", "custom_id", line.CustomID, "error", err)
			continue
		}
		p, err := record.Decode(record.TypeReferences, text, schema)
		if err != nil {
			slog.Warn("batch: invalid references", "custom_id", line.CustomID, "error", err)
			continue
		}
		refs[line.CustomID] = p.References.References
	}
	return refs, nil
}
