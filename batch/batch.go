// Package batch runs extraction as provider batch jobs: one JSONL request
// file per cohort, submitted once, polled on an external cadence and
// decoded back into per-document records.
package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/ratelimit"
	"github.com/brunobiangulo/minutegraph/record"
	"github.com/brunobiangulo/minutegraph/store"
)

var (
	ErrArtifactExists = errors.New("batch: request file already exists")
	ErrJobFailed      = errors.New("batch: job failed")
	ErrNotCompleted   = errors.New("batch: job not completed")
)

const (
	// Endpoint is the request URL of every batch line.
	Endpoint = "/v1/chat/completions"
	// CompletionWindow is the provider turnaround requested.
	CompletionWindow = "24h"
	// DefaultPricePerMillion is the input price used for cost estimates.
	DefaultPricePerMillion = 1.25
	// tokensPerWord approximates tokenizer output for Nordic prose.
	tokensPerWord = 1.3
)

// Status is a job status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelling Status = "cancelling"
)

// MapStatus folds provider statuses onto Status.
func MapStatus(provider string) Status {
	switch provider {
	case llm.BatchValidating:
		return StatusQueued
	case llm.BatchInProgress, llm.BatchFinalizing:
		return StatusRunning
	case llm.BatchCompleted:
		return StatusCompleted
	case llm.BatchCancelling, llm.BatchCancelled:
		return StatusCancelling
	default:
		return StatusFailed
	}
}

// Request is one line of the request file.
type Request struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     llm.ChatRequest `json:"body"`

	tokens int
}

// Estimate is the size and price of a request file. Tokens are
// approximated from word counts, not counted by a tokenizer.
type Estimate struct {
	Path     string  `json:"path"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Ledger stores job state. *store.Store implements it.
type Ledger interface {
	SaveBatchJob(ctx context.Context, j store.BatchJob) error
	UpdateBatchJob(ctx context.Context, id, status, outputFileID string) error
}

// Manager builds, submits and collects batch jobs.
type Manager struct {
	API             llm.BatchAPI
	Model           string
	Pause           *ratelimit.Pause
	Ledger          Ledger
	PricePerMillion float64
	// Format is the converted input used for documents without a web
	// page: "html" (default) or "txt".
	Format string
}

func estimateTokens(parts ...string) int {
	words := 0
	for _, p := range parts {
		words += len(strings.Fields(p))
	}
	return int(float64(words)*tokensPerWord + 0.5)
}

// BuildRequests reads every document's input and builds its request line.
func (m *Manager) BuildRequests(ids *IDMap, docs []catalog.Document, prompt string, schema *record.Schema) ([]Request, error) {
	if schema == nil {
		return nil, fmt.Errorf("batch: a schema is required")
	}
	reqs := make([]Request, 0, len(docs))
	for _, d := range docs {
		id, ok := ids.CustomID(d)
		if !ok {
			return nil, fmt.Errorf("batch: document %s is not in the id map", d.Path)
		}
		input := d.InputPath(m.Format)
		text, err := os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("batch: reading %s: %w", input, err)
		}
		reqs = append(reqs, Request{
			CustomID: id,
			Method:   "POST",
			URL:      Endpoint,
			Body: llm.ChatRequest{
				Model: m.Model,
				Messages: []llm.Message{
					{Role: "system", Content: prompt},
					{Role: "user", Content: string(text)},
				},
				ResponseFormat: &llm.ResponseFormat{
					Type: llm.FormatJSONSchema,
					JSONSchema: &llm.JSONSchemaFormat{
						Name:   "meeting_data_extraction",
						Schema: schema.Raw,
						Strict: true,
					},
				},
			},
			tokens: estimateTokens(prompt, string(text), string(schema.Raw)),
		})
	}
	return reqs, nil
}

// CreateBatchFile writes reqs as JSONL. An existing file is kept unless
// overwrite is set, so an interrupted run can resume from it.
func (m *Manager) CreateBatchFile(path string, reqs []Request, overwrite bool) (*Estimate, error) {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return nil, fmt.Errorf("%w: %s", ErrArtifactExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	est := &Estimate{Path: path, Requests: len(reqs)}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range reqs {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("batch: encoding %s: %w", r.CustomID, err)
		}
		est.Tokens += r.tokens
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("batch: writing %s: %w", path, err)
	}

	price := m.PricePerMillion
	if price <= 0 {
		price = DefaultPricePerMillion
	}
	est.Cost = float64(est.Tokens) * price / 1_000_000
	slog.Info("batch: request file created",
		"path", path, "requests", est.Requests,
		"tokens_approx", est.Tokens, "token_estimate", "words*1.3",
		"cost_approx", fmt.Sprintf("$%.2f", est.Cost))
	return est, nil
}

// Submission describes a request file to submit.
type Submission struct {
	Type        record.Type
	Artifact    string
	IDFile      string
	Description string
}

// Submit uploads the request file and starts a job. Submissions are spaced
// by the manager's pause. The job id is written to IDFile so polling can
// resume after a crash.
func (m *Manager) Submit(ctx context.Context, s Submission) (string, error) {
	f, err := os.Open(s.Artifact)
	if err != nil {
		return "", fmt.Errorf("batch: request file: %w", err)
	}
	defer f.Close()

	if m.Pause != nil {
		if err := m.Pause.Wait(ctx); err != nil {
			return "", err
		}
	}

	file, err := m.API.UploadFile(ctx, s.Artifact, f)
	if err != nil {
		return "", err
	}
	desc := s.Description
	if desc == "" {
		desc = "Extract Structured Outputs from Meeting Documents"
	}
	job, err := m.API.CreateBatch(ctx, file.ID, Endpoint, CompletionWindow, map[string]string{"description": desc})
	if m.Pause != nil {
		m.Pause.Mark()
	}
	if err != nil {
		return "", err
	}

	if s.IDFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.IDFile), 0o755); err != nil {
			return job.ID, err
		}
		if err := os.WriteFile(s.IDFile, []byte(job.ID), 0o644); err != nil {
			return job.ID, fmt.Errorf("batch: saving job id: %w", err)
		}
	}
	if m.Ledger != nil {
		err := m.Ledger.SaveBatchJob(ctx, store.BatchJob{
			ID:          job.ID,
			Type:        string(s.Type),
			Artifact:    s.Artifact,
			InputFileID: file.ID,
			Status:      string(MapStatus(job.Status)),
			Description: desc,
		})
		if err != nil {
			slog.Warn("batch: recording job", "job_id", job.ID, "error", err)
		}
	}
	slog.Info("batch: job submitted", "job_id", job.ID, "type", s.Type, "id_file", s.IDFile)
	return job.ID, nil
}

// ResumeJobID reads a job id saved by Submit.
func ResumeJobID(idFile string) (string, error) {
	data, err := os.ReadFile(idFile)
	if err != nil {
		return "", fmt.Errorf("batch: reading job id: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("batch: empty job id file %s", idFile)
	}
	return id, nil
}

// Poll checks a job once. Failed and cancelled jobs return ErrJobFailed.
func (m *Manager) Poll(ctx context.Context, jobID string) (Status, error) {
	job, err := m.API.GetBatch(ctx, jobID)
	if err != nil {
		return "", err
	}
	st := MapStatus(job.Status)
	if m.Ledger != nil {
		if err := m.Ledger.UpdateBatchJob(ctx, jobID, string(st), job.OutputFileID); err != nil {
			slog.Warn("batch: updating job", "job_id", jobID, "error", err)
		}
	}
	slog.Debug("batch: polled", "job_id", jobID, "status", job.Status,
		"completed", job.RequestCounts.Completed, "total", job.RequestCounts.Total)
	switch st {
	case StatusFailed, StatusCancelling:
		return st, fmt.Errorf("%w: %s is %s", ErrJobFailed, jobID, job.Status)
	}
	return st, nil
}

// OutputLine is one line of a job's output file.
type OutputLine struct {
	CustomID string          `json:"custom_id"`
	Response *LineResponse   `json:"response"`
	Error    json.RawMessage `json:"error"`
}

// LineResponse wraps the chat completion of one request.
type LineResponse struct {
	StatusCode int `json:"status_code"`
	Body       struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"body"`
}

// Failed reports whether the line carries an error instead of a response.
func (l OutputLine) Failed() bool {
	s := strings.TrimSpace(string(l.Error))
	return s != "" && s != "null"
}

// Content returns the completion text of the line.
func (l OutputLine) Content() (string, error) {
	if l.Failed() {
		return "", fmt.Errorf("batch: %s: %s", l.CustomID, l.Error)
	}
	if l.Response == nil || len(l.Response.Body.Choices) == 0 {
		return "", fmt.Errorf("batch: %s: no completion in output", l.CustomID)
	}
	return l.Response.Body.Choices[0].Message.Content, nil
}

// Output is a decoded job output file.
type Output struct {
	Raw   []byte
	Lines []OutputLine
}

// Retrieve downloads the output of a completed job.
func (m *Manager) Retrieve(ctx context.Context, jobID string) (*Output, error) {
	job, err := m.API.GetBatch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch st := MapStatus(job.Status); st {
	case StatusCompleted:
	case StatusFailed, StatusCancelling:
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFailed, jobID, job.Status)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, jobID, job.Status)
	}
	if job.OutputFileID == "" {
		return nil, fmt.Errorf("%w: %s has no output file", ErrJobFailed, jobID)
	}
	raw, err := m.API.FileContent(ctx, job.OutputFileID)
	if err != nil {
		return nil, err
	}
	return &Output{Raw: raw, Lines: ParseOutput(raw)}, nil
}

// ParseOutput decodes a JSONL output file. Undecodable lines are logged
// and skipped.
func ParseOutput(raw []byte) []OutputLine {
	var lines []OutputLine
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	n := 0
	for sc.Scan() {
		n++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var l OutputLine
		if err := json.Unmarshal(text, &l); err != nil {
			slog.Warn("batch: undecodable output line", "line", n, "error", err)
			continue
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("batch: reading output", "error", err)
	}
	return lines
}
