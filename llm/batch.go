package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
)

// Provider-side batch statuses.
const (
	BatchValidating = "validating"
	BatchInProgress = "in_progress"
	BatchFinalizing = "finalizing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchExpired    = "expired"
	BatchCancelling = "cancelling"
	BatchCancelled  = "cancelled"
)

// Batch is a provider batch job.
type Batch struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Endpoint         string            `json:"endpoint"`
	InputFileID      string            `json:"input_file_id"`
	OutputFileID     string            `json:"output_file_id,omitempty"`
	ErrorFileID      string            `json:"error_file_id,omitempty"`
	CompletionWindow string            `json:"completion_window"`
	CreatedAt        int64             `json:"created_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RequestCounts    struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

// File is an uploaded file.
type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
	Bytes    int64  `json:"bytes"`
}

// BatchAPI is the Files + Batches surface used by bulk extraction.
type BatchAPI interface {
	UploadFile(ctx context.Context, name string, content io.Reader) (*File, error)
	CreateBatch(ctx context.Context, inputFileID, endpoint, window string, metadata map[string]string) (*Batch, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// BatchClient talks to an OpenAI-compatible Files and Batches API.
type BatchClient struct {
	base openAICompatClient
}

// NewBatchClient creates a batch client. An empty base URL targets OpenAI.
func NewBatchClient(cfg Config) *BatchClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIURL
	}
	return &BatchClient{base: newOpenAICompatClient(cfg)}
}

// UploadFile uploads a JSONL request file with purpose "batch".
func (c *BatchClient) UploadFile(ctx context.Context, name string, content io.Reader) (*File, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return nil, err
	}
	part, err := w.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	body, err := c.base.do(ctx, http.MethodPost, c.base.pathPrefix+"/files", w.FormDataContentType(), &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: upload %s: %w", ErrCallFailed, name, err)
	}
	var f File
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: decoding file: %w", ErrCallFailed, err)
	}
	return &f, nil
}

type createBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// CreateBatch registers a batch job over an uploaded file.
func (c *BatchClient) CreateBatch(ctx context.Context, inputFileID, endpoint, window string, metadata map[string]string) (*Batch, error) {
	body, err := c.base.doPost(ctx, c.base.pathPrefix+"/batches", createBatchRequest{
		InputFileID:      inputFileID,
		Endpoint:         endpoint,
		CompletionWindow: window,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create batch: %w", ErrCallFailed, err)
	}
	return decodeBatch(body)
}

// GetBatch fetches the current state of a batch.
func (c *BatchClient) GetBatch(ctx context.Context, id string) (*Batch, error) {
	body, err := c.base.doGet(ctx, c.base.pathPrefix+"/batches/"+id)
	if err != nil {
		return nil, fmt.Errorf("%w: get batch %s: %w", ErrCallFailed, id, err)
	}
	return decodeBatch(body)
}

// FileContent downloads a file, typically a batch output.
func (c *BatchClient) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	body, err := c.base.doGet(ctx, c.base.pathPrefix+"/files/"+fileID+"/content")
	if err != nil {
		return nil, fmt.Errorf("%w: file %s: %w", ErrCallFailed, fileID, err)
	}
	return body, nil
}

func decodeBatch(body []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: decoding batch: %w", ErrCallFailed, err)
	}
	return &b, nil
}
