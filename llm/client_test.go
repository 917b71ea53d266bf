package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

type countingGovernor struct{ acquired, released atomic.Int32 }

func (g *countingGovernor) Acquire(ctx context.Context) (func(), error) {
	g.acquired.Add(1)
	return func() { g.released.Add(1) }, nil
}

func TestCompleteSendsStrictSchema(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		io.WriteString(w, `{"model":"m","choices":[{"message":{"content":"{\"a\":1}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	gov := &countingGovernor{}
	c := NewClient(NewOpenAICompat(Config{BaseURL: srv.URL, Model: "m", APIKey: "sk-test"}), gov)
	out, err := c.Complete(context.Background(), Completion{
		System:     "extract",
		User:       "protocol text",
		Schema:     json.RawMessage(`{"type":"object"}`),
		SchemaName: "meeting_data_extraction",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"a":1}` {
		t.Errorf("content = %q", out)
	}
	if gov.acquired.Load() != 1 || gov.released.Load() != 1 {
		t.Errorf("governor acquired=%d released=%d, want 1/1", gov.acquired.Load(), gov.released.Load())
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "protocol text" {
		t.Errorf("messages = %+v", got.Messages)
	}
	rf := got.ResponseFormat
	if rf == nil || rf.Type != FormatJSONSchema || rf.JSONSchema == nil {
		t.Fatalf("response_format = %+v", rf)
	}
	if rf.JSONSchema.Name != "meeting_data_extraction" || !rf.JSONSchema.Strict {
		t.Errorf("json_schema = %+v", rf.JSONSchema)
	}
}

func TestCompleteFailuresAreCallFailed(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"status", `{"error":"overloaded"}`, http.StatusServiceUnavailable},
		{"garbage", `not json`, http.StatusOK},
		{"no choices", `{"choices":[]}`, http.StatusOK},
		{"truncated", `{"choices":[{"message":{"content":"{"},"finish_reason":"length"}]}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(NewOpenAICompat(Config{BaseURL: srv.URL}), nil)
			_, err := c.Complete(context.Background(), Completion{System: "s", User: "u", JSON: true})
			if !errors.Is(err, ErrCallFailed) {
				t.Fatalf("err = %v, want ErrCallFailed", err)
			}
		})
	}
}

func TestEmbedNormalisesEmptyAndKeepsOrder(t *testing.T) {
	var inputs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		inputs = req.Input
		// Answer out of order.
		io.WriteString(w, `{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]},{"index":2,"embedding":[3,3]}]}`)
	}))
	defer srv.Close()

	c := NewClient(NewOpenAICompat(Config{BaseURL: srv.URL, Model: "emb"}), nil, WithDimension(2))
	vecs, err := c.Embed(context.Background(), []string{"water fees", "  ", ""})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if strings.Join(inputs, "|") != "water fees|[empty]|[empty]" {
		t.Errorf("inputs = %q", inputs)
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Errorf("vector %d = %v", i, v)
		}
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"index":0,"embedding":[1,2,3]}]}`)
	}))
	defer srv.Close()

	c := NewClient(NewOpenAICompat(Config{BaseURL: srv.URL}), nil, WithDimension(1024))
	if _, err := c.Embed(context.Background(), []string{"x"}); !errors.Is(err, ErrCallFailed) {
		t.Fatalf("err = %v, want ErrCallFailed", err)
	}
}

func TestAPIErrorRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAICompat(Config{BaseURL: srv.URL}).Chat(context.Background(), ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if !apiErr.Retryable() || apiErr.RetryAfter.Seconds() != 7 {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestBatchClientRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("multipart: %v", err)
		}
		if r.FormValue("purpose") != "batch" {
			t.Errorf("purpose = %q", r.FormValue("purpose"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		data, _ := io.ReadAll(f)
		json.NewEncoder(w).Encode(File{ID: "file-in", Filename: hdr.Filename, Bytes: int64(len(data))})
	})
	mux.HandleFunc("POST /v1/batches", func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.InputFileID != "file-in" || req.CompletionWindow != "24h" {
			t.Errorf("create = %+v", req)
		}
		io.WriteString(w, `{"id":"batch_1","status":"validating","input_file_id":"file-in"}`)
	})
	mux.HandleFunc("GET /v1/batches/batch_1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"batch_1","status":"completed","output_file_id":"file-out"}`)
	})
	mux.HandleFunc("GET /v1/files/file-out/content", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{\"custom_id\":\"123456\"}\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	bc := NewBatchClient(Config{BaseURL: srv.URL, APIKey: "k"})
	ctx := context.Background()

	f, err := bc.UploadFile(ctx, "/tmp/metadata_batch.jsonl", strings.NewReader("{}\n"))
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if f.Filename != "metadata_batch.jsonl" || f.Bytes != 3 {
		t.Errorf("file = %+v", f)
	}
	b, err := bc.CreateBatch(ctx, f.ID, "/v1/chat/completions", "24h", map[string]string{"description": "x"})
	if err != nil || b.ID != "batch_1" {
		t.Fatalf("CreateBatch = %+v, %v", b, err)
	}
	b, err = bc.GetBatch(ctx, "batch_1")
	if err != nil || b.Status != BatchCompleted || b.OutputFileID != "file-out" {
		t.Fatalf("GetBatch = %+v, %v", b, err)
	}
	data, err := bc.FileContent(ctx, "file-out")
	if err != nil || !strings.Contains(string(data), "123456") {
		t.Fatalf("FileContent = %q, %v", data, err)
	}
}
