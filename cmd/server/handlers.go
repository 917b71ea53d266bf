package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/minutegraph"
	"github.com/brunobiangulo/minutegraph/batch"
	"github.com/brunobiangulo/minutegraph/eval"
	"github.com/brunobiangulo/minutegraph/merge"
	"github.com/brunobiangulo/minutegraph/prompts"
	"github.com/brunobiangulo/minutegraph/record"
)

type handler struct {
	engine minutegraph.Engine
}

func newHandler(e minutegraph.Engine) *handler {
	return &handler{engine: e}
}

// routes registers every endpoint on a new mux.
func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /extract", h.handleExtract)
	mux.HandleFunc("POST /batches", h.handleSubmitBatch)
	mux.HandleFunc("GET /batches/{id}", h.handleBatchStatus)
	mux.HandleFunc("POST /batches/{id}/collect", h.handleCollectBatch)
	mux.HandleFunc("POST /ask", h.handleAsk)
	mux.HandleFunc("POST /chart", h.handleChart)
	mux.HandleFunc("POST /timeline", h.handleTimeline)
	mux.HandleFunc("POST /graph/build", h.handleBuildGraph)
	mux.HandleFunc("POST /eval", h.handleEval)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /batches", h.handleListJobs)
	mux.HandleFunc("GET /outcomes", h.handleListOutcomes)
	mux.HandleFunc("GET /queries", h.handleListQueries)
	mux.HandleFunc("GET /phrases", h.handleSimilarPhrases)
	mux.HandleFunc("GET /health", h.handleHealth)
	return mux
}

// POST /extract
func (h *handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Hour)
	defer cancel()

	var req struct {
		Type string `json:"type"`
		minutegraph.ExtractOptions
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := record.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.engine.Extract(ctx, t, req.ExtractOptions)
	if err != nil {
		writeEngineError(w, "extraction failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /batches
func (h *handler) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Type string `json:"type"`
		minutegraph.BatchOptions
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := record.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.engine.SubmitBatch(ctx, t, req.BatchOptions)
	if err != nil {
		writeEngineError(w, "batch submission failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// GET /batches/{id}?type=agenda
func (h *handler) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	t, err := record.ParseType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.engine.BatchStatus(r.Context(), t, r.PathValue("id"))
	if errors.Is(err, batch.ErrJobFailed) && state != nil {
		// A failed job is a valid answer to "what is its status".
		writeJSON(w, http.StatusOK, state)
		return
	}
	if err != nil {
		writeEngineError(w, "batch status failed", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// POST /batches/{id}/collect
func (h *handler) handleCollectBatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Type string `json:"type"`
		minutegraph.CollectOptions
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := record.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.JobID = r.PathValue("id")

	report, err := h.engine.CollectBatch(ctx, t, req.CollectOptions)
	if err != nil {
		writeEngineError(w, "batch collection failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type questionRequest struct {
	Question string `json:"question"`
}

func decodeQuestion(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return "", false
	}
	return req.Question, true
}

// POST /ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	q, ok := decodeQuestion(w, r)
	if !ok {
		return
	}
	answer, err := h.engine.Ask(ctx, q)
	if err != nil {
		slog.Error("ask error", "question", q, "error", err)
		writeEngineError(w, "question failed", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// POST /chart
func (h *handler) handleChart(w http.ResponseWriter, r *http.Request) {
	h.handleVisual(w, r, h.engine.Chart)
}

// POST /timeline
func (h *handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	h.handleVisual(w, r, h.engine.Timeline)
}

func (h *handler) handleVisual(w http.ResponseWriter, r *http.Request, draw func(context.Context, string) (*minutegraph.Visual, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	q, ok := decodeQuestion(w, r)
	if !ok {
		return
	}
	v, err := draw(ctx, q)
	if err != nil {
		slog.Error("visual error", "path", r.URL.Path, "question", q, "error", err)
		writeEngineError(w, "visual failed", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// POST /graph/build
func (h *handler) handleBuildGraph(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Hour)
	defer cancel()

	var req struct {
		Mode string `json:"mode"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	mode := merge.ModeLLM
	if req.Mode != "" {
		mode = merge.Mode(req.Mode)
	}

	stats, err := h.engine.BuildGraph(ctx, mode)
	if err != nil {
		writeEngineError(w, "graph build failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /eval
func (h *handler) handleEval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string `json:"type"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := record.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	report, err := h.engine.Evaluate(r.Context(), t, req.Title)
	if err != nil {
		writeEngineError(w, "evaluation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.Documents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
	})
}

// GET /batches
func (h *handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.engine.Jobs(r.Context())
	if err != nil {
		writeEngineError(w, "failed to list batch jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GET /outcomes?run_id=
func (h *handler) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.engine.Outcomes(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeEngineError(w, "failed to list outcomes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// GET /queries?limit=20
func (h *handler) handleListQueries(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	queries, err := h.engine.Queries(r.Context(), limit)
	if err != nil {
		writeEngineError(w, "failed to list queries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": queries})
}

// GET /phrases?text=vattenavgifter&k=5
func (h *handler) handleSimilarPhrases(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	k, ok := intParam(w, r, "k")
	if !ok {
		return
	}
	phrases, err := h.engine.Phrases(r.Context(), text, k)
	if err != nil {
		writeEngineError(w, "phrase search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phrases": phrases})
}

// intParam reads an optional non-negative integer query parameter.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, minutegraph.ErrUnknownType),
		errors.Is(err, minutegraph.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, eval.ErrNoPairs):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrNotCompleted),
		errors.Is(err, batch.ErrArtifactExists):
		return http.StatusConflict
	case errors.Is(err, minutegraph.ErrGraphUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, minutegraph.ErrMissingPath),
		errors.Is(err, prompts.ErrMissingPrompt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "error", err)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, msg+": "+err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
