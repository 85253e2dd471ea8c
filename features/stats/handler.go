package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"athenaeum/internal/middleware"
)

type DocumentRepo interface {
	CountDocuments(ctx context.Context) (int, error)
	CountCurrentChunks(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type EmbeddingIndex interface {
	Count(ctx context.Context) (int, error)
}

type ReportGenerator interface {
	GenerateReport(ctx context.Context) (string, error)
}

type Handler struct {
	docRepo  DocumentRepo
	jobRepo  JobRepo
	index    EmbeddingIndex
	reporter ReportGenerator
}

func NewHandler(d DocumentRepo, j JobRepo, idx EmbeddingIndex, rep ReportGenerator) *Handler {
	return &Handler{docRepo: d, jobRepo: j, index: idx, reporter: rep}
}

type StatsResponse struct {
	Documents      int `json:"documents"`
	CurrentChunks  int `json:"current_chunks"`
	IndexedVectors int `json:"indexed_vectors"`
	FailedJobs     int `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	dCount, err := h.docRepo.CountDocuments(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count documents", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	}

	cCount, err := h.docRepo.CountCurrentChunks(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	jCount, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	vCount, err := h.index.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count vectors", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count vectors", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Documents:      dCount,
		CurrentChunks:  cCount,
		IndexedVectors: vCount,
		FailedJobs:     jCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// GetReport renders the last-versus-previous pipeline run comparison as
// plain text.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "generating pipeline report", "correlationId", correlationID)

	report, err := h.reporter.GenerateReport(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate report", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to generate report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(report)); err != nil {
		slog.ErrorContext(ctx, "failed to write report", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
