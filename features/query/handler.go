package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"athenaeum/internal/answer"
	"athenaeum/internal/middleware"
	"athenaeum/internal/retrieval"
)

type Retriever interface {
	Retrieve(ctx context.Context, queryText string, k int) ([]retrieval.Result, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, queryID, queryText string, grounding []retrieval.Result) (*answer.Answer, error)
}

type Handler struct {
	retriever   Retriever
	synthesizer Synthesizer
}

func NewHandler(r Retriever, s Synthesizer) *Handler {
	return &Handler{retriever: r, synthesizer: s}
}

// Ask answers a natural-language query with a grounded, confidence-scored
// answer. No grounding is a 200 with an explicit ungrounded answer, not an
// error.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
		K    int    `json:"k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "text is required", http.StatusBadRequest)
		return
	}

	queryID := uuid.New().String()
	ctx := r.Context()

	grounding, err := h.retriever.Retrieve(ctx, req.Text, req.K)
	if errors.Is(err, retrieval.ErrNoGrounding) {
		h.respond(w, answer.Ungrounded(queryID))
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "retrieval failed", "error", err, "query_id", queryID)
		h.writeError(ctx, w, "RETRIEVAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	ans, err := h.synthesizer.Synthesize(ctx, queryID, req.Text, grounding)
	if err != nil {
		slog.ErrorContext(ctx, "synthesis failed", "error", err, "query_id", queryID)
		h.writeError(ctx, w, "SYNTHESIS_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.respond(w, ans)
}

func (h *Handler) respond(w http.ResponseWriter, ans *answer.Answer) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": ans}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]any{
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
