package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"athenaeum/internal/middleware"
	"athenaeum/internal/normalize"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Submit accepts a raw document payload from a fetcher/connector and queues
// it for ingestion.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)

	var req struct {
		Payload    []byte `json:"payload"` // base64 in JSON
		SourceURI  string `json:"source_uri"`
		SourceType string `json:"source_type"`
		FetchedAt  string `json:"fetched_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "payload is required", http.StatusBadRequest)
		return
	}
	if req.SourceURI == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "source_uri is required", http.StatusBadRequest)
		return
	}

	sourceType := normalize.SourceType(req.SourceType)
	switch sourceType {
	case normalize.SourceWeb, normalize.SourceRSS, normalize.SourcePDF:
	case "":
		sourceType = normalize.SourceWeb
	default:
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "unknown source_type", http.StatusBadRequest)
		return
	}

	fetchedAt := time.Now().UTC()
	if req.FetchedAt != "" {
		t, err := time.Parse(time.RFC3339, req.FetchedAt)
		if err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "fetched_at must be RFC3339", http.StatusBadRequest)
			return
		}
		fetchedAt = t.UTC()
	}

	docID, err := h.service.Submit(r.Context(), normalize.RawDocument{
		Payload:    req.Payload,
		SourceURI:  req.SourceURI,
		SourceType: sourceType,
		FetchedAt:  fetchedAt,
	})
	if errors.Is(err, ErrUnchanged) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		h.encode(w, map[string]any{"data": map[string]string{"document_id": docID, "status": "unchanged"}})
		return
	}
	if err != nil {
		slog.Error("submit failed", "error", err, "source_uri", req.SourceURI)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	h.encode(w, map[string]any{"data": map[string]string{"document_id": docID, "status": "queued"}})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.List(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	// Return [] instead of null for empty list
	if docs == nil {
		docs = []Document{}
	}

	w.Header().Set("Content-Type", "application/json")
	h.encode(w, map[string]any{
		"data": docs,
		"meta": map[string]int{"count": len(docs)},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Document not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	h.encode(w, map[string]any{"data": doc})
}

func (h *Handler) GetChunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chunks, err := h.service.CurrentChunks(r.Context(), id)
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if chunks == nil {
		chunks = []Chunk{}
	}
	w.Header().Set("Content-Type", "application/json")
	h.encode(w, map[string]any{
		"data": chunks,
		"meta": map[string]int{"count": len(chunks)},
	})
}

func (h *Handler) encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
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
