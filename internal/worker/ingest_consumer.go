package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"athenaeum/features/document"
	"athenaeum/internal/adapter/weaviate"
	"athenaeum/internal/middleware"
	"athenaeum/internal/normalize"
	"athenaeum/internal/tracker"
)

// IngestConsumer drives one raw document through the full pipeline:
// normalize, chunk, commit to the version store, sync the embedding index.
// Each message is independent; a failure never takes down the pool.
type IngestConsumer struct {
	normalizer Normalizer
	chunker    Chunker
	store      VersionStore
	index      EmbeddingIndex
	embedder   Embedder
	deadLetter DeadLetter
	tracker    *tracker.Tracker

	embedTimeout time.Duration
	applyRetries uint64
}

func NewIngestConsumer(
	n Normalizer,
	c Chunker,
	store VersionStore,
	index EmbeddingIndex,
	embedder Embedder,
	dl DeadLetter,
	tr *tracker.Tracker,
	embedTimeout time.Duration,
	applyRetries int,
) *IngestConsumer {
	if applyRetries < 1 {
		applyRetries = 3
	}
	if embedTimeout <= 0 {
		embedTimeout = 60 * time.Second
	}
	return &IngestConsumer{
		normalizer:   n,
		chunker:      c,
		store:        store,
		index:        index,
		embedder:     embedder,
		deadLetter:   dl,
		tracker:      tr,
		embedTimeout: embedTimeout,
		applyRetries: uint64(applyRetries),
	}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload IngestDocumentPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison pill: invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if len(payload.Payload) == 0 || payload.SourceURI == "" {
		slog.ErrorContext(ctx, "missing required fields, dropping", "source_uri", payload.SourceURI)
		return nil
	}

	fetchedAt := time.Now().UTC()
	if payload.FetchedAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.FetchedAt); err == nil {
			fetchedAt = t.UTC()
		}
	}

	raw := normalize.RawDocument{
		Payload:    payload.Payload,
		SourceURI:  payload.SourceURI,
		SourceType: normalize.SourceType(payload.SourceType),
		FetchedAt:  fetchedAt,
	}

	span := h.tracker.Start(tracker.StepIngest)
	failed, err := h.ingest(ctx, raw, m.Body, span)
	span.Finish(ctx, failed)
	return err
}

// ingest returns (failed, retryable error). All unrecoverable outcomes are
// swallowed after being recorded; only transient faults propagate so NSQ
// requeues the message.
func (h *IngestConsumer) ingest(ctx context.Context, raw normalize.RawDocument, original []byte, span *tracker.Span) (bool, error) {
	doc, err := h.store.UpsertDocument(ctx, raw)
	if errors.Is(err, document.ErrUnchanged) {
		slog.InfoContext(ctx, "payload unchanged, skipping", "document_id", doc.ID, "source_uri", raw.SourceURI)
		span.Record(1, 0, 1)
		return false, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "upsert document failed", "error", err, "source_uri", raw.SourceURI)
		return true, err // transient store fault, retry
	}

	canonical, err := h.normalizer.Normalize(raw)
	if err != nil {
		if errors.Is(err, normalize.ErrMalformedInput) {
			// Retrying will not fix a malformed payload: report and skip.
			slog.ErrorContext(ctx, "malformed payload, skipping", "error", err, "document_id", doc.ID)
			h.markFailed(ctx, doc.ID)
			span.Record(1, 0, 1)
			return true, nil
		}
		return true, err
	}

	pieces := h.chunker.Split(canonical.Text)
	if len(pieces) == 0 {
		slog.WarnContext(ctx, "no chunks produced", "document_id", doc.ID, "text_length", len(canonical.Text))
		h.markFailed(ctx, doc.ID)
		span.Record(1, 0, 1)
		return true, nil
	}
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	diff, err := h.applyWithRetry(ctx, doc.ID, texts)
	if err != nil {
		if errors.Is(err, document.ErrConflict) {
			// Retries exhausted: fatal for this document, not for the pool.
			slog.ErrorContext(ctx, "chunk apply conflict retries exhausted", "document_id", doc.ID)
			h.markFailed(ctx, doc.ID)
			if dlErr := h.deadLetter.Save(ctx, doc.ID, "ingest-consumer", original, err.Error()); dlErr != nil {
				slog.ErrorContext(ctx, "failed to save dead letter", "error", dlErr)
			}
			span.Record(1, 0, 1)
			return true, nil
		}
		return true, err
	}

	slog.InfoContext(ctx, "chunk diff committed", "document_id", doc.ID,
		"unchanged", len(diff.Unchanged), "new", len(diff.New), "superseded", len(diff.Superseded))

	skipped := h.syncIndex(ctx, raw.SourceURI, diff)
	span.Record(1, len(diff.New), skipped)
	return false, nil
}

func (h *IngestConsumer) applyWithRetry(ctx context.Context, documentID string, texts []string) (*document.ChunkDiff, error) {
	var diff *document.ChunkDiff

	operation := func() error {
		var err error
		diff, err = h.store.ApplyChunks(ctx, documentID, texts)
		if err == nil {
			return nil
		}
		if errors.Is(err, document.ErrConflict) {
			slog.WarnContext(ctx, "chunk apply conflict, retrying", "document_id", documentID)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.applyRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return diff, nil
}

// syncIndex applies the committed diff to the embedding index: removals
// before additions, per lineage, so the index never holds two current
// vectors for one lineage. Failures here leave a transient inconsistency
// that the reconciliation sweep repairs; they are counted, not retried.
func (h *IngestConsumer) syncIndex(ctx context.Context, sourceURI string, diff *document.ChunkDiff) int {
	skipped := 0

	for _, stale := range diff.Superseded {
		if err := h.index.Remove(ctx, stale.ID); err != nil {
			slog.ErrorContext(ctx, "index remove failed, reconciler will repair", "error", err, "chunk_id", stale.ID)
			skipped++
		}
	}

	for _, next := range diff.New {
		embedCtx, cancel := context.WithTimeout(ctx, h.embedTimeout)
		vec, err := h.embedder.Embed(embedCtx, embedInput(sourceURI, next.Text))
		cancel()
		if err != nil {
			slog.ErrorContext(ctx, "embedding failed, reconciler will repair", "error", err, "chunk_id", next.ID)
			skipped++
			continue
		}

		rec := weaviate.Record{
			ChunkID:      next.ID,
			DocumentID:   next.DocumentID,
			SourceURI:    sourceURI,
			Position:     next.Position,
			Content:      next.Text,
			ModelVersion: h.embedder.ModelVersion(),
		}
		if err := h.index.Upsert(ctx, rec, vec); err != nil {
			slog.ErrorContext(ctx, "index upsert failed, reconciler will repair", "error", err, "chunk_id", next.ID)
			skipped++
		}
	}

	return skipped
}

func (h *IngestConsumer) markFailed(ctx context.Context, documentID string) {
	if err := h.store.MarkFailed(ctx, documentID); err != nil {
		slog.WarnContext(ctx, "failed to mark document failed", "error", err, "document_id", documentID)
	}
}
