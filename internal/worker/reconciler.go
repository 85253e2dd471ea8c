package worker

import (
	"context"
	"log/slog"
	"time"

	"athenaeum/internal/adapter/weaviate"
	"athenaeum/internal/tracker"
)

// Reconciler repairs divergence between the version store and the
// embedding index: current chunks missing a vector get embedded and
// inserted, vectors whose chunk is no longer current get removed. Every
// write is idempotent, so the sweep is safe to run at any time, including
// concurrently with ingestion and retrieval.
type Reconciler struct {
	store    VersionStore
	index    EmbeddingIndex
	embedder Embedder
	tracker  *tracker.Tracker

	embedTimeout time.Duration
}

func NewReconciler(store VersionStore, index EmbeddingIndex, embedder Embedder, tr *tracker.Tracker, embedTimeout time.Duration) *Reconciler {
	if embedTimeout <= 0 {
		embedTimeout = 60 * time.Second
	}
	return &Reconciler{store: store, index: index, embedder: embedder, tracker: tr, embedTimeout: embedTimeout}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
			}
		}
	}
}

// SweepResult reports what one pass found and fixed.
type SweepResult struct {
	Missing  int // current chunks without a vector
	Orphans  int // vectors without a current chunk
	Repaired int
	Failed   int
}

// Sweep diffs the two stores and repairs both directions, removals first.
// Individual repair failures are counted and left for the next pass.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepResult, error) {
	span := r.tracker.Start(tracker.StepReconcile)

	storeIDs, err := r.store.CurrentChunkIDs(ctx)
	if err != nil {
		span.Finish(ctx, true)
		return nil, err
	}
	indexIDs, err := r.index.ListChunkIDs(ctx)
	if err != nil {
		span.Finish(ctx, true)
		return nil, err
	}

	indexed := make(map[string]bool, len(indexIDs))
	for _, id := range indexIDs {
		indexed[id] = true
	}
	current := make(map[string]bool, len(storeIDs))
	for _, id := range storeIDs {
		current[id] = true
	}

	res := &SweepResult{}

	// Orphaned vectors first: removing before adding keeps the invariant
	// that no lineage ever has two live vectors.
	for _, id := range indexIDs {
		if current[id] {
			continue
		}
		res.Orphans++
		if err := r.index.Remove(ctx, id); err != nil {
			slog.ErrorContext(ctx, "failed to remove orphaned vector", "error", err, "chunk_id", id)
			res.Failed++
			continue
		}
		res.Repaired++
	}

	var missingIDs []string
	for _, id := range storeIDs {
		if !indexed[id] {
			missingIDs = append(missingIDs, id)
		}
	}
	res.Missing = len(missingIDs)

	if len(missingIDs) > 0 {
		chunks, err := r.store.CurrentChunksByIDs(ctx, missingIDs)
		if err != nil {
			span.Finish(ctx, true)
			return res, err
		}
		for _, c := range chunks {
			embedCtx, cancel := context.WithTimeout(ctx, r.embedTimeout)
			vec, err := r.embedder.Embed(embedCtx, embedInput(c.SourceURI, c.Text))
			cancel()
			if err != nil {
				slog.ErrorContext(ctx, "failed to embed missing chunk", "error", err, "chunk_id", c.ID)
				res.Failed++
				continue
			}

			rec := weaviate.Record{
				ChunkID:      c.ID,
				DocumentID:   c.DocumentID,
				SourceURI:    c.SourceURI,
				Position:     c.Position,
				Content:      c.Text,
				ModelVersion: r.embedder.ModelVersion(),
			}
			if err := r.index.Upsert(ctx, rec, vec); err != nil {
				slog.ErrorContext(ctx, "failed to upsert missing vector", "error", err, "chunk_id", c.ID)
				res.Failed++
				continue
			}
			res.Repaired++
		}
	}

	span.Record(res.Missing+res.Orphans, res.Repaired, res.Failed)
	span.Finish(ctx, false)

	if res.Missing+res.Orphans > 0 {
		slog.InfoContext(ctx, "reconciliation sweep repaired divergence",
			"missing", res.Missing, "orphans", res.Orphans, "repaired", res.Repaired, "failed", res.Failed)
	}
	return res, nil
}
