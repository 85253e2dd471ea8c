package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"athenaeum/features/document"
	"athenaeum/internal/adapter/weaviate"
)

// ErrNoGrounding means no current chunk cleared the similarity floor. Not a
// failure: "no answer available" is a legitimate product state and callers
// must handle it explicitly.
var ErrNoGrounding = errors.New("no grounding found")

// Result is a current chunk with its retrieval scores. Similarity is the
// raw vector similarity; Score blends in recency decay and decides rank.
type Result struct {
	Chunk      document.Chunk `json:"chunk"`
	Similarity float64        `json:"similarity"`
	Score      float64        `json:"score"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	Query(ctx context.Context, vec []float32, n int) ([]weaviate.Hit, error)
}

// VersionStore filters index hits down to chunks that are still current,
// guarding retrieval against reconciliation lag.
type VersionStore interface {
	CurrentChunksByIDs(ctx context.Context, ids []string) ([]document.Chunk, error)
}

type Options struct {
	TopK            int
	OverfetchFactor int
	MinSimilarity   float64
	RecencyHalfLife time.Duration
}

type Service struct {
	embedder Embedder
	index    Index
	store    VersionStore
	opts     Options
	logger   *QueryLogger
}

func NewService(e Embedder, idx Index, store VersionStore, opts Options, l *QueryLogger) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.OverfetchFactor < 1 {
		opts.OverfetchFactor = 4
	}
	return &Service{embedder: e, index: idx, store: store, opts: opts, logger: l}
}

// Retrieve embeds the query, over-fetches nearest neighbors, drops hits
// that are stale or below the similarity floor, re-ranks the rest by
// similarity blended with recency decay and returns the top k.
func (s *Service) Retrieve(ctx context.Context, queryText string, k int) ([]Result, error) {
	start := time.Now()
	if k <= 0 {
		k = s.opts.TopK
	}

	vec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	hits, err := s.index.Query(ctx, vec, k*s.opts.OverfetchFactor)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		s.log(ctx, queryText, 0, start)
		return nil, ErrNoGrounding
	}

	ids := make([]string, len(hits))
	similarity := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		// Cosine distance is in [0,2]; map to similarity in [0,1].
		similarity[h.ChunkID] = 1 - h.Distance/2
	}

	current, err := s.store.CurrentChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var results []Result
	for _, c := range current {
		sim := similarity[c.ID]
		if sim < s.opts.MinSimilarity {
			continue
		}
		results = append(results, Result{
			Chunk:      c,
			Similarity: sim,
			Score:      sim * s.decay(now.Sub(c.ValidFrom)),
		})
	}

	if len(results) == 0 {
		s.log(ctx, queryText, 0, start)
		return nil, ErrNoGrounding
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].Chunk.ID < results[b].Chunk.ID
	})
	if len(results) > k {
		results = results[:k]
	}

	s.log(ctx, queryText, len(results), start)
	return results, nil
}

// decay halves a chunk's weight every half-life. Zero half-life disables
// recency weighting entirely.
func (s *Service) decay(age time.Duration) float64 {
	if s.opts.RecencyHalfLife <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, float64(age)/float64(s.opts.RecencyHalfLife))
}

func (s *Service) log(ctx context.Context, query string, numResults int, start time.Time) {
	if s.logger == nil {
		return
	}
	s.logger.Log(QueryLogEntry{
		Query:      query,
		NumResults: numResults,
		Duration:   time.Since(start),
	})
	slog.DebugContext(ctx, "retrieval finished", "num_results", numResults, "duration", time.Since(start))
}
