package retrieval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"athenaeum/features/document"
	wstore "athenaeum/internal/adapter/weaviate"
	"athenaeum/internal/retrieval"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockIndex struct{ mock.Mock }

func (m *MockIndex) Query(ctx context.Context, vec []float32, n int) ([]wstore.Hit, error) {
	args := m.Called(ctx, vec, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wstore.Hit), args.Error(1)
}

type MockStore struct{ mock.Mock }

func (m *MockStore) CurrentChunksByIDs(ctx context.Context, ids []string) ([]document.Chunk, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Chunk), args.Error(1)
}

var queryVec = []float32{0.1, 0.2, 0.3}

func chunk(id string, validFrom time.Time) document.Chunk {
	return document.Chunk{ID: id, Text: "body of " + id, ValidFrom: validFrom}
}

func TestService_Retrieve_OverfetchesAndTruncates(t *testing.T) {
	e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
	now := time.Now().UTC()

	e.On("Embed", mock.Anything, "storms").Return(queryVec, nil)
	idx.On("Query", mock.Anything, queryVec, 6).Return([]wstore.Hit{
		{ChunkID: "c1", Distance: 0.2},
		{ChunkID: "c2", Distance: 0.4},
		{ChunkID: "c3", Distance: 0.6},
	}, nil)
	store.On("CurrentChunksByIDs", mock.Anything, []string{"c1", "c2", "c3"}).
		Return([]document.Chunk{chunk("c1", now), chunk("c2", now), chunk("c3", now)}, nil)

	svc := retrieval.NewService(e, idx, store, retrieval.Options{
		TopK: 5, OverfetchFactor: 3, MinSimilarity: 0.5,
	}, nil)

	results, err := svc.Retrieve(context.Background(), "storms", 2)
	require.NoError(t, err)
	require.Len(t, results, 2, "k wins over the over-fetched candidate count")
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.Equal(t, "c2", results[1].Chunk.ID)
	assert.InDelta(t, 0.9, results[0].Similarity, 1e-9)
	idx.AssertExpectations(t)
}

func TestService_Retrieve_FiltersStaleHits(t *testing.T) {
	e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
	now := time.Now().UTC()

	e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	idx.On("Query", mock.Anything, queryVec, mock.Anything).Return([]wstore.Hit{
		{ChunkID: "stale", Distance: 0.1},
		{ChunkID: "live", Distance: 0.3},
	}, nil)
	// The version store only knows "live" as current; "stale" is an index
	// straggler awaiting reconciliation.
	store.On("CurrentChunksByIDs", mock.Anything, []string{"stale", "live"}).
		Return([]document.Chunk{chunk("live", now)}, nil)

	svc := retrieval.NewService(e, idx, store, retrieval.Options{TopK: 5, OverfetchFactor: 2}, nil)

	results, err := svc.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "live", results[0].Chunk.ID)
}

func TestService_Retrieve_SimilarityFloor(t *testing.T) {
	e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
	now := time.Now().UTC()

	e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	idx.On("Query", mock.Anything, queryVec, mock.Anything).Return([]wstore.Hit{
		{ChunkID: "good", Distance: 0.2}, // similarity 0.9
		{ChunkID: "weak", Distance: 1.2}, // similarity 0.4
	}, nil)
	store.On("CurrentChunksByIDs", mock.Anything, mock.Anything).
		Return([]document.Chunk{chunk("good", now), chunk("weak", now)}, nil)

	svc := retrieval.NewService(e, idx, store, retrieval.Options{
		TopK: 5, OverfetchFactor: 2, MinSimilarity: 0.55,
	}, nil)

	results, err := svc.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].Chunk.ID)
}

func TestService_Retrieve_NoGrounding(t *testing.T) {
	t.Run("EmptyIndex", func(t *testing.T) {
		e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
		e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
		idx.On("Query", mock.Anything, queryVec, mock.Anything).Return([]wstore.Hit{}, nil)

		svc := retrieval.NewService(e, idx, store, retrieval.Options{TopK: 5, OverfetchFactor: 2}, nil)
		_, err := svc.Retrieve(context.Background(), "q", 5)
		assert.ErrorIs(t, err, retrieval.ErrNoGrounding)
	})

	t.Run("EverythingBelowFloor", func(t *testing.T) {
		e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
		now := time.Now().UTC()

		e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
		idx.On("Query", mock.Anything, queryVec, mock.Anything).Return([]wstore.Hit{
			{ChunkID: "far", Distance: 1.8},
		}, nil)
		store.On("CurrentChunksByIDs", mock.Anything, mock.Anything).
			Return([]document.Chunk{chunk("far", now)}, nil)

		svc := retrieval.NewService(e, idx, store, retrieval.Options{
			TopK: 5, OverfetchFactor: 2, MinSimilarity: 0.55,
		}, nil)
		_, err := svc.Retrieve(context.Background(), "q", 5)
		assert.ErrorIs(t, err, retrieval.ErrNoGrounding)
	})
}

func TestService_Retrieve_RecencyReranks(t *testing.T) {
	e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
	now := time.Now().UTC()

	e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	// "old" is slightly more similar but two half-lives stale.
	idx.On("Query", mock.Anything, queryVec, mock.Anything).Return([]wstore.Hit{
		{ChunkID: "old", Distance: 0.2}, // similarity 0.90
		{ChunkID: "new", Distance: 0.4}, // similarity 0.80
	}, nil)
	store.On("CurrentChunksByIDs", mock.Anything, mock.Anything).
		Return([]document.Chunk{
			chunk("old", now.Add(-48*time.Hour)),
			chunk("new", now),
		}, nil)

	svc := retrieval.NewService(e, idx, store, retrieval.Options{
		TopK: 5, OverfetchFactor: 2, RecencyHalfLife: 24 * time.Hour,
	}, nil)

	results, err := svc.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].Chunk.ID)
	assert.Equal(t, "old", results[1].Chunk.ID)
	assert.InDelta(t, 0.80, results[0].Score, 0.01)
	assert.InDelta(t, 0.225, results[1].Score, 0.01)
	// Raw similarity is reported untouched alongside the blended score.
	assert.InDelta(t, 0.90, results[1].Similarity, 1e-9)
}

func TestService_Retrieve_ZeroHalfLifeDisablesDecay(t *testing.T) {
	e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
	now := time.Now().UTC()

	e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	idx.On("Query", mock.Anything, queryVec, mock.Anything).Return([]wstore.Hit{
		{ChunkID: "ancient", Distance: 0.2},
	}, nil)
	store.On("CurrentChunksByIDs", mock.Anything, mock.Anything).
		Return([]document.Chunk{chunk("ancient", now.Add(-365*24*time.Hour))}, nil)

	svc := retrieval.NewService(e, idx, store, retrieval.Options{TopK: 5, OverfetchFactor: 2}, nil)

	results, err := svc.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, results[0].Similarity, results[0].Score)
}

func TestService_Retrieve_TieBreaksOnChunkID(t *testing.T) {
	e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
	now := time.Now().UTC()

	e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	idx.On("Query", mock.Anything, queryVec, mock.Anything).Return([]wstore.Hit{
		{ChunkID: "bbb", Distance: 0.2},
		{ChunkID: "aaa", Distance: 0.2},
	}, nil)
	store.On("CurrentChunksByIDs", mock.Anything, mock.Anything).
		Return([]document.Chunk{chunk("bbb", now), chunk("aaa", now)}, nil)

	svc := retrieval.NewService(e, idx, store, retrieval.Options{TopK: 5, OverfetchFactor: 2}, nil)

	results, err := svc.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "aaa", results[0].Chunk.ID)
	assert.Equal(t, "bbb", results[1].Chunk.ID)
}

func TestService_Retrieve_ZeroKUsesDefault(t *testing.T) {
	e, idx, store := new(MockEmbedder), new(MockIndex), new(MockStore)
	now := time.Now().UTC()

	e.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	idx.On("Query", mock.Anything, queryVec, 3*2).Return([]wstore.Hit{
		{ChunkID: "c1", Distance: 0.2},
	}, nil)
	store.On("CurrentChunksByIDs", mock.Anything, mock.Anything).
		Return([]document.Chunk{chunk("c1", now)}, nil)

	svc := retrieval.NewService(e, idx, store, retrieval.Options{TopK: 3, OverfetchFactor: 2}, nil)

	_, err := svc.Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	idx.AssertExpectations(t)
}
