package worker

import (
	"context"

	"athenaeum/features/document"
	"athenaeum/internal/adapter/weaviate"
	"athenaeum/internal/normalize"
	"athenaeum/internal/text"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}

type EmbeddingIndex interface {
	Upsert(ctx context.Context, rec weaviate.Record, vec []float32) error
	Remove(ctx context.Context, chunkID string) error
	ListChunkIDs(ctx context.Context) ([]string, error)
}

type VersionStore interface {
	UpsertDocument(ctx context.Context, raw normalize.RawDocument) (*document.Document, error)
	ApplyChunks(ctx context.Context, documentID string, texts []string) (*document.ChunkDiff, error)
	MarkFailed(ctx context.Context, documentID string) error
	CurrentChunkIDs(ctx context.Context) ([]string, error)
	CurrentChunksByIDs(ctx context.Context, ids []string) ([]document.Chunk, error)
}

type Normalizer interface {
	Normalize(raw normalize.RawDocument) (*normalize.CanonicalDocument, error)
}

type Chunker interface {
	Split(s string) []text.Piece
}

type DeadLetter interface {
	Save(ctx context.Context, documentID, handler string, payload []byte, cause string) error
}

// embedInput builds the text actually sent to the embedding model. The
// source URI gives the vector locational context; the same construction is
// used by ingestion and reconciliation so repaired vectors match.
func embedInput(sourceURI, chunkText string) string {
	return "Source: " + sourceURI + "\n---\n" + chunkText
}
