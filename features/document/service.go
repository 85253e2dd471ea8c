package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"athenaeum/internal/config"
	"athenaeum/internal/middleware"
	"athenaeum/internal/normalize"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Service owns the version-store contract. Ingestion workers drive
// UpsertDocument/ApplyChunks; the HTTP surface only accepts payloads and
// hands them to the bus.
type Service struct {
	repo Repository
	pub  EventPublisher
}

func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

// UpsertDocument is idempotent: a payload whose hash is already known
// returns the existing document and ErrUnchanged.
func (s *Service) UpsertDocument(ctx context.Context, raw normalize.RawDocument) (*Document, error) {
	src, err := s.repo.EnsureSource(ctx, raw.SourceURI, string(raw.SourceType))
	if err != nil {
		return nil, err
	}

	doc := &Document{
		ID:             DocumentID(raw.Payload, raw.SourceURI),
		SourceID:       src.ID,
		SourceURI:      raw.SourceURI,
		SourceType:     string(raw.SourceType),
		FetchedAt:      raw.FetchedAt.UTC(),
		RawContentHash: ContentHash(string(raw.Payload)),
	}
	if err := s.repo.InsertDocument(ctx, doc); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return doc, err
		}
		return nil, err
	}
	return doc, nil
}

// ApplyChunks delegates to the repository; see Repository.ApplyChunks for
// the atomicity and conflict contract.
func (s *Service) ApplyChunks(ctx context.Context, documentID string, texts []string) (*ChunkDiff, error) {
	return s.repo.ApplyChunks(ctx, documentID, texts, time.Now().UTC())
}

func (s *Service) CurrentChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	return s.repo.CurrentChunks(ctx, documentID)
}

func (s *Service) CurrentChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	return s.repo.CurrentChunksByIDs(ctx, ids)
}

func (s *Service) CurrentChunkIDs(ctx context.Context) ([]string, error) {
	return s.repo.CurrentChunkIDs(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	return s.repo.GetDocument(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Document, error) {
	return s.repo.ListDocuments(ctx)
}

func (s *Service) MarkFailed(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, StatusFailed)
}

// Submit queues a raw payload for ingestion. Duplicate payloads are caught
// here early, before they ever hit the bus.
func (s *Service) Submit(ctx context.Context, raw normalize.RawDocument) (string, error) {
	docID := DocumentID(raw.Payload, raw.SourceURI)

	if existing, err := s.repo.GetDocument(ctx, docID); err == nil {
		slog.InfoContext(ctx, "duplicate payload, skipping publish", "document_id", existing.ID)
		return existing.ID, ErrUnchanged
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{
		"payload":        raw.Payload,
		"source_uri":     raw.SourceURI,
		"source_type":    raw.SourceType,
		"fetched_at":     raw.FetchedAt.UTC().Format(time.RFC3339),
		"correlation_id": middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return "", err
	}

	if err := s.pub.Publish(config.TopicIngestDocument, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish ingest task", "error", err, "source_uri", raw.SourceURI)
		return "", err
	}
	slog.InfoContext(ctx, "published ingest task", "source_uri", raw.SourceURI, "document_id", docID)
	return docID, nil
}
