package job

import (
	"context"
	"encoding/json"

	"athenaeum/internal/config"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo Repository
	pub  EventPublisher
}

func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

// Save dead-letters an exhausted ingestion message so it can be inspected
// and retried by hand.
func (s *Service) Save(ctx context.Context, documentID, handler string, payload []byte, cause string) error {
	j := &Job{
		DocumentID: documentID,
		Handler:    handler,
		Payload:    json.RawMessage(payload),
		Error:      cause,
	}
	return s.repo.Save(ctx, j)
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Retry republishes the original message and removes the dead letter. The
// consumer re-runs the full pipeline; unchanged documents short-circuit.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.pub.Publish(config.TopicIngestDocument, job.Payload); err != nil {
		return err
	}

	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
