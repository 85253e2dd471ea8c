package answer

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"athenaeum/internal/retrieval"
)

// Citation ties one claim-supporting chunk to its retrieval relevance.
type Citation struct {
	ChunkID        string  `json:"chunk_id"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Answer is the engine's final output. Ungrounded answers carry no text and
// zero confidence; fabricating prose without evidence is never an option.
type Answer struct {
	ID         string     `json:"answer_id"`
	QueryID    string     `json:"query_id"`
	Text       string     `json:"text,omitempty"`
	Confidence float64    `json:"confidence"`
	Citations  []Citation `json:"citations"`
	Ungrounded bool       `json:"ungrounded"`
}

type Generator interface {
	Generate(ctx context.Context, requestID, query string, contextChunks []string) (string, error)
}

type Synthesizer struct {
	generator Generator
	scorer    Scorer
	timeout   time.Duration
	retries   uint64
}

func NewSynthesizer(g Generator, supportFloor float64, timeout time.Duration, retries int) *Synthesizer {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Synthesizer{
		generator: g,
		scorer:    Scorer{SupportFloor: supportFloor},
		timeout:   timeout,
		retries:   uint64(retries),
	}
}

// Ungrounded builds the explicit no-answer result for a query.
func Ungrounded(queryID string) *Answer {
	return &Answer{
		ID:         uuid.New().String(),
		QueryID:    queryID,
		Confidence: 0,
		Citations:  []Citation{},
		Ungrounded: true,
	}
}

// Synthesize invokes the generation collaborator with the query and its
// grounding and scores the result. Retried calls reuse one request id so
// the provider can deduplicate. Citations reference only chunks that were
// actually passed as grounding.
func (s *Synthesizer) Synthesize(ctx context.Context, queryID, queryText string, grounding []retrieval.Result) (*Answer, error) {
	if len(grounding) == 0 {
		return Ungrounded(queryID), nil
	}

	texts := make([]string, len(grounding))
	similarities := make([]float64, len(grounding))
	citations := make([]Citation, len(grounding))
	for i, g := range grounding {
		texts[i] = g.Chunk.Text
		similarities[i] = g.Similarity
		citations[i] = Citation{ChunkID: g.Chunk.ID, RelevanceScore: g.Similarity}
	}

	requestID := uuid.New().String()

	var generated string
	operation := func() error {
		genCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		var err error
		generated, err = s.generator.Generate(genCtx, requestID, queryText, texts)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		slog.ErrorContext(ctx, "generation exhausted retries", "error", err, "query_id", queryID, "request_id", requestID)
		return nil, err
	}

	return &Answer{
		ID:         uuid.New().String(),
		QueryID:    queryID,
		Text:       generated,
		Confidence: s.scorer.Score(generated, similarities, texts),
		Citations:  citations,
		Ungrounded: false,
	}, nil
}
