package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// Embedder wraps the Gemini embedding model. A token bucket throttles
// outbound calls so ingestion bursts don't trip provider quotas.
type Embedder struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

func NewEmbedder(ctx context.Context, apiKey, model string, rps, burst int) (*Embedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = rps
	}
	return &Embedder{
		client:  client,
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "embedding content", "model", e.model, "length", len(text))
	em := e.client.EmbeddingModel(e.model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err)
		return nil, err
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("embedding model %s returned no vector", e.model)
	}
	return res.Embedding.Values, nil
}

// ModelVersion tags embedding records so a model upgrade is visible in the
// index and can drive re-embedding.
func (e *Embedder) ModelVersion() string {
	return e.model
}
