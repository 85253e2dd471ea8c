package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Generator wraps the Gemini chat model for answer synthesis. The prompt
// constrains the model to the supplied context chunks; grounding is
// enforced again downstream by the confidence scorer.
type Generator struct {
	client *genai.Client
	model  string
}

func NewGenerator(ctx context.Context, apiKey, model string) (*Generator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Generator{client: client, model: model}, nil
}

const systemInstruction = `You answer questions using ONLY the numbered context passages provided.
Cite the passages you used as [1], [2], ... after each claim.
If the passages do not contain the answer, say so plainly instead of guessing.`

// Generate produces prose grounded in contextChunks. requestID is attached
// to logs so a retried call can be traced to the same logical request.
func (g *Generator) Generate(ctx context.Context, requestID, query string, contextChunks []string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}

	var prompt strings.Builder
	prompt.WriteString("Context passages:\n")
	for i, chunk := range contextChunks {
		fmt.Fprintf(&prompt, "[%d] %s\n\n", i+1, chunk)
	}
	prompt.WriteString("Question: ")
	prompt.WriteString(query)

	slog.DebugContext(ctx, "generating answer", "model", g.model, "request_id", requestID, "context_chunks", len(contextChunks))

	res, err := model.GenerateContent(ctx, genai.Text(prompt.String()))
	if err != nil {
		slog.ErrorContext(ctx, "generation failed", "error", err, "request_id", requestID)
		return "", err
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return "", fmt.Errorf("generation model %s returned no candidates", g.model)
	}

	var out strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("generation model %s returned no text parts", g.model)
	}
	return out.String(), nil
}
