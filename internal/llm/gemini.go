package llm

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sells-group/docintel/internal/resilience"
)

// Gemini adapts the Google GenAI SDK to Completer.
type Gemini struct {
	models *genai.Models
	model  string
}

// NewGemini creates a Gemini API client for model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: create gemini client")
	}
	return &Gemini{models: client.Models, model: model}, nil
}

// Complete implements Completer.
func (g *Gemini) Complete(ctx context.Context, system, user string, opts Options) (*Completion, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(opts.Temperature)),
		MaxOutputTokens: int32(maxTokens(opts)),
	}
	if opts.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	result, err := g.models.GenerateContent(ctx, g.model, genai.Text(user), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.Code) {
			return nil, resilience.NewTransientError(err, apiErr.Code)
		}
		return nil, eris.Wrap(err, "llm: gemini complete")
	}

	tokens := 0
	if result.UsageMetadata != nil {
		tokens = int(result.UsageMetadata.TotalTokenCount)
	}
	zap.L().Debug("llm: gemini usage",
		zap.String("model", g.model),
		zap.Int("tokens", tokens),
	)

	return &Completion{
		Content:    result.Text(),
		TokensUsed: tokens,
		Model:      g.model,
	}, nil
}
