package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/pkg/anthropic"
)

const jsonInstruction = "Respond with a single JSON object and nothing else. Do not wrap it in markdown."

// Anthropic adapts an anthropic.Client to Completer.
type Anthropic struct {
	client anthropic.Client
	model  string
	stage  string
}

// NewAnthropic returns a Completer backed by client. Stage labels cost log
// lines.
func NewAnthropic(client anthropic.Client, model, stage string) *Anthropic {
	return &Anthropic{client: client, model: model, stage: stage}
}

// Complete implements Completer.
func (a *Anthropic) Complete(ctx context.Context, system, user string, opts Options) (*Completion, error) {
	if opts.JSONMode {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}

	temp := opts.Temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   int64(maxTokens(opts)),
		System:      anthropic.BuildSystemBlocks(system, "5m"),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrap(err, "llm: anthropic complete")
	}

	resp.Usage.LogCost(a.model, a.stage)
	if resp.StopReason == "max_tokens" {
		zap.L().Warn("llm: anthropic response hit max tokens",
			zap.String("stage", a.stage),
			zap.String("message_id", resp.ID),
		)
	}

	model := resp.Model
	if model == "" {
		model = a.model
	}
	return &Completion{
		Content:    resp.Text(),
		TokensUsed: int(resp.Usage.Total()),
		Model:      model,
	}, nil
}
