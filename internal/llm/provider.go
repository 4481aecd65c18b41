package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/config"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/pkg/anthropic"
)

// FromConfig builds the configured provider, wrapped in Guarded.
func FromConfig(ctx context.Context, cfg *config.Config, stage string) (Completer, error) {
	var (
		base Completer
		err  error
	)
	switch cfg.LLM.Provider {
	case "anthropic":
		for model, p := range cfg.Pricing.Anthropic {
			anthropic.SetPricing(model, p.Input, p.Output)
		}
		base = NewAnthropic(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model, stage)
	case "gemini":
		base, err = NewGemini(ctx, cfg.Gemini.Key, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("llm: unknown provider %q", cfg.LLM.Provider)
	}

	retry, breaker := resilience.FromConfig(cfg.LLM.Provider, cfg.Resilience)
	return NewGuarded(base,
		WithRateLimit(cfg.LLM.RequestsPerSecond, cfg.LLM.Burst),
		WithRetry(retry),
		WithBreaker(resilience.NewCircuitBreaker(breaker)),
		WithTimeout(time.Duration(cfg.LLM.TimeoutSecs)*time.Second),
	), nil
}
