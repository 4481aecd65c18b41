package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/docintel/internal/resilience"
)

// Guarded wraps a Completer with a rate limiter, retry on transient errors
// and a circuit breaker.
type Guarded struct {
	next    Completer
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// GuardOption configures a Guarded completer.
type GuardOption func(*Guarded)

// WithRateLimit caps calls per second. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) GuardOption {
	return func(g *Guarded) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the retry policy.
func WithRetry(cfg resilience.RetryConfig) GuardOption {
	return func(g *Guarded) { g.retry = cfg }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) GuardOption {
	return func(g *Guarded) { g.breaker = cb }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) { g.timeout = d }
}

// NewGuarded wraps next.
func NewGuarded(next Completer, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:    next,
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete implements Completer.
func (g *Guarded) Complete(ctx context.Context, system, user string, opts Options) (*Completion, error) {
	return resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*Completion, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "llm: rate limit wait")
			}
		}
		return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Completion, error) {
			if g.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, g.timeout)
				defer cancel()
			}
			return g.next.Complete(ctx, system, user, opts)
		})
	})
}
