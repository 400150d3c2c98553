package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/config"
)

// Guard protects one upstream dependency with a breaker and a retry policy.
type Guard struct {
	Name    string
	Backoff Backoff
	Breaker *Breaker
}

// NewGuard builds a guard for the named dependency from config.
func NewGuard(name string, cfg config.ResilienceConfig) *Guard {
	return &Guard{
		Name: name,
		Backoff: Backoff{
			Attempts: cfg.MaxAttempts,
			Initial:  time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
			Max:      time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
			Jitter:   0.25,
		},
		Breaker: NewBreaker(cfg.FailureThreshold, time.Duration(cfg.ResetTimeoutSecs)*time.Second),
	}
}

// Call runs fn under g. Each attempt is checked against the breaker, so a
// breaker that opens mid-retry stops the loop with ErrOpen.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	onRetry := func(attempt int, err error) {
		zap.L().Warn("resilience: retrying upstream call",
			zap.String("dependency", g.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return Retry(ctx, g.Backoff, onRetry, func(ctx context.Context) (T, error) {
		var zero T
		if err := g.Breaker.Allow(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		g.Breaker.Record(err)
		return v, err
	})
}

// Guards is a registry of per-dependency guards sharing one config.
type Guards struct {
	cfg config.ResilienceConfig

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewGuards creates an empty registry.
func NewGuards(cfg config.ResilienceConfig) *Guards {
	return &Guards{cfg: cfg, guards: make(map[string]*Guard)}
}

// Get returns the guard for name, creating it on first use.
func (r *Guards) Get(name string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[name]
	if !ok {
		g = NewGuard(name, r.cfg)
		r.guards[name] = g
	}
	return g
}

// States returns breaker states keyed by dependency name.
func (r *Guards) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.guards))
	for name, g := range r.guards {
		out[name] = g.Breaker.State().String()
	}
	return out
}
