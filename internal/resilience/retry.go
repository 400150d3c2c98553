package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff describes how many attempts a call gets and how long to wait
// between them.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Jitter is a fraction of the computed delay, applied in both directions.
	Jitter float64
}

func (b Backoff) normalized() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = 3
	}
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	d := float64(b.Initial) * math.Pow(2, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * b.Jitter
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, returns a non-transient error, the
// attempts run out or ctx is done. onRetry may be nil.
func Retry[T any](ctx context.Context, b Backoff, onRetry func(attempt int, err error), fn func(context.Context) (T, error)) (T, error) {
	b = b.normalized()
	var zero T
	var lastErr error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) || attempt == b.Attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}
