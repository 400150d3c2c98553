package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/claims-adjudication/internal/config"
)

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"wrapped transient", fmt.Errorf("scorer: %w", Transient(errors.New("503"), 503)), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"io timeout", errors.New("dial tcp 10.0.0.1:443: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
	assert.Nil(t, Transient(nil, 500))
}

func TestTransientStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, TransientStatus(code), "%d", code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, TransientStatus(code), "%d", code)
	}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	retried := 0
	v, err := Retry(context.Background(), fastBackoff(3), func(int, error) { retried++ }, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transient(errors.New("busy"), 503)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retried)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastBackoff(5), nil, func(context.Context) (string, error) {
		calls++
		return "", errors.New("invalid image")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastBackoff(4), nil, func(context.Context) (float64, error) {
		calls++
		return 0, Transient(errors.New("timeout"), 504)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, Backoff{Attempts: 5, Initial: time.Hour, Max: time.Hour}, nil, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, Transient(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_DelayCapped(t *testing.T) {
	b := Backoff{Attempts: 10, Initial: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, time.Second, b.Delay(8))
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	transient := Transient(errors.New("503"), 503)
	require.NoError(t, b.Allow())
	b.Record(transient)
	assert.Equal(t, StateClosed, b.State())
	b.Record(transient)
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, errors.Is(b.Allow(), ErrOpen))

	b.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())

	b.Record(transient)
	assert.Equal(t, StateOpen, b.State(), "failed probe reopens")

	b.now = func() time.Time { return now.Add(5 * time.Minute) }
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.Record(errors.New("422 unprocessable"))
	assert.Equal(t, StateClosed, b.State())
}

func TestCall_OpenBreakerShortCircuits(t *testing.T) {
	g := NewGuard("scorer", config.ResilienceConfig{MaxAttempts: 5, InitialBackoffMs: 1, MaxBackoffMs: 2, FailureThreshold: 2, ResetTimeoutSecs: 60})

	calls := 0
	_, err := Call(context.Background(), g, func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("unavailable"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "breaker opens after two failures and stops the retry loop")
	assert.Equal(t, StateOpen, g.Breaker.State())

	_, err = Call(context.Background(), g, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.True(t, errors.Is(err, ErrOpen))
	assert.Equal(t, 2, calls)
}

func TestCall_NilGuard(t *testing.T) {
	v, err := Call(context.Background(), nil, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestGuards_Registry(t *testing.T) {
	r := NewGuards(config.ResilienceConfig{FailureThreshold: 1, ResetTimeoutSecs: 60})
	a := r.Get("weather")
	assert.Same(t, a, r.Get("weather"))

	a.Breaker.Record(Transient(errors.New("down"), 502))
	r.Get("geocode")

	states := r.States()
	assert.Equal(t, "open", states["weather"])
	assert.Equal(t, "closed", states["geocode"])
}

type fakeStatusErr int

func (e fakeStatusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e fakeStatusErr) StatusCode() int { return int(e) }

func TestIsTransient_StatusCoder(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("weather: %w", fakeStatusErr(503))))
	assert.False(t, IsTransient(fmt.Errorf("weather: %w", fakeStatusErr(400))))
}
