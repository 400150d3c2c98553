package weather

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeatherRisk_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/extreme-weather", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "51.5", q.Get("lat"))
		assert.Equal(t, "-0.14", q.Get("lon"))
		assert.Equal(t, "21", q.Get("timeframe_days"))
		assert.Equal(t, "50", q.Get("percent_extreme"))
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		_, _ = io.WriteString(w, `{"risk":0.62,"sensors":3}`)
	}))
	defer srv.Close()

	risk, err := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(100)).
		WeatherRisk(context.Background(), 51.5, -0.14, 21, 50)
	require.NoError(t, err)
	assert.InDelta(t, 0.62, risk, 1e-9)
}

func TestWeatherRisk_OutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"risk":1.5}`)
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).WeatherRisk(context.Background(), 0, 0, 21, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [0, 1]")
}

func TestWeatherRisk_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).WeatherRisk(context.Background(), 0, 0, 21, 50)
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode())
	assert.Contains(t, apiErr.Error(), "slow down")
}

func TestWeatherRisk_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).WeatherRisk(context.Background(), 0, 0, 21, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response")
}
