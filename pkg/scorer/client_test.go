package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/score", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req ScoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claims/roof.jpg", req.EvidencePath)
		assert.Equal(t, "claim-1", req.ClaimID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"severity":2,"confidence":0.91,"model":"resnet-v3"}`)
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL), WithRateLimit(100))
	resp, err := c.Score(context.Background(), ScoreRequest{ClaimID: "claim-1", EvidenceID: "ev-1", EvidencePath: "claims/roof.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Severity)
	assert.InDelta(t, 0.91, resp.Confidence, 1e-9)
	assert.Equal(t, "resnet-v3", resp.Model)
}

func TestScore_NoAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"severity":0}`)
	}))
	defer srv.Close()

	resp, err := NewClient("", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{EvidencePath: "a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Severity)
}

func TestScore_OutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"severity":7}`)
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{EvidencePath: "a.jpg"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestScore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{EvidencePath: "a.jpg"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode())
}

func TestScore_MissingPath(t *testing.T) {
	_, err := NewClient("").Score(context.Background(), ScoreRequest{ClaimID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evidence path is required")
}
