// Package scorer provides a client for the damage classifier service that
// grades an evidence photo on the 0..2 severity scale.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// MaxSeverity is the highest grade the classifier emits.
const MaxSeverity = 2

// Client scores evidence photos.
type Client interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error)
}

// ScoreRequest identifies the evidence to grade.
type ScoreRequest struct {
	ClaimID      string `json:"claim_id"`
	EvidenceID   string `json:"evidence_id"`
	EvidencePath string `json:"evidence_path"`
}

// ScoreResponse is the classifier verdict.
type ScoreResponse struct {
	Severity   int     `json:"severity"`
	Confidence float64 `json:"confidence,omitempty"`
	Model      string  `json:"model,omitempty"`
}

// APIError is a non-200 response from the classifier.
type APIError struct {
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scorer: classifier returned status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int { return e.Code }

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit caps requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a classifier client. apiKey may be empty for
// unauthenticated deployments.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:8501",
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	if req.EvidencePath == "" {
		return nil, eris.New("scorer: evidence path is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "scorer: rate limit")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "scorer: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&APIError{Code: resp.StatusCode, Body: string(body)}, "scorer: score")
	}

	var out ScoreResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "scorer: parse response")
	}
	if out.Severity < 0 || out.Severity > MaxSeverity {
		return nil, eris.Errorf("scorer: severity %d out of range", out.Severity)
	}
	return &out, nil
}
