// Package weather provides a client for the extreme-weather risk oracle.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client reports the probability of extreme weather near a point.
type Client interface {
	// WeatherRisk returns a value in [0, 1] for the given coordinates over
	// the trailing windowDays, counting a day as extreme when at least
	// extremePercent of the nearby sensors flag it.
	WeatherRisk(ctx context.Context, lat, lon float64, windowDays int, extremePercent float64) (float64, error)
}

// APIError is a non-200 response from the oracle.
type APIError struct {
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("weather: oracle returned status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int { return e.Code }

type riskResponse struct {
	Risk    float64 `json:"risk"`
	Sensors int     `json:"sensors,omitempty"`
}

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

// NewClient creates an oracle client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:8502",
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) WeatherRisk(ctx context.Context, lat, lon float64, windowDays int, extremePercent float64) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "weather: rate limit")
	}

	params := url.Values{
		"lat":             {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":             {strconv.FormatFloat(lon, 'f', -1, 64)},
		"timeframe_days":  {strconv.Itoa(windowDays)},
		"percent_extreme": {strconv.FormatFloat(extremePercent, 'f', -1, 64)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/extreme-weather?"+params.Encode(), nil)
	if err != nil {
		return 0, eris.Wrap(err, "weather: build request")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "weather: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, eris.Wrap(err, "weather: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, eris.Wrap(&APIError{Code: resp.StatusCode, Body: string(body)}, "weather: risk")
	}

	var out riskResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, eris.Wrap(err, "weather: parse response")
	}
	if out.Risk < 0 || out.Risk > 1 {
		return 0, eris.Errorf("weather: risk %v outside [0, 1]", out.Risk)
	}
	return out.Risk, nil
}
