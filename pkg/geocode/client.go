// Package geocode resolves a property's postcode to coordinates using the
// OpenStreetMap Nominatim search API.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoMatch is returned when the postcode resolves to nothing.
var ErrNoMatch = eris.New("geocode: no match")

// Client resolves postcodes to coordinates.
type Client interface {
	Geocode(ctx context.Context, postcode, country string) (*Result, error)
}

// Result holds a resolved location.
type Result struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	DisplayName string  `json:"display_name"`
}

// APIError is a non-200 response from Nominatim.
type APIError struct {
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("geocode: nominatim returned status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int { return e.Code }

// Option configures the geocoder.
type Option func(*nominatim)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(n *nominatim) { n.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *nominatim) { n.http = hc }
}

// WithUserAgent sets the User-Agent Nominatim's usage policy requires.
func WithUserAgent(ua string) Option {
	return func(n *nominatim) { n.userAgent = ua }
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(n *nominatim) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCacheTTL sets how long resolved postcodes are remembered.
func WithCacheTTL(ttl time.Duration) Option {
	return func(n *nominatim) { n.cache = newCache(ttl) }
}

type nominatim struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	cache     *cache
}

// NewClient creates a Nominatim-backed Client. The default limit of one
// request per second follows the public instance's usage policy.
func NewClient(opts ...Option) Client {
	n := &nominatim{
		baseURL:   "https://nominatim.openstreetmap.org",
		userAgent: "claims-adjudication/1.0",
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(1, 1),
		cache:     newCache(24 * time.Hour),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type searchHit struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (n *nominatim) Geocode(ctx context.Context, postcode, country string) (*Result, error) {
	key := cacheKey(postcode, country)
	if r, ok := n.cache.get(key); ok {
		zap.L().Debug("geocode: cache hit", zap.String("key", key))
		return r, nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	params := url.Values{
		"postalcode": {normalize(postcode)},
		"format":     {"jsonv2"},
		"limit":      {"1"},
	}
	if country != "" {
		params.Set("countrycodes", lower(country))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&APIError{Code: resp.StatusCode, Body: string(body)}, "geocode: search")
	}

	var hits []searchHit
	if err := json.Unmarshal(body, &hits); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}
	if len(hits) == 0 {
		return nil, eris.Wrapf(ErrNoMatch, "geocode: %s %s", postcode, country)
	}

	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: parse lat")
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: parse lon")
	}

	r := &Result{Latitude: lat, Longitude: lon, DisplayName: hits[0].DisplayName}
	n.cache.set(key, r)
	return r, nil
}

// cache wraps go-cache with typed access.
type cache struct {
	c *gocache.Cache
}

func newCache(ttl time.Duration) *cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &cache{c: gocache.New(ttl, ttl*2)}
}

func (c *cache) get(key string) (*Result, bool) {
	if v, ok := c.c.Get(key); ok {
		r := v.(Result)
		return &r, true
	}
	return nil, false
}

func (c *cache) set(key string, r *Result) {
	c.c.SetDefault(key, *r)
}
