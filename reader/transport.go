package reader

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/models"

	"golang.org/x/time/rate"
)

// userAgentTransport wraps an existing RoundTripper and sets a custom
// User-Agent header on all outgoing requests.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	if t.base != nil {
		return t.base.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// NewHTTPClient builds the pooled client every venue adapter talks through.
// Zero pool values fall back to net/http defaults.
func NewHTTPClient(pool config.ConnectionPoolConfig, timeout time.Duration, agent string) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if pool.MaxIdleConns > 0 {
		transport.MaxIdleConns = pool.MaxIdleConns
		transport.MaxIdleConnsPerHost = pool.MaxIdleConns
	}
	if pool.MaxConnsPerHost > 0 {
		transport.MaxConnsPerHost = pool.MaxConnsPerHost
	}
	if pool.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = pool.IdleConnTimeout
	}

	return &http.Client{
		Transport: userAgentTransport{agent: agent, base: transport},
		Timeout:   timeout,
	}
}

// NewLimiter returns the per-venue request limiter, or nil when limiting is off.
func NewLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// BaseURL strips a trailing slash so paths can be appended directly.
func BaseURL(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	return strings.TrimRight(raw, "/")
}

// Outcome maps an adapter error onto the upstream metric outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, models.ErrNoData):
		return metrics.OutcomeNoData
	default:
		return metrics.OutcomeError
	}
}
