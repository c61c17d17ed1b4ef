package provider

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudarb/cloudarb/internal/domain"
)

// RetryPolicy configures the exponential-backoff-with-jitter retry
// discipline every adapter applies to transient failures (spec §4.1).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Ceiling    time.Duration
}

// DefaultRetryPolicy matches the aggregator's default adapter.backoff
// configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: 250 * time.Millisecond, Ceiling: 10 * time.Second}
}

// RateLimitedClient wraps an *http.Client with a token-bucket limiter
// (golang.org/x/time/rate) enforcing the adapter's sustainable QPS, and a
// bounded exponential-backoff retry loop for transient failures.
type RateLimitedClient struct {
	HTTP    *http.Client
	Limiter *rate.Limiter
	Retry   RetryPolicy
}

// NewRateLimitedClient builds a client enforcing qps with burst 1 and the
// given retry policy.
func NewRateLimitedClient(httpClient *http.Client, qps float64, retry RetryPolicy) *RateLimitedClient {
	if qps <= 0 {
		qps = 1
	}
	return &RateLimitedClient{
		HTTP:    httpClient,
		Limiter: rate.NewLimiter(rate.Limit(qps), 1),
		Retry:   retry,
	}
}

// isTransientStatus reports whether an HTTP status code should be retried.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// isAuthStatus reports whether an HTTP status code is a non-retryable
// authentication/authorization failure (spec §4.1 "Authentication").
func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Do executes req, blocking on the rate limiter and retrying transient
// failures with exponential backoff and jitter, honoring ctx cancellation
// between attempts. Returns *domain.AdapterError classified as
// auth/transient/schema per spec §4.1/§7; callers distinguish via
// errors.Is against the domain sentinels.
func (c *RateLimitedClient) Do(ctx context.Context, provider domain.CloudProvider, region string, req *http.Request) (*http.Response, error) {
	delay := c.Retry.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= c.Retry.MaxRetries; attempt++ {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, domain.NewAdapterError(provider, region, "rate_limit_wait", err)
		}

		resp, err := c.HTTP.Do(req.Clone(ctx))
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.NewAdapterError(provider, region, "fetch", ctx.Err())
			}
			lastErr = domain.NewAdapterError(provider, region, "fetch", domain.ErrProviderTransient)
		} else if isAuthStatus(resp.StatusCode) {
			resp.Body.Close()
			return nil, domain.NewAdapterError(provider, region, "fetch", domain.ErrProviderAuth)
		} else if isTransientStatus(resp.StatusCode) {
			resp.Body.Close()
			lastErr = domain.NewAdapterError(provider, region, "fetch", domain.ErrProviderTransient)
		} else {
			return resp, nil
		}

		if attempt == c.Retry.MaxRetries {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		wait := delay + jitter
		if wait > c.Retry.Ceiling {
			wait = c.Retry.Ceiling
		}

		select {
		case <-ctx.Done():
			return nil, domain.NewAdapterError(provider, region, "fetch", ctx.Err())
		case <-time.After(wait):
		}

		delay *= 2
		if delay > c.Retry.Ceiling {
			delay = c.Retry.Ceiling
		}
	}

	return nil, lastErr
}
