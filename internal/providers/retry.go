package providers

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig controls the low-level HTTP retry loop each Provider wraps
// its request in (net.Error failures, connection resets, EOFs, timeouts;
// HTTP status codes are not inspected) — distinct from the
// generation loop's higher-level transient/fatal classification in
// internal/generation, which also decides whether to fall back models or
// open the circuit breaker.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterMax   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		JitterMax:   250 * time.Millisecond,
	}
}

// BackoffDelay implements spec.md's exponential-backoff-with-jitter
// formula: min(base*2^attempt, max) + jitter(0..jitterMax).
func BackoffDelay(cfg RetryConfig, attempt int) time.Duration {
	exp := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if exp > float64(cfg.MaxDelay) {
		exp = float64(cfg.MaxDelay)
	}
	jitter := time.Duration(0)
	if cfg.JitterMax > 0 {
		jitter = time.Duration(rand.Int63n(int64(cfg.JitterMax)))
	}
	return time.Duration(exp) + jitter
}

// IsRetryableHTTPError is a conservative classifier for the low-level
// retry loop: network-level failures and explicit timeouts, not
// application errors (those are handled by the caller).
func IsRetryableHTTPError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary")
}

// RetryDo runs fn, retrying on retryable errors with backoff+jitter, up
// to cfg.MaxAttempts. ctx cancellation aborts immediately without further
// retries (spec.md §5: "if the inbound is canceled, maxRetries is forced
// to 0").
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableHTTPError(err) || attempt == maxAttempts-1 {
			return zero, err
		}

		delay := BackoffDelay(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
