package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/cascade/pkg/schema"
)

const (
	// DefaultMaxRetries bounds hard-failure retries per node.
	DefaultMaxRetries = 3
	// DefaultMaxRateLimitWaits bounds rate-limit waits per node, counted
	// independently of the retry budget.
	DefaultMaxRateLimitWaits = 12

	// defaultRateLimitDelay is the wait for a bare 429 with no hint.
	defaultRateLimitDelay = 2500 * time.Millisecond
	// rateLimitSafetyMargin is added on top of every rate-limit wait.
	rateLimitSafetyMargin = 250 * time.Millisecond
)

var tryAgainPattern = regexp.MustCompile(`try again in ([0-9]+(?:\.[0-9]+)?)\s*s`)

// AttemptFunc runs one execution attempt. The attempt number is monotonically
// increasing across both hard-failure retries and rate-limit waits, so each
// invocation maps to exactly one tracing span.
type AttemptFunc func(ctx context.Context, attempt int) (*schema.ExecutionResult, error)

// RetryController wraps a single node's execution in a bounded retry loop
// with rate-limit-aware backoff. Rate-limited attempts never consume the
// retry budget; they have their own, larger counter.
type RetryController struct {
	maxRetries        int
	maxRateLimitWaits int
	logger            *slog.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryController creates a controller with the default budgets.
func NewRetryController(logger *slog.Logger) *RetryController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryController{
		maxRetries:        DefaultMaxRetries,
		maxRateLimitWaits: DefaultMaxRateLimitWaits,
		logger:            logger,
		sleep:             sleepContext,
	}
}

// Execute runs fn until terminal success or a terminal failure classification.
// Quota-exceeded and other non-retryable errors return immediately. Exhausting
// either budget returns an ErrCodeRetryExhausted error wrapping the last
// attempt's error; the caller escalates to the user from there.
func (rc *RetryController) Execute(ctx context.Context, fn AttemptFunc) (*schema.ExecutionResult, error) {
	attempt := 1
	failures := 0
	rateLimitWaits := 0

	for {
		res, err := fn(ctx, attempt)
		if err == nil {
			return res, nil
		}

		if delay, rateLimited := RateLimitDelay(err); rateLimited {
			rateLimitWaits++
			if rateLimitWaits > rc.maxRateLimitWaits {
				return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"rate limited %d times, giving up", rateLimitWaits-1).WithCause(err)
			}
			wait := delay + rateLimitSafetyMargin
			rc.logger.WarnContext(ctx, "rate limited, backing off",
				"wait", wait, "rate_limit_waits", rateLimitWaits, "attempt", attempt)
			if sleepErr := rc.sleep(ctx, wait); sleepErr != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithCause(sleepErr)
			}
			attempt++
			continue
		}

		if IsQuotaExceeded(err) {
			// Cannot succeed on retry; short-circuits past user escalation.
			return nil, err
		}

		if !IsRetryableError(err) {
			return nil, err
		}

		failures++
		if failures >= rc.maxRetries {
			return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"failed after %d attempts", failures).WithCause(err)
		}
		rc.logger.WarnContext(ctx, "attempt failed, retrying",
			"attempt", attempt, "failures", failures, "error", err)
		attempt++
	}
}

// RateLimitDelay classifies rate-limit errors and computes the wait before
// the next attempt (excluding the safety margin). Detection, in order: an
// explicit retry-after hint on a CascadeError, a "try again in Ns" message
// pattern, an HTTP 429 / too-many-requests message.
func RateLimitDelay(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var cascErr *schema.CascadeError
	if errors.As(err, &cascErr) {
		if cascErr.RetryAfterS > 0 {
			return time.Duration(cascErr.RetryAfterS * float64(time.Second)), true
		}
		if cascErr.Code == schema.ErrCodeRateLimited {
			return defaultRateLimitDelay, true
		}
	}

	msg := strings.ToLower(err.Error())
	if m := tryAgainPattern.FindStringSubmatch(msg); m != nil {
		if secs, parseErr := strconv.ParseFloat(m[1], 64); parseErr == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return defaultRateLimitDelay, true
	}

	return 0, false
}

// IsQuotaExceeded reports whether an error is a non-recoverable quota error.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var cascErr *schema.CascadeError
	if errors.As(err, &cascErr) && cascErr.Code == schema.ErrCodeQuotaExceeded {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "quota exceeded")
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, user declines, typed CascadeErrors with
// non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is retryable (attempt timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable. The run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// CascadeError checks its own code.
	var cascErr *schema.CascadeError
	if errors.As(err, &cascErr) {
		return cascErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable; the budgets limit attempts.
	return true
}

// sleepContext sleeps for d or returns early if the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
