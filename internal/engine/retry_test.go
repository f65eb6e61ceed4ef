package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cascade/pkg/schema"
)

func newTestRetry() (*RetryController, *[]time.Duration) {
	rc := NewRetryController(nil)
	var waits []time.Duration
	rc.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return rc, &waits
}

func TestRetry_SuccessFirstAttempt(t *testing.T) {
	rc, waits := newTestRetry()

	res, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		return &schema.ExecutionResult{Response: "done"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response)
	assert.Empty(t, *waits)
}

func TestRetry_RateLimitsDoNotConsumeRetryBudget(t *testing.T) {
	rc, waits := newTestRetry()

	// Five rate limits plus one hard failure, then success. With a retry
	// budget of three this only survives if rate limits are counted apart.
	calls := 0
	res, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		calls++
		if calls <= 5 {
			return nil, schema.NewError(schema.ErrCodeRateLimited, "too many requests")
		}
		if calls == 6 {
			return nil, errors.New("connection reset by peer")
		}
		return &schema.ExecutionResult{Response: "done"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response)
	assert.Equal(t, 7, calls)
	assert.Len(t, *waits, 5)
}

func TestRetry_AttemptNumberMonotonic(t *testing.T) {
	rc, _ := newTestRetry()

	var attempts []int
	_, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		attempts = append(attempts, attempt)
		switch len(attempts) {
		case 1:
			return nil, schema.NewError(schema.ErrCodeRateLimited, "429")
		case 2:
			return nil, errors.New("service unavailable")
		default:
			return &schema.ExecutionResult{Response: "done"}, nil
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestRetry_HintedDelayPlusSafetyMargin(t *testing.T) {
	rc, waits := newTestRetry()

	calls := 0
	_, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		calls++
		if calls <= 2 {
			return nil, fmt.Errorf("rate limit hit, try again in 3s")
		}
		return &schema.ExecutionResult{Response: "done"}, nil
	})
	require.NoError(t, err)
	require.Len(t, *waits, 2)
	assert.Equal(t, 3250*time.Millisecond, (*waits)[0])
	assert.Equal(t, 3250*time.Millisecond, (*waits)[1])
}

func TestRetry_BareRateLimitUsesDefaultDelay(t *testing.T) {
	rc, waits := newTestRetry()

	calls := 0
	_, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("upstream returned 429")
		}
		return &schema.ExecutionResult{Response: "done"}, nil
	})
	require.NoError(t, err)
	require.Len(t, *waits, 1)
	assert.Equal(t, defaultRateLimitDelay+rateLimitSafetyMargin, (*waits)[0])
}

func TestRetry_RetryAfterHintOnTypedError(t *testing.T) {
	err := schema.NewError(schema.ErrCodeRateLimited, "rate limited").WithRetryAfter(7.5)
	delay, ok := RateLimitDelay(err)
	require.True(t, ok)
	assert.Equal(t, 7500*time.Millisecond, delay)
}

func TestRetry_QuotaExceededShortCircuits(t *testing.T) {
	rc, waits := newTestRetry()

	calls := 0
	_, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeQuotaExceeded, "insufficient_quota")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)

	var ce *schema.CascadeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeQuotaExceeded, ce.Code)
}

func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	rc, _ := newTestRetry()

	calls := 0
	_, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeValidation, "bad node config")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsRetryBudget(t *testing.T) {
	rc, _ := newTestRetry()

	calls := 0
	_, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		calls++
		return nil, errors.New("internal server error")
	})
	require.Error(t, err)
	assert.Equal(t, DefaultMaxRetries, calls)

	var ce *schema.CascadeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeRetryExhausted, ce.Code)
}

func TestRetry_ExhaustsRateLimitBudget(t *testing.T) {
	rc, waits := newTestRetry()

	_, err := rc.Execute(context.Background(), func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		return nil, schema.NewError(schema.ErrCodeRateLimited, "too many requests")
	})
	require.Error(t, err)
	assert.Len(t, *waits, DefaultMaxRateLimitWaits)

	var ce *schema.CascadeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeRetryExhausted, ce.Code)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"context cancelled", context.Canceled, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"bad gateway", errors.New("502 bad gateway"), true},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"user declined", schema.NewError(schema.ErrCodeUserDeclined, "no"), false},
		{"execution error", schema.NewError(schema.ErrCodeExecution, "boom"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
