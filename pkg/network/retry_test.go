package network

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), true},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"unknown", status.Error(codes.Unknown, "?"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"rate limited", status.Error(codes.ResourceExhausted, "slow down"), false},
		{"circuit open", fmt.Errorf("peer x: %w", ErrCircuitOpen), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestRetrier_Backoff(t *testing.T) {
	r := &retrier{cfg: RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.2}.withDefaults()}

	for attempt, base := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second} {
		d := r.calculateBackoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2), "attempt %d", attempt)
	}
}

func TestRetrier_Do(t *testing.T) {
	r := &retrier{
		cfg:    RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}.withDefaults(),
		logger: zaptest.NewLogger(t),
	}
	ctx := context.Background()

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := r.do(ctx, "p", "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return status.Error(codes.Unavailable, "down")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := r.do(ctx, "p", "op", func(context.Context) error {
			calls++
			return status.Error(codes.Unavailable, "down")
		})
		assert.Equal(t, codes.Unavailable, status.Code(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non retryable", func(t *testing.T) {
		calls := 0
		err := r.do(ctx, "p", "op", func(context.Context) error {
			calls++
			return status.Error(codes.InvalidArgument, "bad")
		})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := r.do(cctx, "p", "op", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
