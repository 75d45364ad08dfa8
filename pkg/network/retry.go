package network

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryConfig tunes retries of outbound calls.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		c.JitterFactor = 0.2
	}
	return c
}

type retrier struct {
	cfg    RetryConfig
	logger *zap.Logger
}

// do runs fn until it succeeds, fails with a non retryable error or the
// attempts are used up.
func (r *retrier) do(ctx context.Context, peer, operation string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		r.logger.Debug("Operation failed, retrying",
			zap.String("peer", peer),
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep on the last attempt
		if attempt < r.cfg.MaxRetries-1 {
			select {
			case <-time.After(r.calculateBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// calculateBackoff returns baseDelay * 2^attempt capped at maxDelay, with
// +/- jitterFactor jitter.
func (r *retrier) calculateBackoff(attempt int) time.Duration {
	delay := float64(r.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}

	jitter := delay * r.cfg.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(r.cfg.BaseDelay)
	}
	return time.Duration(delay)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC error, consider it retryable
		return true
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		// ResourceExhausted is the peer's flood guard; retrying makes it worse.
		return false
	}
}
