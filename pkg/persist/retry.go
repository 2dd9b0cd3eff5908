package persist

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// retryConfig holds the backoff parameters for persistent-tier writes.
// Storage is best-effort, so the budget is deliberately small.
type retryConfig struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxAttempts:    3,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
		multiplier:     2.0,
	}
}

// retryWithBackoff executes fn with jittered exponential backoff,
// respecting context cancellation between attempts.
func retryWithBackoff(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	backoff := cfg.initialBackoff

	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt >= cfg.maxAttempts {
			break
		}

		// ±20% jitter.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * cfg.multiplier)
		if backoff > cfg.maxBackoff {
			backoff = cfg.maxBackoff
		}
	}

	return fmt.Errorf("retry attempts exhausted: %w", lastErr)
}
