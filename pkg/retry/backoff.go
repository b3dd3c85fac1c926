// Package retry provides exponential backoff retry logic with jitter.
//
// # Usage
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: time.Second,
//		MaxInterval:     2 * time.Minute,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      retry.Forever,
//	}
//
//	err := retry.WithRetryAdvanced(ctx, func() error {
//		return reconnect()
//	}, cfg)
//
// # Jitter
//
// With jitter enabled the actual delay is baseDelay * (0.5 + random(0, 0.5)),
// so several daemons restarted together do not reconnect in lockstep.
//
// Used by the mailbox synchronizer restart loop, the XMPP reconnect loop and
// SMTP delivery.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mailgate/mailgate/logger"
)

// Forever as MaxRetries retries until the function succeeds or ctx is done.
const Forever = -1

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay before retry number attempt (1-based).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		multiplier := config.Multiplier
		if multiplier < 1 {
			multiplier = 1
		}
		interval := float64(config.InitialInterval) * math.Pow(multiplier, float64(attempt-1))

		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)

		if config.Jitter && duration >= 2 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}

		return duration
	}
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type RetryableFunc func() error

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetryAdvanced calls fn until it succeeds, the retry budget is spent or
// ctx is done. A StopError halts retries immediately.
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; config.MaxRetries < 0 || attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 && !Sleep(ctx, backoff(attempt)) {
			return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			logger.Debug("[RETRY] stop requested", "attempt", attempts, "error", stopErr.Err)
			return stopErr.Err
		}
		logger.Debug("[RETRY] attempt failed", "attempt", attempts, "max_retries", config.MaxRetries, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
