// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

type Config struct {
	MaxAttempts   int           // total attempts including the first
	InitialDelay  time.Duration // delay after the first failure
	MaxDelay      time.Duration // cap for a single delay
	BackoffFactor float64       // multiplier applied after each failure
	JitterFactor  float64       // share of the delay added as random jitter
	// ShouldRetry reports whether err (from the given 1-based attempt) is
	// worth another try. Nil retries every error.
	ShouldRetry func(err error, attempt int) bool
}

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:   4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      8 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
	}
}

func (c *Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("MaxAttempts must be > 0")
	}
	if c.InitialDelay < 0 {
		return errors.New("InitialDelay must be >= 0")
	}
	if c.MaxDelay < c.InitialDelay {
		return errors.New("MaxDelay must be >= InitialDelay")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be >= 1.0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1.0 {
		return errors.New("JitterFactor must be between 0.0 and 1.0")
	}
	return nil
}

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func withJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || delay <= 0 {
		return delay
	}
	return delay + time.Duration(jitterFactor*float64(delay)*rand.Float64())
}

func nextDelay(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// Do runs op until it succeeds, ShouldRetry refuses, the attempts run out
// or ctx is done. A refused error is returned unwrapped.
func Do[T any](ctx context.Context, cfg *Config, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Validate(); err != nil {
		return zero, fmt.Errorf("invalid retry config: %w", err)
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err, attempt) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := withJitter(delay, cfg.JitterFactor)
		slog.Warn("operation failed, retrying",
			"operation", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", sleep,
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
			delay = nextDelay(delay, cfg.BackoffFactor, cfg.MaxDelay)
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}
