package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// BackoffConfig contains configuration for fixed or exponential backoff.
// A Multiplier of 1 gives a fixed delay between attempts.
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns the exponential policy used while waiting for
// the database at startup
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// FixedBackoffConfig returns a policy that sleeps delay between each of attempts tries
func FixedBackoffConfig(delay time.Duration, attempts int) BackoffConfig {
	return BackoffConfig{
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
		MaxAttempts:  attempts,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// NotifyFunc is called before sleeping ahead of the next attempt
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Backoff runs operations under a BackoffConfig
type Backoff struct {
	config BackoffConfig
	notify NotifyFunc
}

func NewBackoff(config BackoffConfig) *Backoff {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Backoff{config: config}
}

// WithNotify registers a callback invoked on every retry
func (b *Backoff) WithNotify(fn NotifyFunc) *Backoff {
	b.notify = fn
	return b
}

// Retry retries every error
func (b *Backoff) Retry(ctx context.Context, operation func(ctx context.Context) error) error {
	return b.RetryIf(ctx, operation, func(error) bool { return true })
}

// RetryIf executes operation until it succeeds, returns an error isRetryable
// rejects, or runs out of attempts. Exhaustion yields *ExhaustedError.
// Context cancellation is returned as is.
func (b *Backoff) RetryIf(ctx context.Context, operation func(ctx context.Context) error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == b.config.MaxAttempts {
			break
		}

		delay := b.Delay(attempt)
		if b.notify != nil {
			b.notify(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: b.config.MaxAttempts, Last: lastErr}
}

// Delay returns the pause that follows the given attempt
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
		if delay > float64(b.config.MaxDelay) {
			break
		}
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// ±25%
	if b.config.Jitter {
		delay += (rand.Float64() - 0.5) * 0.5 * delay
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}
