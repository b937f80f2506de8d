package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// errRetryable marks transport failures, 429s and 5xx responses.
var errRetryable = errors.New("retryable")

func markRetryable(err error) error {
	return fmt.Errorf("%w: %w", errRetryable, err)
}

// IsRetryable reports whether err came from a failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, errRetryable) || errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy bounds retries of idempotent indexer reads. Broadcasts never
// go through it.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"` // including the first
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Cap         time.Duration `yaml:"cap"`
}

// DefaultRetryPolicy returns 3 attempts with delays of about 250ms and 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2,
		Cap:         2 * time.Second,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, runs out of
// attempts, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		// Don't delay after the last attempt
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if attempts == 1 {
		return err
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}

// Delay returns the jittered backoff before retry number attempt+1:
// BaseDelay * Multiplier^attempt capped at Cap, drawn from [d/2, d].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= multiplier
		if p.Cap > 0 && d >= float64(p.Cap) {
			break
		}
	}
	delay := time.Duration(d)
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + rand.N(half+1) //nolint:gosec // jitter does not need crypto randomness
}
