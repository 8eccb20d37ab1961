// Package retry provides an exponential-backoff loop for transient
// storage/upstream errors, generalized from a transaction-submission
// retry helper to a generic idempotent call-retry wrapper. Neither the
// Sync Engine nor the Processor calls it.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config controls Do's backoff schedule.
type Config struct {
	MaxAttempts    int           // default 5
	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 30s
}

// DefaultConfig returns the default retry schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// ErrPermanent wraps an error to signal Do should not retry it, for
// callers of fn that can tell a permanent failure apart from a
// transient one (e.g. a decoder miss, a handler panic recovery).
type ErrPermanent struct{ Err error }

func (e ErrPermanent) Error() string { return e.Err.Error() }
func (e ErrPermanent) Unwrap() error { return e.Err }

// Do calls fn, retrying on error with exponential backoff until
// MaxAttempts is exhausted, ctx is canceled, or fn returns an error
// wrapped in ErrPermanent. It never retries a nil error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalize()
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm ErrPermanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}
