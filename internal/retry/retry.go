// Package retry provides the backoff-and-retry loop shared by the peer
// session's outer reconnect wrapper and the tracker client's announce
// attempts.
package retry

import (
	"context"
	"time"
)

// Operation is a unit of work retried by Do.
type Operation func(ctx context.Context, attempt int) error

// Config controls the retry loop's attempt count and delay schedule.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Linear, when set, makes delay grow as InitialDelay*attempt instead
	// of the default exponential Multiplier-based growth.
	Linear bool
	// Multiplier scales InitialDelay exponentially when Linear is false.
	Multiplier float64

	// OnRetry is called after a failed attempt, before sleeping.
	OnRetry func(attempt int, err error)
	// RetryIf reports whether err should be retried. Nil means always.
	RetryIf func(err error) bool
}

type Option func(*Config)

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option { return func(c *Config) { c.MaxAttempts = n } }

func WithLinearBackoff(initial time.Duration) Option {
	return func(c *Config) {
		c.Linear = true
		c.InitialDelay = initial
	}
}

func WithExponentialBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.Linear = false
		c.InitialDelay = initial
		c.MaxDelay = max
		c.Multiplier = multiplier
	}
}

func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

func WithRetryIf(fn func(err error) bool) Option {
	return func(c *Config) { c.RetryIf = fn }
}

// Do runs op up to Config.MaxAttempts times (attempt numbers starting at
// 1), sleeping between attempts per the configured backoff. It returns
// nil on the first successful attempt, the last error if every attempt
// fails or RetryIf rejects an error, or ctx.Err() if ctx is cancelled
// before an attempt or during a backoff sleep.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateDelay(cfg, attempt)):
		}
	}
	return lastErr
}

func calculateDelay(cfg Config, attempt int) time.Duration {
	var d time.Duration
	if cfg.Linear {
		d = cfg.InitialDelay * time.Duration(attempt)
	} else {
		d = cfg.InitialDelay
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
				d = cfg.MaxDelay
				break
			}
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
