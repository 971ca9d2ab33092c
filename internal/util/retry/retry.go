package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	Interval    time.Duration
	Clock       clock.Clock
}

// Option is a functional option for retry configuration.
type Option func(*Config)

// Do runs operation until it succeeds, returns an error wrapped with
// Fatal(), or MaxAttempts attempts have been made. Attempts are numbered
// from 1. Between attempts Do blocks for Interval; the loop is synchronous
// and runs to completion once started.
//
// Do returns the number of attempts made. A fatal error is returned
// unwrapped; exhaustion is reported as an *ExhaustedError wrapping the last
// error.
func Do(operation func(attempt int) error, opts ...Option) (int, error) {
	cfg := &Config{
		MaxAttempts: 3,
		Interval:    time.Second,
		Clock:       clock.New(),
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(attempt)
		if err == nil {
			return attempt, nil
		}

		var fatalErr *FatalError
		if errors.As(err, &fatalErr) {
			return attempt, fatalErr.Err
		}
		lastErr = err

		if attempt < cfg.MaxAttempts && cfg.Interval > 0 {
			cfg.Clock.Sleep(cfg.Interval)
		}
	}

	return cfg.MaxAttempts, &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithInterval sets the delay between attempts.
func WithInterval(d time.Duration) Option {
	return func(c *Config) {
		c.Interval = d
	}
}

// WithClock sets the clock used to sleep between attempts.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// ExhaustedError reports that every attempt failed with a retryable error.
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

// IsExhausted checks if an error reports an exhausted retry budget.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// FatalError wraps an error to mark it as fatal (non-retryable).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks an error as fatal (non-retryable).
// Operations that encounter fatal errors will not be retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal checks if an error is fatal (non-retryable).
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}
