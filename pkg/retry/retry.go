// Package retry provides utilities for retrying remote operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error)
}

// Option is a functional option for retry configuration.
type Option func(*Config)

// Do executes the operation, retrying failed attempts according to opts.
// Without options it retries 3 times with a fixed 10s delay.
//
// Errors wrapped with Fatal() are not retried.
func Do(ctx context.Context, operation func() error, opts ...Option) error {
	cfg := &Config{
		MaxRetries:   3,
		InitialDelay: 10 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   1.0,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if IsFatal(err) {
			return err
		}

		if attempt < cfg.MaxRetries {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt+1, err)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled after %d attempts: %w", attempt+1, ctx.Err())
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * cfg.Multiplier)
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// WithExponentialBackoff executes the operation with exponentially increasing delays.
func WithExponentialBackoff(ctx context.Context, operation func() error, opts ...Option) error {
	base := []Option{
		WithMaxRetries(5),
		WithInitialDelay(time.Second),
		WithMaxDelay(30 * time.Second),
		WithMultiplier(2.0),
	}
	return Do(ctx, operation, append(base, opts...)...)
}

// Fixed configures attempts total tries with a constant delay between them.
func Fixed(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		if attempts < 1 {
			attempts = 1
		}
		c.MaxRetries = attempts - 1
		c.InitialDelay = delay
		c.MaxDelay = delay
		c.Multiplier = 1.0
	}
}

// WithMaxRetries sets the maximum number of retries.
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

// WithInitialDelay sets the initial delay between retries.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		c.InitialDelay = d
	}
}

// WithMaxDelay sets the maximum delay between retries.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		c.MaxDelay = d
	}
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(c *Config) {
		c.Multiplier = m
	}
}

// WithOnRetry registers a callback invoked before each retry.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(c *Config) {
		c.OnRetry = fn
	}
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
