package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnhealthy is returned when a probe keeps failing past its retries
var ErrUnhealthy = errors.New("endpoint failed its health check")

// CheckType selects how an endpoint is probed
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one endpoint
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how long a task gets to become healthy
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failed probes before giving up
	Retries int
}

// DefaultConfig returns the probe defaults
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  12,
	}
}

// Status tracks consecutive probe outcomes for one endpoint
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// Update records a probe result. The endpoint turns healthy on the first
// success and unhealthy once failures reach the retry threshold.
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// Exhausted reports whether the endpoint has used up its retries
func (s *Status) Exhausted(config Config) bool {
	return !s.Healthy && s.ConsecutiveFailures >= config.Retries
}

// WaitHealthy probes until the checker passes once or fails Retries times
// in a row
func WaitHealthy(ctx context.Context, checker Checker, config Config) (Result, error) {
	if config.Retries < 1 {
		config.Retries = 1
	}

	status := &Status{}
	for {
		probeCtx := ctx
		cancel := func() {}
		if config.Timeout > 0 {
			probeCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		}
		status.Update(checker.Check(probeCtx), config)
		cancel()

		if status.Healthy {
			return status.LastResult, nil
		}
		if status.Exhausted(config) {
			return status.LastResult, fmt.Errorf("%w after %d %s probes: %s",
				ErrUnhealthy, status.ConsecutiveFailures, checker.Type(), status.LastResult.Message)
		}

		select {
		case <-ctx.Done():
			return status.LastResult, ctx.Err()
		case <-time.After(config.Interval):
		}
	}
}
