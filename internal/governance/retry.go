package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/papforge/pap/pkg/api"
)

// RetryConfig defines retry behavior for a step.
type RetryConfig struct {
	// MaxRetries is the number of re-executions after the first attempt
	// (0 = single attempt).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the delay grows.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to each delay.
	Jitter bool
}

// DefaultRetryConfig returns the backoff shape used when a step declares a
// retry budget without further tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy decides whether and when a failed step attempt is re-executed.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a policy, filling unset fields with defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the policy configuration.
func (rp *RetryPolicy) Config() RetryConfig { return rp.config }

// ShouldRetry reports whether the attempt (0-based) should be re-executed.
// Only StepError failures consume the retry budget; cancelled contexts,
// timeouts, and engine faults are surfaced immediately.
func (rp *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if se, ok := api.AsStepError(err); ok {
		return se.Retryable()
	}
	return false
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff > 0 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff/4) + 1))
	}
	return backoff
}

// Wait sleeps for the attempt's backoff or returns early on cancellation.
func (rp *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(rp.CalculateBackoff(attempt)):
		return nil
	}
}

// ResolveTimeout picks the effective deadline for a step: the smallest of
// the step's own timeout and the run default, zero meaning unlimited.
func ResolveTimeout(stepMS, defaultMS int) time.Duration {
	pick := func(a, b int) int {
		switch {
		case a <= 0:
			return b
		case b <= 0:
			return a
		case a < b:
			return a
		default:
			return b
		}
	}
	ms := pick(stepMS, defaultMS)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
