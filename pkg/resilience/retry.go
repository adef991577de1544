// Package resilience provides a bounded exponential-backoff retry primitive
// with jitter. Delay for attempt n is initialDelay × multiplier^(n−1), capped
// at MaxDelay, with random jitter so concurrently-failing workers do not
// retry in lockstep.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed. Callers
// distinguish "gave up" from "not retryable" with Exhausted.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy controls retry behavior for one call site.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64

	// RetryIf decides whether an error is worth another attempt. A nil
	// RetryIf retries every error.
	RetryIf func(error) bool
}

// DefaultPolicy matches the pipeline's documented policy: 3 attempts with
// delays of roughly 1s, 2s, 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Exhausted reports whether err is the result of running out of attempts.
func Exhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx is cancelled. The returned error is nil on success,
// the original error when fn failed with a non-retryable error, and an
// ErrExhausted-wrapped error when all attempts were consumed.
func Retry(ctx context.Context, name string, p Policy, fn func() error) error {
	p = p.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", name)

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			logger.Debug("error not retryable", "attempt", attempt, "error", lastErr)
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry %s aborted: %w", name, ctx.Err())
		}
		delay := p.delay(attempt)
		logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"error", lastErr,
			"next_delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry %s aborted during backoff: %w", name, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrExhausted, name, p.MaxAttempts, lastErr)
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.JitterFraction <= 0 {
		p.JitterFraction = def.JitterFraction
	}
	return p
}

// delay computes the backoff before attempt+1, jittered by ±JitterFraction
// and capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	backoff := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	backoff += backoff * p.JitterFraction * (2*rand.Float64() - 1)
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if backoff < 0 {
		backoff = float64(p.InitialDelay)
	}
	return time.Duration(backoff)
}
