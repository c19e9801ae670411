// Package retry re-submits calls to a settlement service that failed for
// transport reasons, with capped exponential backoff.
//
// Retrying a settlement is safe: a payment that was committed before the
// response was lost consumes the payer's nonce, so the retry is refused with
// an invalid signature rather than paying twice.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/mark3labs/permitpay-go"
)

// Policy holds retry configuration.
type Policy struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on any single delay
	Multiplier   float64       // Growth factor between delays

	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	Jitter float64
}

// DefaultPolicy is used when a client does not configure one.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// Validate reports whether p can drive a retry loop.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("delays must satisfy 0 <= initial (%v) <= max (%v)", p.InitialDelay, p.MaxDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %v", p.Jitter)
	}
	return nil
}

// Backoff returns the delay after the given failed attempt (0-based), before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter == 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Retryable decides whether an error should trigger another attempt.
type Retryable func(error) bool

// Transient reports whether err is an unreachable or overloaded service.
// Payment outcomes (bad signature, paused, insufficient funds) are final.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return permitpay.CodeOf(err) == permitpay.ErrCodeUnavailable
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. fn receives the 0-based attempt number.
func Do[T any](ctx context.Context, p Policy, retryable Retryable, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, fmt.Errorf("invalid retry policy: %w", err)
	}
	if retryable == nil {
		retryable = Transient
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.jittered(p.Backoff(attempt)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}

	if retryable(lastErr) {
		return zero, fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, lastErr)
	}
	return zero, lastErr
}
