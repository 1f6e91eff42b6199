// Package retry implements attempt-counted retry loops with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/plk-sync/hissync/pkg/errors"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy defines retry behavior. The zero value performs a single attempt.
type Policy struct {
	// MaxAttempts counts the first attempt; values below 1 mean 1.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Sleep        Sleeper
}

// NewPolicy returns a policy allowing retryTotal retries after the first
// attempt, doubling base after each one.
func NewPolicy(retryTotal int, base time.Duration) Policy {
	if retryTotal < 0 {
		retryTotal = 0
	}
	return Policy{
		MaxAttempts:  retryTotal + 1,
		InitialDelay: base,
		Multiplier:   2.0,
	}
}

// WithSleeper returns a copy of p that sleeps through s.
func (p Policy) WithSleeper(s Sleeper) Policy {
	p.Sleep = s
	return p
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the failed attempt with the given zero-based
// index: InitialDelay * Multiplier^attempt, capped at MaxDelay when set.
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Wait sleeps for Delay(attempt) using the configured Sleeper.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, p.Delay(attempt))
}

// Execute runs fn until it succeeds, returns a fatal error, or the attempts
// are exhausted. onFailure, when set, observes every failed attempt before
// the decision to retry is made. The last error is returned unchanged.
func (p Policy) Execute(ctx context.Context, fn func(attempt int) error, onFailure func(attempt int, err error)) error {
	attempts := p.Attempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if onFailure != nil {
			onFailure(attempt, err)
		}

		if !errors.IsRetryable(err) || attempt == attempts-1 {
			return err
		}

		if werr := p.Wait(ctx, attempt); werr != nil {
			return fmt.Errorf("retry cancelled: %w", werr)
		}
	}

	return lastErr
}
