// Package backoff provides capped exponential backoff with jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Default is used for transient transport and provider failures.
func Default() Policy {
	return Policy{Initial: 250 * time.Millisecond, Max: 15 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay computes the backoff duration for a 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * random
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits for the attempt's delay or until the context is done.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping between failures.
// The last error is returned when all attempts are exhausted.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, p, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
