// Package backoff provides exponential backoff calculation and a bounded retry policy.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Jitter returns a uniformly random duration in [lo, hi].
// If hi <= lo, lo is returned.
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Policy bounds how many times an operation is attempted and how long to wait in between.
// With JitterMin/JitterMax set, each wait is drawn uniformly from that window;
// otherwise waits grow exponentially per Backoff.
type Policy struct {
	MaxAttempts int // total attempts including the first; <= 0 means 1
	Backoff     Config
	JitterMin   time.Duration
	JitterMax   time.Duration
}

// Delay returns the wait before the attempt following the given (1-based) attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.JitterMax > 0 {
		return Jitter(p.JitterMin, p.JitterMax)
	}
	return Exponential(attempt, &p.Backoff)
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Retry runs fn until it succeeds, returns an error retryable rejects, the
// attempts are used up, or ctx is done. A nil retryable retries every error.
// The last error from fn is returned.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	n := p.attempts()
	for attempt := 1; attempt <= n; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == n {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
