// Package testutil holds the polling helpers tests use to wait on the
// dispatcher loop, notifier workers and websocket clients.
package testutil

import (
	"fmt"
	"testing"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultInterval = 100 * time.Millisecond
)

type pollConfig struct {
	timeout  time.Duration
	interval time.Duration
	what     string
}

// WaitOption tunes a poll.
type WaitOption func(*pollConfig)

// WithTimeout sets how long to poll (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *pollConfig) { c.timeout = d }
}

// WithInterval sets the delay between checks (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *pollConfig) { c.interval = d }
}

// Describing names the awaited condition in the failure message.
func Describing(format string, args ...any) WaitOption {
	return func(c *pollConfig) { c.what = fmt.Sprintf(format, args...) }
}

func newPollConfig(opts []WaitOption) pollConfig {
	c := pollConfig{timeout: defaultTimeout, interval: defaultInterval, what: "condition"}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// poll checks condition immediately, then every interval, and once more at the deadline.
func poll(c pollConfig, condition func() bool) bool {
	if condition() {
		return true
	}
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// WaitFor reports whether condition became true before the timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(newPollConfig(opts), condition)
}

// MustWaitFor fails the test if condition does not become true before the timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	c := newPollConfig(opts)
	if !poll(c, condition) {
		tb.Fatalf("timed out after %v waiting for %s", c.timeout, c.what)
	}
}

// MustWaitForValue fails the test unless get returns want before the timeout,
// reporting the last value seen.
func MustWaitForValue[T comparable](tb testing.TB, get func() T, want T, opts ...WaitOption) {
	tb.Helper()
	c := newPollConfig(opts)
	var last T
	if !poll(c, func() bool {
		last = get()
		return last == want
	}) {
		tb.Fatalf("timed out after %v waiting for %s: got %v, want %v", c.timeout, c.what, last, want)
	}
}
