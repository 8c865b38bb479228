package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.Threshold != 5 {
		t.Errorf("Expected Threshold 5, got %d", cfg.Threshold)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Errorf("Expected Cooldown 30s, got %v", cfg.Cooldown)
	}
}

func TestNew_WithZeroValues(t *testing.T) {
	t.Parallel()
	// Zero values should use defaults
	b := New(Config{Threshold: 0, Cooldown: 0})

	// Verify defaults were applied by checking behavior
	// With default threshold of 5, should need 5 failures to open
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("Expected closed state after 4 failures (default threshold is 5)")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("Expected open state after 5 failures")
	}
}

func TestNew_WithNegativeValues(t *testing.T) {
	t.Parallel()
	// Negative values should use defaults
	b := New(Config{Threshold: -1, Cooldown: -1})

	// Should use default threshold of 5
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Error("Expected open state after threshold failures")
	}
}

func TestBreaker_ClosedState(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: 100 * time.Millisecond})

	// Should allow requests in closed state
	if !b.Allow() {
		t.Error("expected Allow() to return true in closed state")
	}

	// Recording success should keep it closed
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed state, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: 100 * time.Millisecond})

	// Record failures up to threshold
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("expected closed state before threshold")
	}

	// Third failure should open the circuit
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open state after threshold, got %s", b.State())
	}

	// Should not allow requests when open
	if b.Allow() {
		t.Error("expected Allow() to return false when open")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 50 * time.Millisecond})

	// Open the circuit
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open state")
	}

	// Should not allow before cooldown
	if b.Allow() {
		t.Error("expected Allow() to return false before cooldown")
	}

	// Wait for cooldown
	time.Sleep(60 * time.Millisecond)

	// Should allow one request (half-open)
	if !b.Allow() {
		t.Error("expected Allow() to return true after cooldown (half-open)")
	}
	if b.State() != HalfOpen {
		t.Errorf("expected half-open state, got %s", b.State())
	}
}

func TestBreaker_RetryIn(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: time.Minute})
	if b.RetryIn() != 0 {
		t.Errorf("closed breaker RetryIn = %v", b.RetryIn())
	}
	b.RecordFailure()
	if got := b.RetryIn(); got <= 50*time.Second || got > time.Minute {
		t.Errorf("open breaker RetryIn = %v", got)
	}
	b.Reset()
	if b.RetryIn() != 0 {
		t.Error("reset breaker should not report a wait")
	}
}

func TestBreaker_ClosesOnSuccessInHalfOpen(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	// Open the circuit
	b.RecordFailure()
	b.RecordFailure()

	// Wait for cooldown
	time.Sleep(15 * time.Millisecond)
	b.Allow() // Transition to half-open

	// Success should close the circuit
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed state after success, got %s", b.State())
	}
}

func TestBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	// Open the circuit
	b.RecordFailure()
	b.RecordFailure()

	// Wait for cooldown
	time.Sleep(15 * time.Millisecond)
	b.Allow() // Transition to half-open

	// Failure should reopen
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open state after failure in half-open, got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Second})

	// Open the circuit
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open state")
	}

	// Reset should close it
	b.Reset()
	if b.State() != Closed {
		t.Errorf("expected closed state after reset, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("expected 0 failures after reset, got %d", b.Failures())
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state    State
		expected string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestRegistry_OneBreakerPerHost(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Second}, nil)

	yt := r.Get("img.youtube.com")
	if yt != r.Get("img.youtube.com") {
		t.Error("expected same breaker for same host")
	}
	if yt == r.Get("archive.org") {
		t.Error("expected different breaker for different host")
	}
	if got := len(r.States()); got != 2 {
		t.Errorf("expected 2 breakers, got %d", got)
	}
}

func TestRegistry_OpenListsTrippedHosts(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Hour}, nil)

	for _, host := range []string{"b.example", "a.example"} {
		b := r.Get(host)
		b.RecordFailure()
		b.RecordFailure()
	}
	_ = r.Get("c.example")

	open := r.Open()
	if len(open) != 2 || open[0] != "a.example" || open[1] != "b.example" {
		t.Errorf("Open() = %v, want [a.example b.example]", open)
	}
	if r.States()["c.example"] != Closed {
		t.Error("untouched breaker should be closed")
	}
}

func TestRegistry_OnChangeReceivesKey(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var changes []string
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Hour}, func(key string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, key+":"+from.String()+"->"+to.String())
	})

	r.Get("archive.org").RecordFailure()

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != "archive.org:closed->open" {
		t.Errorf("changes = %v", changes)
	}
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected first half-open probe to be allowed")
	}
	if b.Allow() {
		t.Error("expected second concurrent probe to be rejected")
	}
	b.RecordSuccess()
	if !b.Allow() {
		t.Error("expected closed breaker to allow again")
	}
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Hour})
	boom := errors.New("boom")
	notFound := errors.New("not found")
	ignore := func(err error) bool { return errors.Is(err, notFound) }

	if err := b.Do(func() error { return notFound }, ignore); !errors.Is(err, notFound) {
		t.Fatalf("Do() = %v, want passthrough error", err)
	}
	if b.Failures() != 0 {
		t.Errorf("ignored error counted as failure")
	}

	_ = b.Do(func() error { return boom }, ignore)
	_ = b.Do(func() error { return boom }, ignore)
	if b.State() != Open {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	var transitions []string
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond, OnStateChange: func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess() // no change, no callback

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}
