// Package libroutine runs fallible work behind a circuit breaker, with fixed
// or exponential retry policies and a periodic loop.
package libroutine

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Routine is a circuit breaker. After threshold consecutive failures it opens
// and rejects work until resetTimeout has passed; then a single trial call is
// let through (half-open) whose result closes or re-opens the circuit.
type Routine struct {
	mu           sync.Mutex
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	trialRunning bool
}

func NewRoutine(threshold int, resetTimeout time.Duration) *Routine {
	if threshold < 1 {
		threshold = 1
	}
	return &Routine{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a call may proceed and reserves the half-open trial slot.
func (rm *Routine) Allow() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch rm.state {
	case Open:
		if time.Since(rm.openedAt) < rm.resetTimeout {
			return false
		}
		rm.state = HalfOpen
		rm.trialRunning = true
		return true
	case HalfOpen:
		if rm.trialRunning {
			return false
		}
		rm.trialRunning = true
		return true
	default:
		return true
	}
}

// MarkSuccess closes the circuit.
func (rm *Routine) MarkSuccess() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.state = Closed
	rm.failures = 0
	rm.trialRunning = false
}

// MarkFailure records a failure and opens the circuit when the threshold is hit
// or when the half-open trial failed.
func (rm *Routine) MarkFailure() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.failures++
	if rm.state == HalfOpen || rm.failures >= rm.threshold {
		rm.state = Open
		rm.openedAt = time.Now()
	}
	rm.trialRunning = false
}

// Execute runs fn once if the circuit allows it.
func (rm *Routine) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !rm.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		rm.MarkFailure()
		return err
	}
	rm.MarkSuccess()
	return nil
}

// ExecuteWithRetry calls Execute up to attempts times, sleeping interval
// between failed attempts. It gives up early when the circuit opens or ctx ends.
func (rm *Routine) ExecuteWithRetry(ctx context.Context, interval time.Duration, attempts int, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = rm.Execute(ctx, fn)
		if err == nil || errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return err
}

// Loop runs fn immediately, then on every interval tick until ctx is done.
// Failures, including ErrCircuitOpen, are passed to onErr.
func (rm *Routine) Loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error, onErr func(err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := rm.Execute(ctx, fn); err != nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rm *Routine) GetState() State {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state
}

// ForceClose closes the circuit and clears the failure count, for callers
// that learned out of band that the guarded dependency is healthy again.
func (rm *Routine) ForceClose() {
	rm.MarkSuccess()
}
