package libroutine

import (
	"context"
	"time"
)

// Backoff retries with delays First, 2*First, 4*First, ... for at most
// Attempts calls. A delay follows every failed attempt, including the last,
// so the worst-case wait is First*(2^Attempts-1).
type Backoff struct {
	First    time.Duration
	Attempts int
}

// Delay returns the pause after the attempt with index i (0-based).
func (b Backoff) Delay(i int) time.Duration {
	return b.First << uint(i)
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx ends. The last error from fn is returned.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		t := time.NewTimer(b.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
