// Package messagestore holds the broker's message table: an append-only set
// of (timestamp, topic, message) rows with age-based eviction.
package messagestore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

// Message is one stored row. Rows are immutable once inserted.
type Message struct {
	Topic     string    `json:"topic"`
	Payload   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the data access interface for messages.
// Implementations must be safe for concurrent use by many connection handlers.
type Store interface {
	// Insert appends a row.
	Insert(ctx context.Context, topic string, payload string, ts time.Time) error
	// OldestAfter returns the row for topic with the smallest timestamp
	// strictly greater than after, or ErrNotFound.
	OldestAfter(ctx context.Context, topic string, after time.Time) (*Message, error)
	// Purge deletes every row older than before and reports how many were removed.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Clock hands out strictly increasing wall-clock timestamps with nanosecond
// resolution. Two calls never return the same instant, so rows on one topic
// are totally ordered even when puts land in the same clock tick.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Now() time.Time {
	ns := c.now().UnixNano()
	c.mu.Lock()
	if ns <= c.last {
		ns = c.last + 1
	}
	c.last = ns
	c.mu.Unlock()
	return time.Unix(0, ns)
}
