package messagestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// inmem keeps one timestamp-sorted slice per topic behind a single RWMutex.
// Every operation is a binary search plus a slice copy, so the lock is never
// held for long.
type inmem struct {
	mu     sync.RWMutex
	topics map[string][]Message
}

// NewInMem returns a Store that lives in process memory without SQLite.
func NewInMem() Store {
	return &inmem{topics: make(map[string][]Message)}
}

func (s *inmem) Insert(ctx context.Context, topic string, payload string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{Topic: topic, Payload: payload, Timestamp: ts}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.topics[topic]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Timestamp.After(ts) })
	rows = append(rows, Message{})
	copy(rows[i+1:], rows[i:])
	rows[i] = msg
	s.topics[topic] = rows
	return nil
}

func (s *inmem) OldestAfter(ctx context.Context, topic string, after time.Time) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.topics[topic]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Timestamp.After(after) })
	if i == len(rows) {
		return nil, ErrNotFound
	}
	msg := rows[i]
	return &msg, nil
}

func (s *inmem) Purge(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for topic, rows := range s.topics {
		i := sort.Search(len(rows), func(i int) bool { return !rows[i].Timestamp.Before(before) })
		if i == 0 {
			continue
		}
		removed += int64(i)
		if i == len(rows) {
			delete(s.topics, topic)
			continue
		}
		s.topics[topic] = append([]Message(nil), rows[i:]...)
	}
	return removed, nil
}
