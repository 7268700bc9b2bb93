package messagestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contenox/dsmq/libdbexec"
	"github.com/contenox/dsmq/libroutine"
)

// Schema creates the messages table. Timestamps are Unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	ts INTEGER NOT NULL,
	topic TEXT NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_topic_ts ON messages (topic, ts);
CREATE INDEX IF NOT EXISTS messages_ts ON messages (ts);
`

// DefaultRetry waits 10ms, 20ms, 40ms, 80ms and 160ms between attempts on a
// busy database before the operation is abandoned.
var DefaultRetry = libroutine.Backoff{First: 10 * time.Millisecond, Attempts: 5}

type store struct {
	Exec  libdbexec.Exec
	retry libroutine.Backoff
}

type Option func(*store)

// WithRetry replaces DefaultRetry.
func WithRetry(b libroutine.Backoff) Option {
	return func(s *store) { s.retry = b }
}

// New creates a SQLite-backed message store. exec must point at a database
// initialised with Schema.
func New(exec libdbexec.Exec, opts ...Option) Store {
	s := &store{Exec: exec, retry: DefaultRetry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *store) Insert(ctx context.Context, topic string, payload string, ts time.Time) error {
	err := s.retry.Retry(ctx, libdbexec.IsBusy, func(ctx context.Context) error {
		_, err := s.Exec.ExecContext(ctx, `
		INSERT INTO messages (ts, topic, message)
		VALUES (?, ?, ?)`,
			ts.UnixNano(),
			topic,
			payload,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *store) OldestAfter(ctx context.Context, topic string, after time.Time) (*Message, error) {
	msg := Message{Topic: topic}
	var ts int64
	err := s.retry.Retry(ctx, libdbexec.IsBusy, func(ctx context.Context) error {
		return s.Exec.QueryRowContext(ctx, `
		SELECT message, ts
		FROM messages
		WHERE topic = ? AND ts > ?
		ORDER BY ts ASC
		LIMIT 1`,
			topic,
			after.UnixNano(),
		).Scan(&msg.Payload, &ts)
	})
	if err != nil {
		if errors.Is(err, libdbexec.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get oldest message: %w", err)
	}
	msg.Timestamp = time.Unix(0, ts)
	return &msg, nil
}

func (s *store) Purge(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.Exec.ExecContext(ctx, `
		DELETE FROM messages
		WHERE ts < ?`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
