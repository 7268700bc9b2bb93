package messagestore

import (
	"context"
	"errors"
	"time"

	"github.com/contenox/dsmq/libtracker"
)

type activityTrackerDecorator struct {
	store   Store
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) Insert(ctx context.Context, topic string, payload string, ts time.Time) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"insert",
		"message",
		"topic", topic,
	)
	defer endFn()

	err := d.store.Insert(ctx, topic, payload, ts)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(topic, map[string]interface{}{
			"timestamp": ts.UnixNano(),
			"size":      len(payload),
		})
	}
	return err
}

func (d *activityTrackerDecorator) OldestAfter(ctx context.Context, topic string, after time.Time) (*Message, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"read",
		"message",
		"topic", topic,
		"after", after.UnixNano(),
	)
	defer endFn()

	msg, err := d.store.OldestAfter(ctx, topic, after)
	if err != nil && !errors.Is(err, ErrNotFound) {
		reportErrFn(err)
	}
	return msg, err
}

func (d *activityTrackerDecorator) Purge(ctx context.Context, before time.Time) (int64, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"purge",
		"message",
		"before", before.UnixNano(),
	)
	defer endFn()

	n, err := d.store.Purge(ctx, before)
	if err != nil {
		reportErrFn(err)
	} else if n > 0 {
		reportChangeFn("messages", map[string]interface{}{
			"removed": n,
		})
	}
	return n, err
}

// WithActivityTracker reports every store call to tracker.
func WithActivityTracker(store Store, tracker libtracker.ActivityTracker) Store {
	return &activityTrackerDecorator{
		store:   store,
		tracker: tracker,
	}
}
