package brokerservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/contenox/dsmq/libtracker"
	"github.com/contenox/dsmq/messagestore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type failingInsertStore struct {
	messagestore.Store
}

func (failingInsertStore) Insert(context.Context, string, string, time.Time) error {
	return errors.New("store unavailable")
}

func TestStoreTracker_RecordsErrorsAndLatency(t *testing.T) {
	m := NewMetrics(nil)
	store := messagestore.WithActivityTracker(
		failingInsertStore{Store: messagestore.NewInMem()},
		libtracker.ChainedTracker{m.StoreTracker(), libtracker.NoopTracker{}},
	)
	ctx := context.Background()

	require.Error(t, store.Insert(ctx, "a", "1", time.Now()))
	_, err := store.OldestAfter(ctx, "a", time.Time{})
	require.ErrorIs(t, err, messagestore.ErrNotFound)

	require.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("insert")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("read")), "a miss is not an error")
	require.Equal(t, 2, testutil.CollectAndCount(m.StoreDuration))
}
