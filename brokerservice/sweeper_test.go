package brokerservice

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contenox/dsmq/libroutine"
	"github.com/contenox/dsmq/messagestore"
	"github.com/stretchr/testify/require"
)

// flakyStore fails Purge while down is set.
type flakyStore struct {
	messagestore.Store
	down   atomic.Bool
	purges atomic.Int32
}

func (s *flakyStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.purges.Add(1)
	if s.down.Load() {
		return 0, errors.New("store unavailable")
	}
	return s.Store.Purge(ctx, before)
}

func TestSweep_BreakerOpensOnRepeatedFailures(t *testing.T) {
	store := &flakyStore{Store: messagestore.NewInMem()}
	store.down.Store(true)
	srv := New(store, Config{SweepInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.sweep(ctx)
	}()

	require.Eventually(t, func() bool {
		return srv.sweeper.GetState() == libroutine.Open
	}, 2*time.Second, 5*time.Millisecond)
	purges := store.purges.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, purges, store.purges.Load(), "an open breaker stops background purges")

	cancel()
	<-done
}

func TestMaybePurge_ClosesSweepBreaker(t *testing.T) {
	store := &flakyStore{Store: messagestore.NewInMem()}
	srv := New(store, Config{TTL: 10 * time.Millisecond})
	for range 3 {
		srv.sweeper.MarkFailure()
	}
	require.Equal(t, libroutine.Open, srv.sweeper.GetState())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	h := newConnHandler(srv, server, "test")
	h.lastPurge = time.Now().Add(-time.Second)

	h.maybePurge(context.Background())
	require.Equal(t, libroutine.Closed, srv.sweeper.GetState())
	require.Equal(t, int32(1), store.purges.Load())
}

func TestMaybePurge_FailureLeavesBreakerOpen(t *testing.T) {
	store := &flakyStore{Store: messagestore.NewInMem()}
	store.down.Store(true)
	srv := New(store, Config{TTL: 10 * time.Millisecond})
	for range 3 {
		srv.sweeper.MarkFailure()
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	h := newConnHandler(srv, server, "test")
	h.lastPurge = time.Now().Add(-time.Second)

	h.maybePurge(context.Background())
	require.Equal(t, libroutine.Open, srv.sweeper.GetState())
}
