package messagestore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	libdb "github.com/contenox/dsmq/libdbexec"
	libkv "github.com/contenox/dsmq/libkvstore"
	"github.com/contenox/dsmq/messagestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) (context.Context, libdb.DBManager) {
	t.Helper()
	ctx := context.TODO()
	db, err := libdb.NewSQLiteMemoryDBManager(ctx, "test-"+uuid.NewString(), messagestore.Schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return ctx, db
}

type backend struct {
	name  string
	setup func(t *testing.T) messagestore.Store
}

func backends() []backend {
	return []backend{
		{"sqlite", func(t *testing.T) messagestore.Store {
			_, db := setupDB(t)
			return messagestore.New(db.WithoutTransaction())
		}},
		{"inmem", func(t *testing.T) messagestore.Store {
			return messagestore.NewInMem()
		}},
		{"valkey", func(t *testing.T) messagestore.Store {
			if testing.Short() {
				t.Skip("requires docker")
			}
			ctx := context.Background()
			addr, _, cleanup, err := libkv.SetupLocalValKeyInstance(ctx)
			t.Cleanup(cleanup)
			require.NoError(t, err)
			manager, err := libkv.NewManager(libkv.Config{KVAddr: addr}, 5*time.Second)
			require.NoError(t, err)
			t.Cleanup(func() { _ = manager.Close() })
			kv, err := manager.Executor(ctx)
			require.NoError(t, err)
			return messagestore.NewValkey(kv)
		}},
	}
}

func TestMessageStore_Backends(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store := b.setup(t)
			ctx := context.Background()
			clock := messagestore.NewClock()

			t.Run("OldestAfterOrdering", func(t *testing.T) {
				start := clock.Now()
				t1, t2, t3 := clock.Now(), clock.Now(), clock.Now()
				require.NoError(t, store.Insert(ctx, "order", `"second"`, t2))
				require.NoError(t, store.Insert(ctx, "order", `"first"`, t1))
				require.NoError(t, store.Insert(ctx, "order", `"third"`, t3))

				msg, err := store.OldestAfter(ctx, "order", start)
				require.NoError(t, err)
				require.Equal(t, `"first"`, msg.Payload)
				require.Equal(t, t1.UnixNano(), msg.Timestamp.UnixNano())

				msg, err = store.OldestAfter(ctx, "order", msg.Timestamp)
				require.NoError(t, err)
				require.Equal(t, `"second"`, msg.Payload)

				msg, err = store.OldestAfter(ctx, "order", msg.Timestamp)
				require.NoError(t, err)
				require.Equal(t, `"third"`, msg.Payload)

				_, err = store.OldestAfter(ctx, "order", msg.Timestamp)
				require.ErrorIs(t, err, messagestore.ErrNotFound)
			})

			t.Run("TopicIsolation", func(t *testing.T) {
				start := clock.Now()
				require.NoError(t, store.Insert(ctx, "iso-a", `{"v":1}`, clock.Now()))

				_, err := store.OldestAfter(ctx, "iso-b", start)
				require.ErrorIs(t, err, messagestore.ErrNotFound)

				msg, err := store.OldestAfter(ctx, "iso-a", start)
				require.NoError(t, err)
				require.Equal(t, "iso-a", msg.Topic)
			})

			t.Run("PurgeRemovesOlderRows", func(t *testing.T) {
				start := clock.Now()
				require.NoError(t, store.Insert(ctx, "purge", `"old"`, clock.Now()))
				time.Sleep(2 * time.Millisecond)
				cutoff := clock.Now()
				time.Sleep(2 * time.Millisecond)
				require.NoError(t, store.Insert(ctx, "purge", `"new"`, clock.Now()))

				n, err := store.Purge(ctx, cutoff)
				require.NoError(t, err)
				require.GreaterOrEqual(t, n, int64(1))

				msg, err := store.OldestAfter(ctx, "purge", start)
				require.NoError(t, err)
				require.Equal(t, `"new"`, msg.Payload)
			})

			t.Run("EmptyPayload", func(t *testing.T) {
				start := clock.Now()
				require.NoError(t, store.Insert(ctx, "empty", `""`, clock.Now()))
				msg, err := store.OldestAfter(ctx, "empty", start)
				require.NoError(t, err)
				require.Equal(t, `""`, msg.Payload)
			})
		})
	}
}

func TestMessageStore_SharedAcrossManagers(t *testing.T) {
	ctx := context.Background()
	name := "shared-" + uuid.NewString()

	first, err := libdb.NewSQLiteMemoryDBManager(ctx, name, messagestore.Schema)
	require.NoError(t, err)
	defer first.Close()
	second, err := libdb.NewSQLiteMemoryDBManager(ctx, name, messagestore.Schema)
	require.NoError(t, err)
	defer second.Close()

	clock := messagestore.NewClock()
	start := clock.Now()
	require.NoError(t, messagestore.New(first.WithoutTransaction()).Insert(ctx, "t", `"x"`, clock.Now()))

	msg, err := messagestore.New(second.WithoutTransaction()).OldestAfter(ctx, "t", start)
	require.NoError(t, err)
	require.Equal(t, `"x"`, msg.Payload)
}

func TestMessageStore_ConcurrentInserts(t *testing.T) {
	_, db := setupDB(t)
	store := messagestore.New(db.WithoutTransaction())
	clock := messagestore.NewClock()
	ctx := context.Background()
	start := clock.Now()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := store.Insert(ctx, "load", fmt.Sprintf(`{"w":%d,"i":%d}`, w, i), clock.Now()); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count := 0
	cursor := start
	for {
		msg, err := store.OldestAfter(ctx, "load", cursor)
		if errors.Is(err, messagestore.ErrNotFound) {
			break
		}
		require.NoError(t, err)
		require.True(t, msg.Timestamp.After(cursor))
		cursor = msg.Timestamp
		count++
	}
	require.Equal(t, writers*perWriter, count)
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	clock := messagestore.NewClock()
	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		next := clock.Now()
		require.True(t, next.After(prev))
		prev = next
	}
}
