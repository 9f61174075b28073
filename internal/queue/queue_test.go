package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/storage"
)

type job struct {
	Name string `json:"name"`
}

func newTestQuerier(t *testing.T) storage.Querier {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store.Reader()
}

func seq(n int64) *int64 { return &n }

func TestAcquireFollowsSequenceNumbers(t *testing.T) {
	q := newTestQuerier(t)
	ctx := context.Background()
	qu := New[job]("proof")

	for _, n := range []int64{1, 3, 2} {
		_, err := qu.Enqueue(ctx, q, "db", job{Name: "op"}, seq(n))
		require.NoError(t, err)
	}
	var order []int64
	for {
		task, ok, err := qu.Acquire(ctx, q, "db")
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, StatusProcessing, task.Status)
		require.NotNil(t, task.AcquiredAt)
		order = append(order, *task.SequenceNumber)
		require.NoError(t, qu.MarkSuccess(ctx, q, task.ID))
	}
	require.Equal(t, []int64{1, 2, 3}, order)
}

func TestAcquireInsertionOrderWithoutSequence(t *testing.T) {
	q := newTestQuerier(t)
	ctx := context.Background()
	qu := New[job]("rollup")

	for _, name := range []string{"a", "b"} {
		_, err := qu.Enqueue(ctx, q, "db", job{Name: name}, nil)
		require.NoError(t, err)
	}
	first, ok, err := qu.Acquire(ctx, q, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", first.Data.Name)
	second, ok, err := qu.Acquire(ctx, q, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", second.Data.Name)
	_, ok, err = qu.Acquire(ctx, q, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueuesAreIsolated(t *testing.T) {
	q := newTestQuerier(t)
	ctx := context.Background()
	proofs := New[job]("proof")
	rollups := New[job]("rollup")

	_, err := proofs.Enqueue(ctx, q, "db", job{Name: "p"}, nil)
	require.NoError(t, err)
	_, ok, err := rollups.Acquire(ctx, q, "db")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSerialQueueHoldsDatabase(t *testing.T) {
	q := newTestQuerier(t)
	ctx := context.Background()
	qu := New[job]("proof", Serial())

	_, err := qu.Enqueue(ctx, q, "db1", job{Name: "1"}, seq(1))
	require.NoError(t, err)
	_, err = qu.Enqueue(ctx, q, "db1", job{Name: "2"}, seq(2))
	require.NoError(t, err)
	_, err = qu.Enqueue(ctx, q, "db2", job{Name: "x"}, seq(1))
	require.NoError(t, err)

	first, ok, err := qu.Acquire(ctx, q, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "db1", first.Database)

	other, ok, err := qu.Acquire(ctx, q, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "db2", other.Database)

	_, ok, err = qu.Acquire(ctx, q, "")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, qu.MarkFailed(ctx, q, first.ID, "prover crashed"))
	next, ok, err := qu.Acquire(ctx, q, "db1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), *next.SequenceNumber)

	failed, err := qu.Get(ctx, q, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "prover crashed", failed.Error)
}

func TestConcurrentAcquireLeasesOnce(t *testing.T) {
	q := newTestQuerier(t)
	ctx := context.Background()
	qu := New[job]("proof")
	const tasks = 20
	for i := 0; i < tasks; i++ {
		_, err := qu.Enqueue(ctx, q, "db", job{Name: "t"}, nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok, err := qu.Acquire(ctx, q, "db")
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, tasks)
	for id, n := range seen {
		require.Equal(t, 1, n, "task %d leased twice", id)
	}
}

func TestFinishRequiresLease(t *testing.T) {
	q := newTestQuerier(t)
	ctx := context.Background()
	qu := New[job]("proof")
	task, err := qu.Enqueue(ctx, q, "db", job{Name: "t"}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, qu.MarkSuccess(ctx, q, task.ID), dberr.ErrConflict)
}

func TestRequeueExpired(t *testing.T) {
	q := newTestQuerier(t)
	ctx := context.Background()
	qu := New[job]("proof")
	clock := time.Unix(1_000, 0)
	qu.now = func() time.Time { return clock }

	_, err := qu.Enqueue(ctx, q, "db", job{Name: "t"}, nil)
	require.NoError(t, err)
	_, ok, err := qu.Acquire(ctx, q, "db")
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(30 * time.Second)
	n, err := qu.RequeueExpired(ctx, q, time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	clock = clock.Add(time.Minute)
	n, err = qu.RequeueExpired(ctx, q, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	tasks, err := qu.List(ctx, q, "db", StatusQueued)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Nil(t, tasks[0].AcquiredAt)
}
