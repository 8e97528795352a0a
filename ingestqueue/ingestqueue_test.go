package ingestqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sydradb/sydra/errs"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, IngestItem{SeriesId: 1, Ts: 1}))
	require.NoError(t, q.Push(ctx, IngestItem{SeriesId: 1, Ts: 2}))

	it, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, int64(1), it.Ts)

	it, ok = q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, int64(2), it.Ts)
}

func TestTryPushReturnsQueueFullAtCapacity(t *testing.T) {
	q := New(1)
	require.NoError(t, q.TryPush(IngestItem{Ts: 1}))
	err := q.TryPush(IngestItem{Ts: 2})
	require.ErrorIs(t, err, errs.QueueFull)
}

func TestPushBlocksThenPopFreesCapacity(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.TryPush(IngestItem{Ts: 1}))

	done := make(chan struct{})
	go func() {
		require.NoError(t, q.Push(ctx, IngestItem{Ts: 2}))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("push should have blocked while queue is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok := q.Pop(ctx)
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push should have unblocked after a pop freed capacity")
	}
}

func TestCloseRejectsNewPushesButDrainsExisting(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, IngestItem{Ts: 1}))
	q.Close()

	err := q.Push(ctx, IngestItem{Ts: 2})
	require.ErrorIs(t, err, errs.Shutdown)

	it, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, int64(1), it.Ts)

	_, ok = q.Pop(ctx)
	require.False(t, ok)
}

func TestSnapshotTracksMaxDepthAndPops(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, IngestItem{Ts: 1}))
	require.NoError(t, q.Push(ctx, IngestItem{Ts: 2}))
	_, _ = q.Pop(ctx)

	snap := q.Snapshot()
	require.Equal(t, int64(2), snap.MaxDepth)
	require.Equal(t, int64(1), snap.CumulativePops)
	require.Equal(t, 1, snap.Len)
}
