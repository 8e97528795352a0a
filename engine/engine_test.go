package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sydradb/sydra/config"
	"github.com/sydradb/sydra/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.MemtableMaxBytes = 1 << 20
	cfg.Fsync = config.FsyncAlways
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestIngestFlushQuery(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Ingest(ctx, 7, 100, 1.0))
	require.NoError(t, e.Ingest(ctx, 7, 101, 2.0))
	require.NoError(t, e.Ingest(ctx, 7, 102, 3.0))

	require.Eventually(t, func() bool {
		out, err := e.QueryRange(7, 90, 110, nil)
		return err == nil && len(out) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestCrashRecoveryFromWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Fsync = config.FsyncAlways
	cfg.FlushInterval = time.Hour // never flush on its own
	cfg.MemtableMaxBytes = 1 << 30

	e, err := Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 1000; i++ {
		require.NoError(t, e.Ingest(ctx, 1, int64(i), float64(i)))
	}
	require.Eventually(t, func() bool {
		return e.Metrics().WALAppends >= 1000
	}, 2*time.Second, 5*time.Millisecond)

	// Simulate a kill: skip Shutdown, reopen directly against the same dir.
	e2, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Shutdown() })

	out, err := e2.QueryRange(1, 0, 2000, nil)
	require.NoError(t, err)
	require.Len(t, out, 1000)
}

func TestWALSuppressionAfterFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Fsync = config.FsyncAlways
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.MemtableMaxBytes = 1 << 30

	e, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Ingest(ctx, 1, int64(i), float64(i)))
	}
	require.Eventually(t, func() bool {
		return e.Metrics().Flushes >= 1
	}, time.Second, 5*time.Millisecond)

	for i := 10; i < 20; i++ {
		require.NoError(t, e.Ingest(ctx, 1, int64(i), float64(i)))
	}
	require.Eventually(t, func() bool {
		return e.Metrics().WALAppends >= 20
	}, time.Second, 5*time.Millisecond)

	e2, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Shutdown() })

	out, err := e2.QueryRange(1, 0, 100, nil)
	require.NoError(t, err)
	require.Len(t, out, 20)

	manifestEntries := e2.manifest.Iter()
	require.GreaterOrEqual(t, len(manifestEntries), 1)
}

func TestFlushAcrossHourBoundaryProducesTwoSegments(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.FlushInterval = time.Hour
		// Large enough to hold both points, small enough that the second
		// ingest's post-put size check triggers one flush covering both
		// hour buckets at once.
		c.MemtableMaxBytes = 32
	})
	ctx := context.Background()

	unitsPerHour := e.cfg.TimestampUnit.UnitsPerHour()
	require.NoError(t, e.Ingest(ctx, 9, 10, 1))
	require.NoError(t, e.Ingest(ctx, 9, unitsPerHour+10, 2))

	require.Eventually(t, func() bool {
		return len(e.manifest.Iter()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownDrainsQueueAndPersists(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.FlushInterval = time.Hour
		c.MemtableMaxBytes = 1 << 30
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Ingest(ctx, 3, int64(i), float64(i)))
	}
	require.NoError(t, e.Shutdown())

	err := e.Ingest(ctx, 3, 99, 99)
	require.Error(t, err)
}

func TestSplitByHour(t *testing.T) {
	points := []schema.Point{
		{Ts: 0, Value: 1}, {Ts: 10, Value: 2}, {Ts: 3600, Value: 3}, {Ts: 7201, Value: 4},
	}
	groups := splitByHour(points, 3600)
	require.Len(t, groups, 3)
	require.Equal(t, fmt.Sprint(groups), fmt.Sprint([][]schema.Point{
		{{Ts: 0, Value: 1}, {Ts: 10, Value: 2}},
		{{Ts: 3600, Value: 3}},
		{{Ts: 7201, Value: 4}},
	}))
}
