// Package engine implements the Engine type described in spec.md section
// 6.5: the single entry point that owns the WAL, memtable, manifest,
// ingest queue, and the writer/flusher task, and is what an HTTP/CLI/
// sydraQL layer (out of scope here) would embed.
//
// The writer task's lifecycle is managed with github.com/oklog/run, the
// successor of the group package the teacher's cmd/prometheus/main.go uses
// to run its discovery manager, scrape manager, and signal handler as a
// set of cooperating actors with a shared interrupt.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"

	"github.com/sydradb/sydra/compaction"
	"github.com/sydradb/sydra/config"
	"github.com/sydradb/sydra/errs"
	"github.com/sydradb/sydra/ingestqueue"
	"github.com/sydradb/sydra/manifest"
	"github.com/sydradb/sydra/memtable"
	"github.com/sydradb/sydra/metrics"
	"github.com/sydradb/sydra/retention"
	"github.com/sydradb/sydra/schema"
	"github.com/sydradb/sydra/segment"
	"github.com/sydradb/sydra/wal"
)

// Engine is the embeddable storage/ingest core.
type Engine struct {
	cfg config.Config

	mu       sync.RWMutex
	manifest *manifest.Manifest
	mt       *memtable.Memtable

	w   *wal.WAL
	q   *ingestqueue.Queue
	met *metrics.Metrics

	retentionResolver retention.Resolver

	group  run.Group
	cancel func()
	done   chan struct{}

	lastFlush time.Time
}

// Open loads the manifest, opens the WAL, replays WAL records not yet
// covered by a persisted segment, and starts the writer task (spec.md
// section 4.7's "Replay on startup").
func Open(cfg config.Config) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if cfg.DataDir == "" {
		return nil, errs.Wrap(errs.InvalidArgument, nil, "config.DataDir is required")
	}

	m, err := manifest.LoadOrInit(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "engine.Open: load manifest")
	}

	w, err := wal.Open(walDir(cfg.DataDir), cfg.Fsync, cfg.WALSegmentBytes)
	if err != nil {
		return nil, errors.Wrap(err, "engine.Open: open wal")
	}

	mt := memtable.New()

	highWater := make(map[schema.SeriesId]int64)
	for _, d := range m.Iter() {
		if cur, ok := highWater[d.SeriesId]; !ok || d.EndTs > cur {
			highWater[d.SeriesId] = d.EndTs
		}
	}

	replayErr := wal.Replay(walDir(cfg.DataDir), wal.VisitorFunc(func(sid schema.SeriesId, ts int64, value float64) error {
		if hw, ok := highWater[sid]; ok && ts <= hw {
			return nil
		}
		mt.Put(sid, schema.Point{Ts: ts, Value: value})
		return nil
	}))
	if replayErr != nil {
		w.Close()
		return nil, errors.Wrap(replayErr, "engine.Open: replay wal")
	}

	resolver := retention.Static(cfg.RetentionDays)

	e := &Engine{
		cfg:               cfg,
		manifest:          m,
		mt:                mt,
		w:                 w,
		q:                 ingestqueue.New(cfg.QueueCapacity),
		met:               metrics.New(),
		retentionResolver: resolver,
		done:              make(chan struct{}),
		lastFlush:         cfg.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.group.Add(
		func() error {
			e.writerLoop(ctx)
			return nil
		},
		func(error) {
			cancel()
		},
	)
	go func() {
		_ = e.group.Run()
		close(e.done)
	}()

	return e, nil
}

func walDir(dataDir string) string {
	return dataDir + "/wal"
}

// Ingest enqueues one point for the writer task to durably append and
// insert into the memtable.
func (e *Engine) Ingest(ctx context.Context, seriesID schema.SeriesId, ts int64, value float64) error {
	return e.q.Push(ctx, ingestqueue.IngestItem{SeriesId: seriesID, Ts: ts, Value: value})
}

// QueryRange appends every point for seriesID with start <= ts <= end,
// drawn from the memtable and every overlapping manifest segment, to out.
// Per spec.md section 4.10, the result is manifest-order + memtable-order
// concatenation; it is not globally sorted or deduplicated.
func (e *Engine) QueryRange(seriesID schema.SeriesId, start, end int64, out []schema.Point) ([]schema.Point, error) {
	e.mu.RLock()
	entries := e.manifest.Iter()
	e.mu.RUnlock()

	for _, d := range entries {
		if d.SeriesId != seriesID || !d.Overlaps(start, end) {
			continue
		}
		var err error
		out, err = segment.QueryRange(e.cfg.DataDir, d.Path, start, end, out)
		if err != nil {
			e.met.IncQueryErrors()
			return out, errors.Wrapf(err, "query_range: read segment %s", d.Path)
		}
	}

	out = e.mt.Scan(seriesID, start, end, out)
	return out, nil
}

// SetRetentionResolver overrides the per-series TTL resolver used by
// retention passes. The default resolver (installed by Open) ignores
// config.RetentionNamespaceOverrides and always returns RetentionDays,
// since mapping a SeriesId back to a namespace requires the name/tag
// knowledge only an external collaborator has (spec.md section 6.6); a
// caller that owns that mapping supplies its own Resolver here.
func (e *Engine) SetRetentionResolver(r retention.Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retentionResolver = r
}

// Metrics returns a point-in-time snapshot of the engine's counters.
func (e *Engine) Metrics() metrics.Snapshot {
	e.mu.RLock()
	bytes := e.mt.SizeBytes()
	e.mu.RUnlock()
	e.met.SetMemtableBytes(float64(bytes))
	return e.met.Snapshot()
}

// Shutdown stops the queue from accepting new ingests, drains it, fsyncs
// the WAL, and waits for the writer task to exit (spec.md section 5).
func (e *Engine) Shutdown() error {
	e.q.Close()
	e.cancel()
	<-e.done

	if err := e.w.Close(); err != nil {
		return errors.Wrap(err, "engine.Shutdown: close wal")
	}
	return errors.Wrap(e.manifest.Close(), "engine.Shutdown: close manifest")
}

// writerLoop is the single writer task: pop -> wal append -> memtable put
// -> maybe flush -> maybe retain/compact -> maybe rotate (spec.md section
// 4.7).
func (e *Engine) writerLoop(ctx context.Context) {
	logger := e.cfg.Logger

	for {
		popCtx, cancelPop := context.WithTimeout(ctx, e.cfg.FlushInterval)
		item, ok := e.q.Pop(popCtx)
		timedOut := !ok && ctx.Err() == nil && popCtx.Err() != nil
		cancelPop()
		if timedOut {
			// No item within FlushInterval: let the time trigger flush an
			// idle, non-empty memtable.
			e.maybeFlush(logger)
			continue
		}
		if !ok {
			e.drainRemaining(logger)
			return
		}

		if err := e.w.Append(item.SeriesId, item.Ts, item.Value); err != nil {
			e.met.IncWALAppendFailure()
			level.Error(logger).Log("msg", "wal append failed, stopping ingest", "err", err)
			// Fatal per spec.md section 7: the writer must stop accepting
			// ingests rather than advance memtable state without durability.
			e.q.Close()
			continue
		}
		e.met.IncWALAppend()

		e.mu.Lock()
		e.mt.Put(item.SeriesId, schema.Point{Ts: item.Ts, Value: item.Value})
		e.mu.Unlock()
		e.met.IncIngested(1)

		e.maybeFlush(logger)

		if err := e.w.RotateIfNeeded(e.cfg.Now().UnixMilli()); err != nil {
			level.Warn(logger).Log("msg", "wal rotation failed", "err", err)
		}
	}
}

func (e *Engine) drainRemaining(logger log.Logger) {
	for {
		item, ok := e.q.Pop(context.Background())
		if !ok {
			break
		}
		if err := e.w.Append(item.SeriesId, item.Ts, item.Value); err != nil {
			level.Error(logger).Log("msg", "wal append failed during shutdown drain", "err", err)
			continue
		}
		e.mu.Lock()
		e.mt.Put(item.SeriesId, schema.Point{Ts: item.Ts, Value: item.Value})
		e.mu.Unlock()
	}
	e.flush(logger)
	if err := e.w.Sync(); err != nil {
		level.Error(logger).Log("msg", "final wal sync failed during shutdown", "err", err)
	}
}

func (e *Engine) maybeFlush(logger log.Logger) {
	e.mu.RLock()
	size := e.mt.SizeBytes()
	e.mu.RUnlock()

	now := e.cfg.Now()
	sizeTrigger := size >= e.cfg.MemtableMaxBytes
	timeTrigger := size > 0 && now.Sub(e.lastFlush) >= e.cfg.FlushInterval

	if !sizeTrigger && !timeTrigger {
		return
	}
	e.flush(logger)
	e.lastFlush = now

	dropped := retention.Run(e.manifest, e.cfg.DataDir, e.retentionResolver, e.cfg.TimestampUnit, e.cfg.TimestampUnit.FromTime(now), logger)
	e.met.IncRetentionDrops(float64(dropped))

	compacted, err := compaction.Run(e.manifest, e.cfg.DataDir, now.UnixMilli(), logger)
	if err != nil {
		level.Warn(logger).Log("msg", "compaction failed", "err", err)
	}
	for i := 0; i < compacted; i++ {
		e.met.IncCompactions()
	}
}

// flush drains the memtable, splits every series group on hour boundaries,
// and writes one segment + manifest entry per sub-batch (spec.md section
// 4.7's flush procedure).
func (e *Engine) flush(logger log.Logger) {
	start := time.Now()

	e.mu.Lock()
	groups := e.mt.Drain()
	e.mu.Unlock()

	var totalPoints int
	unitsPerHour := e.cfg.TimestampUnit.UnitsPerHour()
	nowMs := e.cfg.Now().UnixMilli()

	for _, g := range groups {
		for _, batch := range splitByHour(g.Points, unitsPerHour) {
			path, err := segment.WriteSegment(e.cfg.DataDir, g.SeriesId, schema.HourBucket(batch[0].Ts, unitsPerHour), batch, nowMs)
			if err != nil {
				level.Error(logger).Log("msg", "flush: write_segment failed", "series_id", uint64(g.SeriesId), "err", err)
				continue
			}
			if err := e.manifest.Append(schema.SegmentDescriptor{
				SeriesId:   g.SeriesId,
				HourBucket: schema.HourBucket(batch[0].Ts, unitsPerHour),
				StartTs:    batch[0].Ts,
				EndTs:      batch[len(batch)-1].Ts,
				Count:      uint32(len(batch)),
				Path:       path,
			}); err != nil {
				level.Error(logger).Log("msg", "flush: manifest append failed", "series_id", uint64(g.SeriesId), "err", err)
				continue
			}
			totalPoints += len(batch)
		}
	}

	if e.cfg.Fsync == config.FsyncInterval {
		if err := e.w.Sync(); err != nil {
			level.Warn(logger).Log("msg", "flush: wal fsync failed", "err", err)
		}
		if err := e.manifest.Sync(); err != nil {
			level.Warn(logger).Log("msg", "flush: manifest fsync failed", "err", err)
		}
	}

	e.met.ObserveFlush(time.Since(start).Seconds(), float64(totalPoints))
}

// splitByHour partitions a ts-sorted point slice into contiguous runs that
// each fall within a single hour bucket.
func splitByHour(points []schema.Point, unitsPerHour int64) [][]schema.Point {
	if len(points) == 0 {
		return nil
	}
	var out [][]schema.Point
	start := 0
	curBucket := schema.HourBucket(points[0].Ts, unitsPerHour)
	for i := 1; i < len(points); i++ {
		b := schema.HourBucket(points[i].Ts, unitsPerHour)
		if b != curBucket {
			out = append(out, points[start:i])
			start = i
			curBucket = b
		}
	}
	out = append(out, points[start:])
	return out
}
