// Package metrics wraps the storage/ingest core's internal counters using
// github.com/prometheus/client_golang/prometheus, the same library the
// teacher's cmd/prometheus/main.go registers its own config-reload gauges
// with. The registry and its HTTP exposition format are never surfaced
// outside this package (spec.md section 1 scopes that to an external
// caller); Snapshot returns a plain struct instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the private, unregistered collectors the writer and reader
// paths update. Keeping them unregistered (rather than using
// prometheus.MustRegister against a global registry) means multiple Engine
// instances in the same process, as in tests, never collide on duplicate
// metric names.
type Metrics struct {
	ingested       prometheus.Counter
	flushes        prometheus.Counter
	flushPoints    prometheus.Counter
	flushElapsed   prometheus.Histogram
	walAppends     prometheus.Counter
	walAppendFails prometheus.Counter
	retentionDrops prometheus.Counter
	compactions    prometheus.Counter
	queryErrors    prometheus.Counter
	memtableBytes  prometheus.Gauge
}

// New returns a fresh, unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "ingest",
			Name:      "points_total",
			Help:      "Total points accepted by the writer task.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "flush",
			Name:      "total",
			Help:      "Total flush cycles completed.",
		}),
		flushPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "flush",
			Name:      "points_total",
			Help:      "Total points written to segments across all flushes.",
		}),
		flushElapsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sydra",
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Flush cycle latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		walAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Total WAL records appended.",
		}),
		walAppendFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "wal",
			Name:      "append_failures_total",
			Help:      "Total WAL append failures.",
		}),
		retentionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "retention",
			Name:      "segments_dropped_total",
			Help:      "Total segments removed by retention.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "compaction",
			Name:      "runs_total",
			Help:      "Total (series_id, hour_bucket) groups compacted.",
		}),
		queryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sydra",
			Subsystem: "query",
			Name:      "errors_total",
			Help:      "Total range-query failures.",
		}),
		memtableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sydra",
			Subsystem: "memtable",
			Name:      "bytes_in_use",
			Help:      "Current memtable byte-usage estimate.",
		}),
	}
}

// Snapshot is a plain-value copy of the current counters, safe to log or
// serve from an external caller's own surface without depending on this
// package's types (spec.md section 1: metrics export format is out of
// scope for the core).
type Snapshot struct {
	IngestedPoints    float64
	Flushes           float64
	FlushedPoints     float64
	WALAppends        float64
	WALAppendFailures float64
	RetentionDrops    float64
	Compactions       float64
	QueryErrors       float64
	MemtableBytes     float64
}

// IncIngested increments the ingested-points counter by n.
func (m *Metrics) IncIngested(n float64) { m.ingested.Add(n) }

// IncWALAppend records one successful WAL append.
func (m *Metrics) IncWALAppend() { m.walAppends.Inc() }

// IncWALAppendFailure records one failed WAL append.
func (m *Metrics) IncWALAppendFailure() { m.walAppendFails.Inc() }

// ObserveFlush records one flush cycle's elapsed seconds and point count.
func (m *Metrics) ObserveFlush(elapsedSeconds float64, points float64) {
	m.flushes.Inc()
	m.flushPoints.Add(points)
	m.flushElapsed.Observe(elapsedSeconds)
}

// IncRetentionDrops records n segments removed by retention.
func (m *Metrics) IncRetentionDrops(n float64) { m.retentionDrops.Add(n) }

// IncCompactions records one compacted group.
func (m *Metrics) IncCompactions() { m.compactions.Inc() }

// IncQueryErrors records one failed range query.
func (m *Metrics) IncQueryErrors() { m.queryErrors.Inc() }

// SetMemtableBytes sets the current memtable byte-usage gauge.
func (m *Metrics) SetMemtableBytes(n float64) { m.memtableBytes.Set(n) }

// Snapshot reads every counter/gauge into a plain struct. Per spec.md
// section 5, a multi-counter read like this is not guaranteed to be a
// consistent point-in-time snapshot across all fields.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		IngestedPoints:    readCounter(m.ingested),
		Flushes:           readCounter(m.flushes),
		FlushedPoints:     readCounter(m.flushPoints),
		WALAppends:        readCounter(m.walAppends),
		WALAppendFailures: readCounter(m.walAppendFails),
		RetentionDrops:    readCounter(m.retentionDrops),
		Compactions:       readCounter(m.compactions),
		QueryErrors:       readCounter(m.queryErrors),
		MemtableBytes:     readGauge(m.memtableBytes),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
