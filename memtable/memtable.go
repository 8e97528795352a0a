// Package memtable implements the in-memory write buffer described in
// spec.md section 4.5: per-series ordered point lists with a byte-size
// estimate, drained wholesale by the writer task at flush time.
package memtable

import (
	"sort"
	"sync"

	"github.com/sydradb/sydra/schema"
)

// bytesPerPoint approximates a Point's footprint (8-byte ts + 8-byte value)
// for the size-triggered flush threshold in spec.md section 4.7. It
// deliberately ignores map/slice overhead; it only needs to be a
// consistent, monotonic estimate.
const bytesPerPoint = 16

// Memtable buffers ingested points per series until the writer task drains
// it into segments. It has exactly one mutator (the writer task); queries
// read it concurrently under a shared lock (spec.md section 5).
type Memtable struct {
	mu sync.RWMutex

	series    map[schema.SeriesId][]schema.Point
	bytesUsed int64
}

// New returns an empty Memtable.
func New() *Memtable {
	return &Memtable{series: make(map[schema.SeriesId][]schema.Point)}
}

// Put appends one point for seriesID, inserting it in ts order if it
// arrives out of order (ingest order need not be ts order across
// producers, only WAL-append order per spec.md section 5).
func (m *Memtable) Put(seriesID schema.SeriesId, p schema.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pts := m.series[seriesID]
	if len(pts) == 0 || pts[len(pts)-1].Ts <= p.Ts {
		pts = append(pts, p)
	} else {
		i := sort.Search(len(pts), func(i int) bool { return pts[i].Ts >= p.Ts })
		pts = append(pts, schema.Point{})
		copy(pts[i+1:], pts[i:])
		pts[i] = p
	}
	m.series[seriesID] = pts
	m.bytesUsed += bytesPerPoint
}

// SizeBytes returns the current byte-usage estimate.
func (m *Memtable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytesUsed
}

// SeriesGroup is one series' drained point batch.
type SeriesGroup struct {
	SeriesId schema.SeriesId
	Points   []schema.Point
}

// Drain returns every buffered series' points, sorted by SeriesId, and
// resets the memtable to empty. Each group's points are already ts-sorted
// (maintained on insert by Put).
func (m *Memtable) Drain() []SeriesGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make([]SeriesGroup, 0, len(m.series))
	for sid, pts := range m.series {
		groups = append(groups, SeriesGroup{SeriesId: sid, Points: pts})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].SeriesId < groups[j].SeriesId })

	m.series = make(map[schema.SeriesId][]schema.Point)
	m.bytesUsed = 0
	return groups
}

// Scan appends every point for seriesID with start <= p.Ts <= end to out.
func (m *Memtable) Scan(seriesID schema.SeriesId, start, end int64, out []schema.Point) []schema.Point {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.series[seriesID] {
		if p.Ts >= start && p.Ts <= end {
			out = append(out, p)
		}
	}
	return out
}
