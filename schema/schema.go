// Package schema holds the data-model types shared by every layer of the
// storage and ingest core: codec, wal, segment, manifest, memtable, engine.
//
// Keeping these in one leaf package (imported by everything, importing
// nothing of its own) avoids import cycles between the layers that all need
// to talk about the same Point/SeriesId/SegmentDescriptor shapes.
package schema

// SeriesId is an opaque 64-bit identifier. The engine never interprets it;
// callers derive it externally from (name, tags_json_bytes) via a fixed
// non-cryptographic hash (see the seriesid package for a ready-made one).
type SeriesId uint64

// Point is a single (timestamp, value) observation belonging to one series.
// Ordering is by Ts; timestamps within a series should be non-decreasing
// but are not required to be strictly monotonic.
type Point struct {
	Ts    int64
	Value float64
}

// HourBucket computes the bucket a timestamp falls into given how many
// timestamp units make up one hour. Buckets partition segments on
// (series_id, hour_bucket); unitsPerHour comes from config.TimestampUnit.
func HourBucket(ts int64, unitsPerHour int64) int64 {
	if ts >= 0 {
		return ts / unitsPerHour
	}
	// Floor division for negative ts (Go's "/" truncates toward zero, so it
	// is not used directly): ts = -1 falls in bucket -1, not bucket 0.
	return -((-ts + unitsPerHour - 1) / unitsPerHour)
}

// WalRecordKind enumerates the kinds of WAL records. Only Put is defined by
// spec.md section 3.
type WalRecordKind uint8

const (
	// WalPut is the only defined WAL record kind: a single series point.
	WalPut WalRecordKind = 1
)

// WalRecord mirrors one WAL-logged point.
type WalRecord struct {
	Kind     WalRecordKind
	SeriesId SeriesId
	Ts       int64
	Value    float64
}

// SegmentDescriptor is one manifest entry describing an immutable segment
// file. Invariants: StartTs <= EndTs, Count > 0, Path names a file that
// exists while the descriptor is present in the in-memory manifest.
type SegmentDescriptor struct {
	SeriesId   SeriesId
	HourBucket int64
	StartTs    int64
	EndTs      int64
	Count      uint32
	Path       string
}

// Overlaps reports whether [start, end] overlaps the descriptor's
// [StartTs, EndTs] range. The overlap check is inclusive on both ends.
func (d SegmentDescriptor) Overlaps(start, end int64) bool {
	return d.StartTs <= end && start <= d.EndTs
}
