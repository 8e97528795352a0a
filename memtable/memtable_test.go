package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sydradb/sydra/schema"
)

func TestPutAndScan(t *testing.T) {
	mt := New()
	mt.Put(1, schema.Point{Ts: 10, Value: 1})
	mt.Put(1, schema.Point{Ts: 30, Value: 3})
	mt.Put(1, schema.Point{Ts: 20, Value: 2}) // out of order arrival
	mt.Put(2, schema.Point{Ts: 5, Value: 99})

	out := mt.Scan(1, 0, 100, nil)
	require.Equal(t, []schema.Point{{Ts: 10, Value: 1}, {Ts: 20, Value: 2}, {Ts: 30, Value: 3}}, out)

	out = mt.Scan(1, 15, 25, nil)
	require.Equal(t, []schema.Point{{Ts: 20, Value: 2}}, out)

	require.Equal(t, int64(4*bytesPerPoint), mt.SizeBytes())
}

func TestDrainSortsBySeriesAndResets(t *testing.T) {
	mt := New()
	mt.Put(2, schema.Point{Ts: 1, Value: 1})
	mt.Put(1, schema.Point{Ts: 1, Value: 1})

	groups := mt.Drain()
	require.Len(t, groups, 2)
	require.Equal(t, schema.SeriesId(1), groups[0].SeriesId)
	require.Equal(t, schema.SeriesId(2), groups[1].SeriesId)

	require.Empty(t, mt.Drain())
	require.Equal(t, int64(0), mt.SizeBytes())
}
