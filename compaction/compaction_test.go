package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sydradb/sydra/manifest"
	"github.com/sydradb/sydra/schema"
	"github.com/sydradb/sydra/segment"
)

func TestRunMergesOverlappingGroupWithDedup(t *testing.T) {
	dir := t.TempDir()
	m, err := manifest.LoadOrInit(dir)
	require.NoError(t, err)

	path1, err := segment.WriteSegment(dir, 1, 0, []schema.Point{
		{Ts: 10, Value: 1}, {Ts: 20, Value: 2},
	}, 1000)
	require.NoError(t, err)
	path2, err := segment.WriteSegment(dir, 1, 0, []schema.Point{
		{Ts: 20, Value: 99}, {Ts: 30, Value: 3}, // ts=20 duplicated, later value wins
	}, 2000)
	require.NoError(t, err)

	require.NoError(t, m.Append(schema.SegmentDescriptor{SeriesId: 1, HourBucket: 0, StartTs: 10, EndTs: 20, Count: 2, Path: path1}))
	require.NoError(t, m.Append(schema.SegmentDescriptor{SeriesId: 1, HourBucket: 0, StartTs: 20, EndTs: 30, Count: 2, Path: path2}))

	n, err := Run(m, dir, 3000, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries := m.Iter()
	require.Len(t, entries, 1)
	require.Equal(t, uint32(3), entries[0].Count)

	pts, err := segment.ReadAll(dir, entries[0].Path)
	require.NoError(t, err)
	require.Equal(t, []schema.Point{
		{Ts: 10, Value: 1},
		{Ts: 20, Value: 99},
		{Ts: 30, Value: 3},
	}, pts)

	_, err = os.Stat(filepath.Join(dir, path1))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, path2))
	require.True(t, os.IsNotExist(err))
}

func TestRunSkipsSingleEntryGroups(t *testing.T) {
	dir := t.TempDir()
	m, err := manifest.LoadOrInit(dir)
	require.NoError(t, err)

	path, err := segment.WriteSegment(dir, 1, 0, []schema.Point{{Ts: 1, Value: 1}}, 1)
	require.NoError(t, err)
	require.NoError(t, m.Append(schema.SegmentDescriptor{SeriesId: 1, HourBucket: 0, StartTs: 1, EndTs: 1, Count: 1, Path: path}))

	n, err := Run(m, dir, 2, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, m.Iter(), 1)
}
