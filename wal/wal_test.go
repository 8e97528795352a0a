package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sydradb/sydra/config"
	"github.com/sydradb/sydra/schema"
)

type recordedCall struct {
	seriesID schema.SeriesId
	ts       int64
	value    float64
}

type collector struct {
	calls []recordedCall
}

func (c *collector) OnRecord(seriesID schema.SeriesId, ts int64, value float64) error {
	c.calls = append(c.calls, recordedCall{seriesID, ts, value})
	return nil
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal"), config.FsyncAlways, 0)
	require.NoError(t, err)

	require.NoError(t, w.Append(1, 100, 1.5))
	require.NoError(t, w.Append(1, 101, 2.5))
	require.NoError(t, w.Append(2, 50, -1.0))
	require.NoError(t, w.Close())

	c := &collector{}
	require.NoError(t, Replay(filepath.Join(dir, "wal"), c))
	require.Equal(t, []recordedCall{
		{1, 100, 1.5},
		{1, 101, 2.5},
		{2, 50, -1.0},
	}, c.calls)
}

func TestReplayEmptyDirIsNotError(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	require.NoError(t, Replay(filepath.Join(dir, "wal"), c))
	require.Empty(t, c.calls)
}

func TestReplayTruncatesCleanlyOnTornWrite(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	w, err := Open(walDir, config.FsyncAlways, 0)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, 100, 1.5))
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: append a truncated second record (just a
	// length prefix claiming more payload than actually follows).
	f, err := os.OpenFile(filepath.Join(walDir, currentFileName), os.O_APPEND|os.O_WRONLY, 0o666)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], payloadLen)
	_, err = f.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3}) // far short of a full payload
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c := &collector{}
	require.NoError(t, Replay(walDir, c))
	require.Equal(t, []recordedCall{{1, 100, 1.5}}, c.calls)
}

func TestReplayProcessesCurrentLast(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	require.NoError(t, os.MkdirAll(walDir, 0o777))

	// A rotated file whose name sorts after "current.wal" lexically must
	// still be replayed before current.wal.
	w, err := Open(walDir, config.FsyncAlways, 0)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, 10, 1))
	require.NoError(t, w.Close())
	require.NoError(t, os.Rename(filepath.Join(walDir, currentFileName), filepath.Join(walDir, "zzzzzzzzzzzzz.wal")))

	w2, err := Open(walDir, config.FsyncAlways, 0)
	require.NoError(t, err)
	require.NoError(t, w2.Append(1, 20, 2))
	require.NoError(t, w2.Close())

	c := &collector{}
	require.NoError(t, Replay(walDir, c))
	require.Equal(t, []recordedCall{{1, 10, 1}, {1, 20, 2}}, c.calls)
}

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	w, err := Open(walDir, config.FsyncAlways, recordOverhead*2)
	require.NoError(t, err)

	require.NoError(t, w.Append(1, 1, 1))
	require.NoError(t, w.Append(1, 2, 2))
	require.NoError(t, w.RotateIfNeeded(12345))

	entries, err := os.ReadDir(walDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "12345.wal")
	require.Contains(t, names, currentFileName)
	require.NoError(t, w.Close())
}
