package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "MANIFEST"), []byte(`{"series_id":1}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "tags.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "wal"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(src, "wal", "current.wal"), []byte("walbytes"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "segments", "0"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(src, "segments", "0", "a.seg"), []byte("segbytes"), 0o644))

	dst := filepath.Join(t.TempDir(), NewID(time.Unix(0, 0)))
	require.NoError(t, Snapshot(src, dst))

	require.FileExists(t, filepath.Join(dst, "MANIFEST"))
	require.FileExists(t, filepath.Join(dst, "tags.json"))
	require.FileExists(t, filepath.Join(dst, "wal", "current.wal"))
	require.FileExists(t, filepath.Join(dst, "segments", "0", "a.seg"))

	restoreTarget := t.TempDir()
	require.NoError(t, Restore(restoreTarget, dst))
	require.FileExists(t, filepath.Join(restoreTarget, "MANIFEST"))
	require.FileExists(t, filepath.Join(restoreTarget, "segments", "0", "a.seg"))
}

func TestSnapshotSkipsMissingEntriesSilently(t *testing.T) {
	src := t.TempDir() // completely empty
	dst := t.TempDir()
	require.NoError(t, Snapshot(src, dst))

	_, err := os.Stat(filepath.Join(dst, "MANIFEST"))
	require.True(t, os.IsNotExist(err))
}

func TestNewIDIsSortableAcrossIncreasingTime(t *testing.T) {
	a := NewID(time.Unix(1000, 0))
	b := NewID(time.Unix(2000, 0))
	require.True(t, a < b)
}
