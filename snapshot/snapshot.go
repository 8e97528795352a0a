// Package snapshot implements the directory-level snapshot/restore
// operations described in spec.md section 4.11: copy MANIFEST, wal/,
// segments/, and tags.json between directories, skipping missing sources
// silently. Callers are expected to quiesce ingest first; neither
// operation attempts to reconcile with a running writer.
//
// Snapshot directories are conventionally named with a ULID
// (github.com/oklog/ulid, the same sortable-identifier generator the
// disk.go reference in the pack uses for its own sequence numbers) so
// successive snapshots of the same data directory sort chronologically by
// name without a separate index.
package snapshot

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"github.com/sydradb/sydra/errs"
)

// NewID returns a fresh, time-sortable snapshot directory name.
func NewID(now time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// snapshotFiles and snapshotDirs are the data_dir members a snapshot copies (spec.md
// section 4.11): MANIFEST and tags.json as single files, wal/ and
// segments/ recursively.
var (
	snapshotFiles = []string{"MANIFEST", "tags.json"}
	snapshotDirs  = []string{"wal", "segments"}
)

// Snapshot copies dataDir's MANIFEST, wal/, segments/, and tags.json into a
// freshly created dst. Missing source entries are skipped silently.
func Snapshot(dataDir, dst string) error {
	if err := os.MkdirAll(dst, 0o777); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "mkdir snapshot dest"), "snapshot.Snapshot")
	}
	for _, name := range snapshotFiles {
		if err := copyFileIfExists(filepath.Join(dataDir, name), filepath.Join(dst, name)); err != nil {
			return errors.Wrapf(err, "snapshot.Snapshot: copy %s", name)
		}
	}
	for _, name := range snapshotDirs {
		if err := copyDirIfExists(filepath.Join(dataDir, name), filepath.Join(dst, name)); err != nil {
			return errors.Wrapf(err, "snapshot.Snapshot: copy %s", name)
		}
	}
	return nil
}

// Restore is Snapshot's inverse: it copies src's MANIFEST, wal/,
// segments/, and tags.json into dataDir. Missing source entries are
// skipped silently. Callers must quiesce any running writer first.
func Restore(dataDir, src string) error {
	if err := os.MkdirAll(dataDir, 0o777); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "mkdir restore dest"), "snapshot.Restore")
	}
	for _, name := range snapshotFiles {
		if err := copyFileIfExists(filepath.Join(src, name), filepath.Join(dataDir, name)); err != nil {
			return errors.Wrapf(err, "snapshot.Restore: copy %s", name)
		}
	}
	for _, name := range snapshotDirs {
		if err := copyDirIfExists(filepath.Join(src, name), filepath.Join(dataDir, name)); err != nil {
			return errors.Wrapf(err, "snapshot.Restore: copy %s", name)
		}
	}
	return nil
}

func copyFileIfExists(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.Io, err, "open source file")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errs.Wrap(errs.Io, err, "create dest file")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errs.Wrap(errs.Io, err, "copy file contents")
	}
	return out.Sync()
}

func copyDirIfExists(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.Io, err, "stat source dir")
	}
	if !info.IsDir() {
		return errs.Wrap(errs.InvalidArgument, nil, "source is not a directory")
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o777)
		}
		return copyFileIfExists(path, target)
	})
}
