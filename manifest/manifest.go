// Package manifest implements the append-only segment index described in
// spec.md section 4.3: one JSON object per line in a MANIFEST file, loaded
// once at startup and mutated only by the writer task thereafter.
//
// The bounded-read-then-line-scan shape mirrors the teacher's
// initSegments in wal.go (read and validate every file up front before
// building in-memory state), generalized from a binary header scan to an
// NDJSON line scan since spec.md section 4.3 specifies a textual format.
package manifest

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/sydradb/sydra/errs"
	"github.com/sydradb/sydra/schema"
)

const (
	fileName = "MANIFEST"

	// maxReadBytes bounds how much of MANIFEST load_or_init will read in one
	// pass, per spec.md section 4.3.
	maxReadBytes = 64 << 20
)

// Manifest holds the in-memory segment descriptor list and the on-disk
// MANIFEST file handle it is appended to.
type Manifest struct {
	mu sync.RWMutex

	dir     string
	f       *os.File
	entries []schema.SegmentDescriptor
}

type wireEntry struct {
	SeriesID   uint64 `json:"series_id"`
	HourBucket int64  `json:"hour_bucket"`
	StartTs    int64  `json:"start_ts"`
	EndTs      int64  `json:"end_ts"`
	Count      uint32 `json:"count"`
	Path       string `json:"path"`
}

// LoadOrInit ensures dir/segments/ and dir/MANIFEST exist, reads the whole
// file (bounded at maxReadBytes), and parses each nonempty line into the
// in-memory descriptor list.
func LoadOrInit(dir string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o777); err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "mkdir segments dir"), "manifest.LoadOrInit")
	}

	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o666)
	if err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "open MANIFEST"), "manifest.LoadOrInit")
	}

	entries, err := readEntries(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Manifest{dir: dir, f: f, entries: entries}, nil
}

func readEntries(path string) ([]schema.SegmentDescriptor, error) {
	rf, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "open MANIFEST for read"), "manifest.readEntries")
	}
	defer rf.Close()

	info, err := rf.Stat()
	if err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "stat MANIFEST"), "manifest.readEntries")
	}
	if info.Size() == 0 {
		return nil, nil
	}
	if info.Size() > maxReadBytes {
		return nil, errors.Wrap(errs.Wrap(errs.Io, nil, "MANIFEST exceeds read bound"), "manifest.readEntries")
	}

	sc := bufio.NewScanner(rf)
	sc.Buffer(make([]byte, 0, 64*1024), maxReadBytes)

	var entries []schema.SegmentDescriptor
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var we wireEntry
		if err := json.Unmarshal(line, &we); err != nil {
			return nil, errors.Wrap(errs.Wrap(errs.Corruption, err, "parse MANIFEST line"), "manifest.readEntries")
		}
		entries = append(entries, schema.SegmentDescriptor{
			SeriesId:   schema.SeriesId(we.SeriesID),
			HourBucket: we.HourBucket,
			StartTs:    we.StartTs,
			EndTs:      we.EndTs,
			Count:      we.Count,
			Path:       we.Path,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "scan MANIFEST"), "manifest.readEntries")
	}
	return entries, nil
}

// Append writes one descriptor as a JSON line to MANIFEST and adds it to
// the in-memory list. fsync is left to the caller's fsync policy: callers
// that need a durability boundary call Sync afterward.
func (m *Manifest) Append(d schema.SegmentDescriptor) error {
	we := wireEntry{
		SeriesID:   uint64(d.SeriesId),
		HourBucket: d.HourBucket,
		StartTs:    d.StartTs,
		EndTs:      d.EndTs,
		Count:      d.Count,
		Path:       d.Path,
	}
	line, err := json.Marshal(we)
	if err != nil {
		return errors.Wrap(err, "manifest.Append: marshal")
	}
	line = append(line, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.f.Write(line); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "write MANIFEST line"), "manifest.Append")
	}
	m.entries = append(m.entries, d)
	return nil
}

// Sync fsyncs the MANIFEST file.
func (m *Manifest) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.f.Sync(); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "fsync MANIFEST"), "manifest.Sync")
	}
	return nil
}

// Close closes the MANIFEST file handle.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.Close(); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "close MANIFEST"), "manifest.Close")
	}
	return nil
}

// MaxEndTs returns the highest end_ts among descriptors for sid, and
// whether any descriptor for sid exists.
func (m *Manifest) MaxEndTs(sid schema.SeriesId) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := false
	var max int64
	for _, d := range m.entries {
		if d.SeriesId != sid {
			continue
		}
		if !found || d.EndTs > max {
			max = d.EndTs
			found = true
		}
	}
	return max, found
}

// Iter returns a snapshot copy of the in-memory descriptor list. It is safe
// to call concurrently with Append/Replace; the writer task is the only
// mutator (spec.md section 4.3), so readers taking a copy here never
// observe a half-written entry.
func (m *Manifest) Iter() []schema.SegmentDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schema.SegmentDescriptor, len(m.entries))
	copy(out, m.entries)
	return out
}

// Replace atomically swaps the in-memory descriptor list. Used by retention
// and compaction to drop superseded entries; the on-disk MANIFEST is never
// rewritten (spec.md section 4.8) — callers that need the new state durable
// still call Append for it.
func (m *Manifest) Replace(entries []schema.SegmentDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
}
