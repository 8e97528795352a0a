// Package wal implements the write-ahead log described in spec.md section
// 4.4: an append-only record log under a "wal/" directory, with per-record
// CRC, size-triggered rotation, and deterministic replay ordering.
//
// The framing and rotation scheme below are a smaller, fixed-record cousin
// of the teacher's SegmentWAL in wal.go: a small binary header plus payload
// plus trailing CRC32, size-triggered cut() into a freshly named file,
// sync.Pool-backed buffer reuse for the hot append path, and a reader loop
// that treats CRC/length failures as a benign truncation point rather than
// a fatal error.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/sydradb/sydra/config"
	"github.com/sydradb/sydra/errs"
	"github.com/sydradb/sydra/schema"
)

// Record framing is [len:u32][type:u8][series_id:u64][ts:i64]
// [value_bits:u64][crc32:u32]; payloadLen covers everything between len and
// crc32.
const (
	payloadLen     = 25                  // type(1) + series_id(8) + ts(8) + value_bits(8)
	recordOverhead = 4 + payloadLen + 4   // len prefix + payload + crc32
	maxPayloadLen  = 1 << 20              // 1 MiB, spec.md section 4.4's upper bound on len
	defaultRotateThreshold = 64 << 20     // 64 MiB, spec.md section 4.4

	recordTypePut = 1

	currentFileName = "current.wal"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var payloadBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, payloadLen)
		return &b
	},
}

// Visitor receives one record per call during Replay, in the order the WAL
// defines (per-file filename order, current.wal forced last).
type Visitor interface {
	OnRecord(seriesID schema.SeriesId, ts int64, value float64) error
}

// VisitorFunc adapts a plain function to the Visitor interface.
type VisitorFunc func(seriesID schema.SeriesId, ts int64, value float64) error

// OnRecord implements Visitor.
func (f VisitorFunc) OnRecord(seriesID schema.SeriesId, ts int64, value float64) error {
	return f(seriesID, ts, value)
}

// WAL is a directory-backed, append-only record log with one active file
// (current.wal) and zero or more rotated-out files.
type WAL struct {
	mu sync.Mutex

	dir       string
	policy    config.FsyncPolicy
	threshold int64

	f       *os.File
	written int64
}

// Open creates dir if missing, opens or creates current.wal, and positions
// the write cursor right after the last valid record (spec.md section 4.4).
// segmentBytes <= 0 falls back to the spec's 64 MiB default.
//
// A brand-new current.wal is preallocated to segmentBytes up front
// (SPEC_FULL.md section 12's "preallocation of the active WAL segment"), to
// cut down on fragmentation from the many small appends that follow. An
// existing current.wal is instead scanned for the last valid record
// boundary and truncated to it (section 12's "crash-tail truncation on
// open"): a torn write left behind by a prior crash is physically removed
// rather than left on disk past the point future replays would stop at, so
// a later append can never land after an unrecoverable gap.
func Open(dir string, policy config.FsyncPolicy, segmentBytes int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "mkdir wal dir"), "wal.Open")
	}
	if segmentBytes <= 0 {
		segmentBytes = defaultRotateThreshold
	}

	path := filepath.Join(dir, currentFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "open current.wal"), "wal.Open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "stat current.wal"), "wal.Open")
	}

	var written int64
	if info.Size() == 0 {
		if err := f.Truncate(segmentBytes); err != nil {
			f.Close()
			return nil, errors.Wrap(errs.Wrap(errs.Io, err, "preallocate current.wal"), "wal.Open")
		}
	} else {
		validLen, err := scanValidLength(f)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "wal.Open")
		}
		if validLen != info.Size() {
			if err := f.Truncate(validLen); err != nil {
				f.Close()
				return nil, errors.Wrap(errs.Wrap(errs.Io, err, "truncate torn wal tail"), "wal.Open")
			}
		}
		written = validLen
	}

	if _, err := f.Seek(written, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "seek current.wal"), "wal.Open")
	}

	return &WAL{dir: dir, policy: policy, threshold: segmentBytes, f: f, written: written}, nil
}

// scanValidLength reads from the start of f exactly as replayFile does, but
// only to find the byte offset right after the last well-formed record; it
// does not decode record fields or invoke a visitor. f's cursor is left
// undefined on return; callers must Seek before using f further.
func scanValidLength(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrap(errs.Wrap(errs.Io, err, "seek to start for scan"), "wal.scanValidLength")
	}

	var offset int64
	var header [4]byte
	payload := make([]byte, payloadLen)
	var trailer [4]byte

	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			return offset, nil
		}
		length := binary.LittleEndian.Uint32(header[:])
		if length == 0 || length > maxPayloadLen {
			return offset, nil
		}
		buf := payload
		if int(length) != payloadLen {
			buf = make([]byte, length)
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return offset, nil
		}
		if _, err := io.ReadFull(f, trailer[:]); err != nil {
			return offset, nil
		}
		crc := crc32.Checksum(buf, castagnoliTable)
		if crc != binary.LittleEndian.Uint32(trailer[:]) {
			return offset, nil
		}
		if length != payloadLen {
			return offset, nil
		}
		offset += int64(4 + len(buf) + 4)
	}
}

// Append writes one record for (seriesID, ts, value), fsyncing immediately
// when the policy is FsyncAlways.
func (w *WAL) Append(seriesID schema.SeriesId, ts int64, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payloadPtr := payloadBufPool.Get().(*[]byte)
	payload := *payloadPtr
	defer payloadBufPool.Put(payloadPtr)

	payload[0] = recordTypePut
	binary.LittleEndian.PutUint64(payload[1:9], uint64(seriesID))
	binary.LittleEndian.PutUint64(payload[9:17], uint64(ts))
	binary.LittleEndian.PutUint64(payload[17:25], valueBits(value))

	crc := crc32.Checksum(payload, castagnoliTable)

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(payloadLen))

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)

	if _, err := w.f.Write(header[:]); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "write wal record header"), "wal.Append")
	}
	if _, err := w.f.Write(payload); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "write wal record payload"), "wal.Append")
	}
	if _, err := w.f.Write(trailer[:]); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "write wal record crc"), "wal.Append")
	}
	w.written += recordOverhead

	if w.policy == config.FsyncAlways {
		if err := w.f.Sync(); err != nil {
			return errors.Wrap(errs.Wrap(errs.Io, err, "fsync wal after append"), "wal.Append")
		}
	}
	return nil
}

// Sync fsyncs the active file unconditionally; the writer calls this once
// per flush when the policy is FsyncInterval (spec.md section 4.7).
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "fsync wal"), "wal.Sync")
	}
	return nil
}

// RotateIfNeeded closes and renames current.wal to <now_ms>.wal once the
// byte counter reaches the rotation threshold given to Open (64 MiB by
// default), then reopens a fresh current.wal.
func (w *WAL) RotateIfNeeded(nowMs int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written < w.threshold {
		return nil
	}

	if err := w.f.Sync(); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "fsync before rotate"), "wal.RotateIfNeeded")
	}
	// Drop any unused preallocated tail before the rotated-out file becomes
	// a fixed, replay-only segment.
	if err := w.f.Truncate(w.written); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "truncate before rotate"), "wal.RotateIfNeeded")
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "close current.wal before rotate"), "wal.RotateIfNeeded")
	}

	oldPath := filepath.Join(w.dir, currentFileName)
	rotatedPath := filepath.Join(w.dir, strconv.FormatInt(nowMs, 10)+".wal")
	if err := os.Rename(oldPath, rotatedPath); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "rename wal segment"), "wal.RotateIfNeeded")
	}

	f, err := os.OpenFile(oldPath, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "reopen current.wal after rotate"), "wal.RotateIfNeeded")
	}
	if err := f.Truncate(w.threshold); err != nil {
		f.Close()
		return errors.Wrap(errs.Wrap(errs.Io, err, "preallocate new current.wal after rotate"), "wal.RotateIfNeeded")
	}
	w.f = f
	w.written = 0
	return nil
}

// Close truncates off any unused preallocated tail, fsyncs, and closes the
// active file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(w.written); err != nil {
		w.f.Close()
		return errors.Wrap(errs.Wrap(errs.Io, err, "truncate on close"), "wal.Close")
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.Wrap(errs.Wrap(errs.Io, err, "fsync on close"), "wal.Close")
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "close current.wal"), "wal.Close")
	}
	return nil
}

// Replay reads every "*.wal" file in dir in filename order, with
// current.wal forced last regardless of sort position, and calls
// visitor.OnRecord for each well-formed record in order. A record that is
// truncated, oversized, or fails its CRC check ends replay of that file
// only — it is treated as a benign crash-mid-write tail, not an engine
// failure (spec.md section 4.4).
func Replay(dir string, visitor Visitor) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errs.Wrap(errs.Io, err, "read wal dir"), "wal.Replay")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	ordered := make([]string, 0, len(names))
	hasCurrent := false
	for _, n := range names {
		if n == currentFileName {
			hasCurrent = true
			continue
		}
		ordered = append(ordered, n)
	}
	if hasCurrent {
		ordered = append(ordered, currentFileName)
	}

	for _, name := range ordered {
		if err := replayFile(filepath.Join(dir, name), visitor); err != nil {
			return errors.Wrapf(err, "replay %s", name)
		}
	}
	return nil
}

func replayFile(path string, visitor Visitor) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errs.Wrap(errs.Io, err, "open wal file for replay"), "wal.replayFile")
	}
	defer f.Close()

	var header [4]byte
	payload := make([]byte, payloadLen)
	var trailer [4]byte

	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			return nil // short/absent header: benign end-of-stream
		}
		length := binary.LittleEndian.Uint32(header[:])
		if length == 0 || length > maxPayloadLen {
			return nil // out-of-range length: benign corruption at tail
		}
		buf := payload
		if int(length) != payloadLen {
			buf = make([]byte, length)
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil // short read: benign corruption at tail
		}
		if _, err := io.ReadFull(f, trailer[:]); err != nil {
			return nil
		}

		crc := crc32.Checksum(buf, castagnoliTable)
		if crc != binary.LittleEndian.Uint32(trailer[:]) {
			return nil // CRC mismatch: benign corruption at tail
		}
		if length != payloadLen {
			// Unknown record shape; cannot parse fields reliably. Treat as
			// end-of-stream rather than guessing a layout.
			return nil
		}

		seriesID := schema.SeriesId(binary.LittleEndian.Uint64(buf[1:9]))
		ts := int64(binary.LittleEndian.Uint64(buf[9:17]))
		value := valueFromBits(binary.LittleEndian.Uint64(buf[17:25]))

		if err := visitor.OnRecord(seriesID, ts, value); err != nil {
			return errors.Wrap(err, "wal visitor")
		}
	}
}
