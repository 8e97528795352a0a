// Package segment reads and writes the immutable, dense per-(series,hour)
// point batches described in spec.md section 4.2. A segment file holds one
// sorted point batch; once referenced by a persisted manifest line it is
// never modified in place.
//
// Reads mmap the file (github.com/edsrzf/mmap-go) instead of slurping it
// into a heap buffer, the same way the teacher's index.go opens its
// "index" file via openMmapFile/fileutil before parsing the header — segment
// files are immutable for their whole lifetime, which is exactly the case
// mmap suits.
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/sydradb/sydra/codec"
	"github.com/sydradb/sydra/errs"
	"github.com/sydradb/sydra/schema"
)

// Magic values identifying the on-disk segment format (spec.md section 4.2,
// section 6.2).
var (
	magicV2 = [6]byte{'S', 'Y', 'S', 'E', 'G', '2'}
	magicV1 = [6]byte{'S', 'Y', 'S', 'E', 'G', '1'}
)

const (
	// headerLenV2 is the fixed header size of the current format, before the
	// timestamp and value streams.
	headerLenV2 = 44

	tsCodecDeltaOfDelta = 1
	valCodecGorillaXOR  = 1
)

var encodeBufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

func getEncodeBuf() *bytes.Buffer {
	b := encodeBufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putEncodeBuf(b *bytes.Buffer) {
	encodeBufPool.Put(b)
}

// WriteSegment writes points (required non-empty, sorted ascending by Ts)
// for one (seriesID, hour) group to a new file under
// dir/segments/<hour>/, returning the path relative to dir. The <now_ms>
// suffix in the filename lets multiple segments exist for the same bucket
// without colliding (successive flushes, pre-compaction).
func WriteSegment(dir string, seriesID schema.SeriesId, hour int64, points []schema.Point, nowMs int64) (string, error) {
	if len(points) == 0 {
		return "", errs.Wrap(errs.InvalidArgument, nil, "write_segment requires a non-empty point batch")
	}
	if !sort.SliceIsSorted(points, func(i, j int) bool { return points[i].Ts < points[j].Ts }) {
		return "", errs.Wrap(errs.InvalidArgument, nil, "write_segment requires points sorted ascending by ts")
	}

	hourDir := filepath.Join(dir, "segments", fmt.Sprint(hour))
	if err := os.MkdirAll(hourDir, 0o777); err != nil {
		return "", errors.Wrap(errs.Wrap(errs.Io, err, "mkdir segment bucket dir"), "write segment")
	}

	startTs := points[0].Ts
	endTs := points[len(points)-1].Ts
	name := fmt.Sprintf("%016x-%d-%d-%d.seg", uint64(seriesID), startTs, endTs, nowMs)
	fullPath := filepath.Join(hourDir, name)

	buf := getEncodeBuf()
	defer putEncodeBuf(buf)

	header := make([]byte, headerLenV2)
	copy(header[0:6], magicV2[:])
	binary.LittleEndian.PutUint64(header[6:14], uint64(seriesID))
	binary.LittleEndian.PutUint64(header[14:22], uint64(hour))
	binary.LittleEndian.PutUint32(header[22:26], uint32(len(points)))
	binary.LittleEndian.PutUint64(header[26:34], uint64(startTs))
	binary.LittleEndian.PutUint64(header[34:42], uint64(endTs))
	header[42] = tsCodecDeltaOfDelta
	header[43] = valCodecGorillaXOR
	buf.Write(header)

	timestamps := make([]int64, len(points))
	values := make([]float64, len(points))
	for i, p := range points {
		timestamps[i] = p.Ts
		values[i] = p.Value
	}
	if err := codec.EncodeTimestamps(buf, timestamps); err != nil {
		return "", errors.Wrap(err, "encode timestamp stream")
	}
	if err := codec.EncodeValues(buf, values); err != nil {
		return "", errors.Wrap(err, "encode value stream")
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return "", errors.Wrap(errs.Wrap(errs.Io, err, "create segment file"), "write segment")
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return "", errors.Wrap(errs.Wrap(errs.Io, err, "write segment body"), "write segment")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", errors.Wrap(errs.Wrap(errs.Io, err, "fsync segment file"), "write segment")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(errs.Wrap(errs.Io, err, "close segment file"), "write segment")
	}

	rel, err := filepath.Rel(dir, fullPath)
	if err != nil {
		return "", errors.Wrap(err, "relativize segment path")
	}
	return rel, nil
}

// ReadAll parses the segment file at dir/relPath and returns every point it
// holds, in file order.
func ReadAll(dir, relPath string) ([]schema.Point, error) {
	fullPath := filepath.Join(dir, relPath)

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "open segment file"), "read_all")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "stat segment file"), "read_all")
	}
	if info.Size() == 0 {
		return nil, errs.Wrap(errs.Corruption, nil, "empty segment file")
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(errs.Wrap(errs.Io, err, "mmap segment file"), "read_all")
	}
	defer m.Unmap()

	return decodeBody([]byte(m))
}

// QueryRange appends, to out, every point with start <= p.Ts <= end found in
// the segment file at dir/relPath. The overlap check against [start, end] is
// inclusive on both ends; callers typically only invoke this after already
// checking SegmentDescriptor.Overlaps.
func QueryRange(dir, relPath string, start, end int64, out []schema.Point) ([]schema.Point, error) {
	points, err := ReadAll(dir, relPath)
	if err != nil {
		return out, err
	}
	for _, p := range points {
		if p.Ts >= start && p.Ts <= end {
			out = append(out, p)
		}
	}
	return out, nil
}

func decodeBody(b []byte) ([]schema.Point, error) {
	if len(b) < 6 {
		return nil, errs.Wrap(errs.Corruption, nil, "segment file truncated before magic")
	}
	switch {
	case bytes.Equal(b[0:6], magicV2[:]):
		return decodeV2(b)
	case bytes.Equal(b[0:6], magicV1[:]):
		return decodeV1(b)
	default:
		return nil, errs.Wrap(errs.InvalidFormat, nil, "unknown segment magic")
	}
}

func decodeV2(b []byte) ([]schema.Point, error) {
	if len(b) < headerLenV2 {
		return nil, errs.Wrap(errs.Corruption, nil, "segment v2 header truncated")
	}
	count := binary.LittleEndian.Uint32(b[22:26])
	startTs := int64(binary.LittleEndian.Uint64(b[26:34]))
	tsCodecByte := b[42]
	valCodecByte := b[43]

	if tsCodecByte != tsCodecDeltaOfDelta {
		return nil, errs.Wrap(errs.InvalidFormat, nil, "unknown timestamp codec selector")
	}
	if valCodecByte != valCodecGorillaXOR {
		return nil, errs.Wrap(errs.InvalidFormat, nil, "unknown value codec selector")
	}

	r := bytes.NewReader(b[headerLenV2:])
	timestamps, err := codec.DecodeTimestamps(r, startTs, int(count))
	if err != nil {
		return nil, errors.Wrap(err, "decode v2 timestamp stream")
	}
	values, err := codec.DecodeValues(r, int(count))
	if err != nil {
		return nil, errors.Wrap(err, "decode v2 value stream")
	}

	return zip(timestamps, values), nil
}

// decodeV1 reads the legacy layout: same 44-byte fixed header shape (magic
// differs, codec selector bytes are present but ignored) followed by
// zigzag-varint timestamp deltas and raw little-endian float64 values,
// instead of delta-of-delta + Gorilla XOR. Readers must accept this format
// per spec.md section 4.2.
func decodeV1(b []byte) ([]schema.Point, error) {
	if len(b) < headerLenV2 {
		return nil, errs.Wrap(errs.Corruption, nil, "segment v1 header truncated")
	}
	count := int(binary.LittleEndian.Uint32(b[22:26]))
	startTs := int64(binary.LittleEndian.Uint64(b[26:34]))

	r := bytes.NewReader(b[headerLenV2:])

	timestamps := make([]int64, count)
	prev := startTs
	for i := 0; i < count; i++ {
		delta, err := codec.DecodeZigzagVarint(r)
		if err != nil {
			return nil, errors.Wrap(err, "decode v1 timestamp delta")
		}
		if i == 0 {
			timestamps[i] = startTs
		} else {
			timestamps[i] = prev + delta
		}
		prev = timestamps[i]
	}

	values := make([]float64, count)
	for i := 0; i < count; i++ {
		var raw [8]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, errors.Wrap(errs.Wrap(errs.Corruption, err, "truncated v1 value"), "decode v1 values")
		}
		bits := binary.LittleEndian.Uint64(raw[:])
		values[i] = math.Float64frombits(bits)
	}

	return zip(timestamps, values), nil
}

func zip(timestamps []int64, values []float64) []schema.Point {
	pts := make([]schema.Point, len(timestamps))
	for i := range timestamps {
		pts[i] = schema.Point{Ts: timestamps[i], Value: values[i]}
	}
	return pts
}
