package segment

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sydradb/sydra/schema"
)

// writeLegacyV1 hand-assembles a SYSEG1-format file (spec.md section 4.2's
// predecessor layout: plain zigzag-varint timestamp deltas, raw
// little-endian float64 values) so decodeV1 has something real to read,
// since WriteSegment itself only ever emits the current SYSEG2 format.
func writeLegacyV1(t *testing.T, dir string, seriesID schema.SeriesId, hour int64, points []schema.Point) string {
	t.Helper()

	startTs := points[0].Ts
	endTs := points[len(points)-1].Ts

	header := make([]byte, 44)
	copy(header[0:6], []byte("SYSEG1"))
	binary.LittleEndian.PutUint64(header[6:14], uint64(seriesID))
	binary.LittleEndian.PutUint64(header[14:22], uint64(hour))
	binary.LittleEndian.PutUint32(header[22:26], uint32(len(points)))
	binary.LittleEndian.PutUint64(header[26:34], uint64(startTs))
	binary.LittleEndian.PutUint64(header[34:42], uint64(endTs))
	header[42] = 0
	header[43] = 0

	body := append([]byte{}, header...)
	prev := startTs
	for i, p := range points {
		var delta int64
		if i == 0 {
			delta = 0
		} else {
			delta = p.Ts - prev
		}
		zz := uint64((delta << 1) ^ (delta >> 63))
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], zz)
		body = append(body, buf[:n]...)
		prev = p.Ts
	}
	for _, p := range points {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], math.Float64bits(p.Value))
		body = append(body, raw[:]...)
	}

	name := "legacy.seg"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), body, 0o644))
	return name
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	points := []schema.Point{
		{Ts: 100, Value: 1.0},
		{Ts: 101, Value: 2.0},
		{Ts: 102, Value: 3.0},
	}

	path, err := WriteSegment(dir, 7, 0, points, 123456)
	require.NoError(t, err)
	require.FileExists(t, dir+"/"+path)

	got, err := ReadAll(dir, path)
	require.NoError(t, err)
	require.Equal(t, points, got)
}

func TestWriteReadFidelityLargeBatch(t *testing.T) {
	dir := t.TempDir()
	n := 5000
	points := make([]schema.Point, n)
	for i := 0; i < n; i++ {
		points[i] = schema.Point{
			Ts:    int64(i*1000 + (i % 7)),
			Value: math.Sin(float64(i) * 0.01),
		}
	}
	path, err := WriteSegment(dir, 42, 1, points, 999)
	require.NoError(t, err)

	got, err := ReadAll(dir, path)
	require.NoError(t, err)
	require.Equal(t, points, got)
}

func TestWriteSegmentRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteSegment(dir, 1, 0, nil, 1)
	require.Error(t, err)
}

func TestWriteSegmentRejectsUnsorted(t *testing.T) {
	dir := t.TempDir()
	points := []schema.Point{{Ts: 5, Value: 1}, {Ts: 1, Value: 2}}
	_, err := WriteSegment(dir, 1, 0, points, 1)
	require.Error(t, err)
}

func TestQueryRangeInclusiveBoundary(t *testing.T) {
	dir := t.TempDir()
	points := []schema.Point{
		{Ts: 100, Value: 1}, {Ts: 150, Value: 2}, {Ts: 200, Value: 3},
	}
	path, err := WriteSegment(dir, 1, 0, points, 1)
	require.NoError(t, err)

	out, err := QueryRange(dir, path, 100, 200, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)

	out, err = QueryRange(dir, path, 150, 150, nil)
	require.NoError(t, err)
	require.Equal(t, []schema.Point{{Ts: 150, Value: 2}}, out)
}

func TestReadAllRejectsUnknownMagic(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bad.seg"
	require.NoError(t, os.WriteFile(path, []byte("XXXXXX0000000000000000000000000000000000000000"), 0o644))

	_, err := ReadAll(dir, "bad.seg")
	require.Error(t, err)
}

func TestReadAllLegacyV1Format(t *testing.T) {
	dir := t.TempDir()
	points := []schema.Point{{Ts: 10, Value: 1.5}, {Ts: 20, Value: 2.5}, {Ts: 35, Value: -1}}
	path := writeLegacyV1(t, dir, 9, 0, points)

	got, err := ReadAll(dir, path)
	require.NoError(t, err)
	require.Equal(t, points, got)
}
