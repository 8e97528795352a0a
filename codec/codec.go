// Package codec implements the two independent, byte-aligned encodings used
// by segment writers (spec.md section 4.1): delta-of-delta zigzag varint for
// timestamps, and Gorilla-style XOR for float64 values.
//
// The teacher's index.go defines tiny encbuf/decbuf helpers wrapping a byte
// slice with put*/read* methods instead of scattering binary.*Endian calls
// through the encoder bodies; ByteSink/ByteSource below play the same role,
// generalized to an io.Writer/io.Reader-shaped abstraction per spec.md
// section 9's "opaque-handle substitution" note, and sized for streaming
// output whose length is not known in advance.
package codec

import (
	"encoding/binary"
	"io"
	"math"
	"math/bits"

	"github.com/dennwc/varint"
	"github.com/pkg/errors"

	"github.com/sydradb/sydra/errs"
)

// ByteSink is the write side of the codec abstraction: an append-only byte
// destination. *bytes.Buffer and bufio.Writer both satisfy it.
type ByteSink interface {
	io.Writer
	io.ByteWriter
}

// ByteSource is the read side: a byte-at-a-time, slice-at-a-time source.
// bytes.Reader satisfies it.
type ByteSource interface {
	io.Reader
	io.ByteReader
}

// TimestampEncoder encodes a stream of timestamps using delta-of-delta plus
// zigzag varint. The anchor is fixed by NewTimestampEncoder; callers
// conventionally pass points[0].Ts.
type TimestampEncoder struct {
	anchor    int64
	prevTs    int64
	prevDelta int64
	n         int
}

// NewTimestampEncoder returns an encoder anchored at the given first
// timestamp, matching the convention that prev_ts starts at points[0].Ts and
// prev_delta starts at 0.
func NewTimestampEncoder(anchor int64) *TimestampEncoder {
	return &TimestampEncoder{anchor: anchor, prevTs: anchor}
}

// Encode writes one timestamp to w. The very first call writes the anchor
// itself via a zigzag-encoded delta of zero from prevTs == anchor, i.e. it
// is a no-op delta; callers pass points[0].Ts as both the anchor given to
// NewTimestampEncoder and the first value passed to Encode.
func (e *TimestampEncoder) Encode(w ByteSink, ts int64) error {
	delta := ts - e.prevTs
	dod := delta - e.prevDelta
	if err := putZigzagVarint(w, dod); err != nil {
		return errors.Wrap(err, "encode timestamp dod")
	}
	e.prevDelta = delta
	e.prevTs = ts
	e.n++
	return nil
}

// TimestampDecoder inverts TimestampEncoder exactly.
type TimestampDecoder struct {
	prevTs    int64
	prevDelta int64
}

// NewTimestampDecoder returns a decoder anchored the same way the encoder
// was constructed.
func NewTimestampDecoder(anchor int64) *TimestampDecoder {
	return &TimestampDecoder{prevTs: anchor}
}

// Decode reads one timestamp from r.
func (d *TimestampDecoder) Decode(r ByteSource) (int64, error) {
	dod, err := getZigzagVarint(r)
	if err != nil {
		return 0, errors.Wrap(err, "decode timestamp dod")
	}
	delta := d.prevDelta + dod
	ts := d.prevTs + delta
	d.prevDelta = delta
	d.prevTs = ts
	return ts, nil
}

// putZigzagVarint writes n as an unsigned varint of its zigzag encoding,
// MSB-continuation 7 bits per byte, using dennwc/varint's optimized uvarint
// writer for the wire encoding itself.
func putZigzagVarint(w ByteSink, n int64) error {
	zz := uint64((n << 1) ^ (n >> 63))
	var buf [binary.MaxVarintLen64]byte
	sz := varint.PutUvarint(buf[:], zz)
	_, err := w.Write(buf[:sz])
	return errors.Wrap(err, "write varint")
}

// getZigzagVarint reads the MSB-continuation byte stream one byte at a time
// (the only way to bound reading from an io.ByteReader of unknown length),
// then hands the assembled bytes to dennwc/varint's slice decoder, which is
// where the optimized decode path actually lives.
func getZigzagVarint(r ByteSource) (int64, error) {
	var buf [binary.MaxVarintLen64]byte
	i := 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(errs.Wrap(errs.Corruption, err, "truncated varint"), "read varint")
		}
		if i >= len(buf) {
			return 0, errs.Wrap(errs.Corruption, nil, "varint too long")
		}
		buf[i] = b
		i++
		if b < 0x80 {
			break
		}
	}
	zz, n := varint.Uvarint(buf[:i])
	if n <= 0 {
		return 0, errs.Wrap(errs.Corruption, nil, "malformed varint")
	}
	nv := int64(zz>>1) ^ -int64(zz&1)
	return nv, nil
}

// Value codec markers (spec.md section 4.1).
const (
	valMarkerRepeat = 0
	valMarkerXOR    = 1
	valMarkerFirst  = 2
)

// ValueEncoder encodes a stream of float64 values with Gorilla-style XOR,
// byte-aligned rather than bit-packed: every marker and payload field is a
// whole byte, trading a little density for a much simpler, allocation-free
// decoder that never needs a bit cursor.
type ValueEncoder struct {
	prevBits uint64
	started  bool
}

// NewValueEncoder returns a fresh value encoder.
func NewValueEncoder() *ValueEncoder { return &ValueEncoder{} }

// Encode writes one value to w.
func (e *ValueEncoder) Encode(w ByteSink, v float64) error {
	vbits := math.Float64bits(v)

	if !e.started {
		if err := w.WriteByte(valMarkerFirst); err != nil {
			return errors.Wrap(err, "write first marker")
		}
		if err := writeUint64LE(w, vbits); err != nil {
			return errors.Wrap(err, "write first value")
		}
		e.prevBits = vbits
		e.started = true
		return nil
	}

	x := vbits ^ e.prevBits
	if x == 0 {
		if err := w.WriteByte(valMarkerRepeat); err != nil {
			return errors.Wrap(err, "write repeat marker")
		}
		e.prevBits = vbits
		return nil
	}

	lz := uint8(bits.LeadingZeros64(x))
	tz := uint8(bits.TrailingZeros64(x))
	nbytes := uint8((64 - int(lz) - int(tz) + 7) / 8)
	payload := x >> tz

	if err := w.WriteByte(valMarkerXOR); err != nil {
		return errors.Wrap(err, "write xor marker")
	}
	if err := w.WriteByte(lz); err != nil {
		return errors.Wrap(err, "write leading zeros")
	}
	if err := w.WriteByte(tz); err != nil {
		return errors.Wrap(err, "write trailing zeros")
	}
	if err := w.WriteByte(nbytes); err != nil {
		return errors.Wrap(err, "write payload length")
	}
	var buf [8]byte
	for i := uint8(0); i < nbytes; i++ {
		buf[i] = byte(payload >> (8 * i))
	}
	if _, err := w.Write(buf[:nbytes]); err != nil {
		return errors.Wrap(err, "write payload")
	}

	e.prevBits = vbits
	return nil
}

// ValueDecoder inverts ValueEncoder exactly.
type ValueDecoder struct {
	prevBits uint64
	started  bool
}

// NewValueDecoder returns a fresh value decoder.
func NewValueDecoder() *ValueDecoder { return &ValueDecoder{} }

// Decode reads one value from r.
func (d *ValueDecoder) Decode(r ByteSource) (float64, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return 0, errors.Wrap(errs.Wrap(errs.Corruption, err, "truncated marker"), "read marker")
	}

	switch marker {
	case valMarkerFirst:
		vbits, err := readUint64LE(r)
		if err != nil {
			return 0, errors.Wrap(err, "read first value")
		}
		d.prevBits = vbits
		d.started = true
		return math.Float64frombits(vbits), nil

	case valMarkerRepeat:
		if !d.started {
			return 0, errs.Wrap(errs.Corruption, nil, "repeat marker before first value")
		}
		return math.Float64frombits(d.prevBits), nil

	case valMarkerXOR:
		if !d.started {
			return 0, errs.Wrap(errs.Corruption, nil, "xor marker before first value")
		}
		lz, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "read leading zeros")
		}
		tz, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "read trailing zeros")
		}
		nbytes, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "read payload length")
		}
		if int(lz)+int(tz) > 64 || nbytes > 8 {
			return 0, errs.Wrap(errs.Corruption, nil, "invalid xor field widths")
		}
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:nbytes]); err != nil {
			return 0, errors.Wrap(errs.Wrap(errs.Corruption, err, "truncated payload"), "read payload")
		}
		var payload uint64
		for i := uint8(0); i < nbytes; i++ {
			payload |= uint64(buf[i]) << (8 * i)
		}
		x := payload << tz
		vbits := d.prevBits ^ x
		d.prevBits = vbits
		return math.Float64frombits(vbits), nil

	default:
		return 0, errs.Wrap(errs.InvalidFormat, nil, "unknown value marker")
	}
}

func writeUint64LE(w ByteSink, v uint64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, err := w.Write(buf[:])
	return err
}

func readUint64LE(r ByteSource) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}

// DecodeZigzagVarint reads one zigzag-encoded varint from r. It is exported
// for the legacy SYSEG1 segment format (spec.md section 4.2), which encodes
// plain zigzag-varint timestamp deltas rather than delta-of-delta.
func DecodeZigzagVarint(r ByteSource) (int64, error) {
	return getZigzagVarint(r)
}

// EncodeTimestamps writes every ts in timestamps to w as a delta-of-delta
// zigzag varint stream anchored at timestamps[0]. Panics if timestamps is
// empty; callers (segment.WriteSegment) enforce non-empty batches up front.
func EncodeTimestamps(w ByteSink, timestamps []int64) error {
	enc := NewTimestampEncoder(timestamps[0])
	for _, ts := range timestamps {
		if err := enc.Encode(w, ts); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTimestamps reads exactly n timestamps from r, anchored at anchor.
func DecodeTimestamps(r ByteSource, anchor int64, n int) ([]int64, error) {
	dec := NewTimestampDecoder(anchor)
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		ts, err := dec.Decode(r)
		if err != nil {
			return nil, err
		}
		out[i] = ts
	}
	return out, nil
}

// EncodeValues writes every value to w as a Gorilla XOR stream.
func EncodeValues(w ByteSink, values []float64) error {
	enc := NewValueEncoder()
	for _, v := range values {
		if err := enc.Encode(w, v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeValues reads exactly n values from r.
func DecodeValues(r ByteSource, n int) ([]float64, error) {
	dec := NewValueDecoder()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := dec.Decode(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

