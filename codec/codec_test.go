package codec

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimestampRoundTrip(t *testing.T) {
	cases := [][]int64{
		{100},
		{100, 101, 102, 103},
		{0, 1000, 2005, 2005, 9999999, -50, -1000000},
		{math.MinInt64 / 2, 0, math.MaxInt64 / 2},
	}
	for _, ts := range cases {
		var buf bytes.Buffer
		require.NoError(t, EncodeTimestamps(&buf, ts))

		got, err := DecodeTimestamps(bytes.NewReader(buf.Bytes()), ts[0], len(ts))
		require.NoError(t, err)
		require.Equal(t, ts, got)
	}
}

func TestValueRoundTrip(t *testing.T) {
	cases := [][]float64{
		{1.0},
		{1.0, 2.0, 3.0},
		{1.5, 1.5, 1.5, 2.25},
		{0, -0.0, math.Inf(1), math.Inf(-1)},
		{math.Pi, math.E, -math.Pi, 0},
	}
	for _, vs := range cases {
		var buf bytes.Buffer
		require.NoError(t, EncodeValues(&buf, vs))

		got, err := DecodeValues(bytes.NewReader(buf.Bytes()), len(vs))
		require.NoError(t, err)
		require.Equal(t, vs, got)
	}
}

func TestValueRoundTripNaN(t *testing.T) {
	v := math.NaN()
	var buf bytes.Buffer
	require.NoError(t, EncodeValues(&buf, []float64{v}))

	got, err := DecodeValues(bytes.NewReader(buf.Bytes()), 1)
	require.NoError(t, err)
	require.True(t, math.IsNaN(got[0]))
}

func TestZigzagVarintRoundTripAllMagnitudes(t *testing.T) {
	vals := []int64{0, 1, -1, 63, -64, 64, -65, 1 << 20, -(1 << 20), math.MaxInt64, math.MinInt64}
	for _, v := range vals {
		var buf bytes.Buffer
		require.NoError(t, putZigzagVarint(&buf, v))
		got, err := getZigzagVarint(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestValueDecoderRejectsUnknownMarker(t *testing.T) {
	_, err := NewValueDecoder().Decode(bytes.NewReader([]byte{0xFF}))
	require.Error(t, err)
}

func TestValueDecoderTruncated(t *testing.T) {
	_, err := NewValueDecoder().Decode(bytes.NewReader(nil))
	require.Error(t, err)
}
