package seriesid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("cpu.usage", []byte(`{"host":"a"}`))
	b := Derive("cpu.usage", []byte(`{"host":"a"}`))
	require.Equal(t, a, b)
}

func TestDeriveDistinguishesNameTagBoundary(t *testing.T) {
	a := Derive("ab", []byte("c"))
	b := Derive("a", []byte("bc"))
	require.NotEqual(t, a, b)
}

func TestDeriveDistinguishesTags(t *testing.T) {
	a := Derive("cpu.usage", []byte(`{"host":"a"}`))
	b := Derive("cpu.usage", []byte(`{"host":"b"}`))
	require.NotEqual(t, a, b)
}
