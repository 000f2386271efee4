package gstate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfs3-go/lfs3/lib/lfs3/gstate"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfssum"
)

func TestGCksumDeltaReconstructs(t *testing.T) {
	var g gstate.GCksum
	var deltas []lfssum.Cksum

	deltas = append(deltas, g.Delta(0, 0x1111))
	deltas = append(deltas, g.Delta(0x1111, 0x2222))
	deltas = append(deltas, g.Delta(0x3333, 0x4444))

	require.NoError(t, gstate.Reconstruct(g.Value, deltas))
}

func TestGCksumReconstructDetectsMismatch(t *testing.T) {
	var g gstate.GCksum
	deltas := []lfssum.Cksum{g.Delta(0, 0x1111)}

	deltas = append(deltas, 0xdeadbeef) // tamper with the chain
	err := gstate.Reconstruct(g.Value, deltas)
	require.True(t, errors.Is(err, gstate.ErrGCksumMismatch))
}

// TestGCksumCubeDelta exercises spec.md §4.9's cube-delta scheme
// directly: each GCKSUMDELTA must equal cube(Value before) ^
// cube(Value after), not a plain xor of the checksums themselves, so
// that xor-ing deltas back together at mount reproduces cube(Value)
// even though Value itself only ever accumulates plain xors.
func TestGCksumCubeDelta(t *testing.T) {
	var g gstate.GCksum
	old, new := lfssum.Cksum(0x1234), lfssum.Cksum(0x5678)

	delta := g.Delta(old, new)
	require.Equal(t, lfssum.Cube(0)^lfssum.Cube(old^new), delta)
	require.Equal(t, old^new, g.Value)

	require.NoError(t, gstate.Reconstruct(g.Value, []lfssum.Cksum{delta}))
}

func TestGRMPushCancelHas(t *testing.T) {
	var g gstate.GRM
	require.NoError(t, g.Push(lfsprim.Mid(1)))
	require.NoError(t, g.Push(lfsprim.Mid(2)))

	err := g.Push(lfsprim.Mid(3))
	require.True(t, errors.Is(err, gstate.ErrFull))

	require.True(t, g.Has(lfsprim.Mid(1)))
	require.True(t, g.Cancel(lfsprim.Mid(1)))
	require.False(t, g.Has(lfsprim.Mid(1)))
	require.False(t, g.Cancel(lfsprim.Mid(1)))

	require.Equal(t, []lfsprim.Mid{lfsprim.Mid(2)}, g.Mids())
}

func TestGRMEncodeTerminatesWithZero(t *testing.T) {
	var g gstate.GRM
	require.NoError(t, g.Push(lfsprim.Mid(300)))

	enc := g.Encode()
	require.Equal(t, byte(0), enc[len(enc)-1])
}
