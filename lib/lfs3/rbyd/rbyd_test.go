package rbyd_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
)

// memDevice is an in-RAM diskio.Device for unit tests, grounded on
// the teacher's test doubles for btrfstree (an in-memory backing
// store implementing the same minimal Device contract as a real
// block device).
type memDevice struct {
	readSize, progSize, blockSize, blockCount int
	blocks                                    [][]byte
}

func newMemDevice(readSize, progSize, blockSize, blockCount int) *memDevice {
	d := &memDevice{readSize: readSize, progSize: progSize, blockSize: blockSize, blockCount: blockCount}
	d.blocks = make([][]byte, blockCount)
	for i := range d.blocks {
		buf := make([]byte, blockSize)
		for j := range buf {
			buf[j] = 0xff
		}
		d.blocks[i] = buf
	}
	return d
}

func (d *memDevice) ReadSize() int   { return d.readSize }
func (d *memDevice) ProgSize() int   { return d.progSize }
func (d *memDevice) BlockSize() int  { return d.blockSize }
func (d *memDevice) BlockCount() int { return d.blockCount }

func (d *memDevice) ReadAt(b lfsprim.Block, off int, p []byte) error {
	copy(p, d.blocks[b][off:off+len(p)])
	return nil
}

func (d *memDevice) ProgAt(b lfsprim.Block, off int, p []byte) error {
	copy(d.blocks[b][off:off+len(p)], p)
	return nil
}

func (d *memDevice) EraseAt(b lfsprim.Block) error {
	buf := d.blocks[b]
	for i := range buf {
		buf[i] = 0xff
	}
	return nil
}

func (d *memDevice) Sync() error { return nil }

func TestRbydChecksumRoundTrip(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 4), 16, false)

	require.NoError(t, dev.Erase(0))
	r := &rbyd.Rbyd{Block: 0, Rev: 1, Eoff: 4}
	require.NoError(t, dev.Prog(0, 0, make([]byte, 4)))

	entryData := []byte("hello")
	err := r.Append(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagData, Rid: 1, Delta: 1, Data: entryData},
	})
	require.NoError(t, err)

	got, err := rbyd.Fetch(dev, 0)
	require.NoError(t, err)
	require.Equal(t, r.Cksum, got.Cksum)

	entry, ok := got.Lookup(1, lfsprim.TagData)
	require.True(t, ok)
	require.Equal(t, entryData, entry.Data)
}

// TestRbydBlackHeight exercises spec.md §3's red-black balance
// invariant on the in-RAM index: after inserting many entries one
// Append at a time, the index's black-height must stay within a
// red-black tree's O(log n) bound rather than degenerating toward a
// linked list.
func TestRbydBlackHeight(t *testing.T) {
	const n = 60
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 4096, 4), 16, false)
	require.NoError(t, dev.Erase(0))
	r := &rbyd.Rbyd{Block: 0, Rev: 1, Eoff: 4}
	require.NoError(t, dev.Prog(0, 0, make([]byte, 4)))

	for i := 1; i <= n; i++ {
		require.NoError(t, r.Append(dev, []rbyd.Rattr{
			{Tag: lfsprim.TagData, Rid: lfsprim.Rid(i), Delta: 1, Data: []byte{byte(i)}},
		}))
	}

	bound := int(math.Log2(float64(n+1))) + 2
	require.LessOrEqual(t, r.BlackHeight(), bound)
}

// TestPowerLossPrefixes exercises the crash-atomicity guarantee
// Fetch's doc comment claims: a block holding a sealed commit plus any
// truncated prefix of a second, interrupted commit must still Fetch to
// exactly the first commit's state, never a partially-applied mix. A
// real power cut can interrupt the physical write at any byte offset,
// so this checks every prefix length rather than one hand-picked spot.
func TestPowerLossPrefixes(t *testing.T) {
	raw := newMemDevice(16, 16, 512, 1)
	dev := diskio.NewCachedDevice(raw, 16, false)
	require.NoError(t, dev.Erase(0))

	r := &rbyd.Rbyd{Block: 0, Rev: 1, Eoff: 4}
	require.NoError(t, dev.Prog(0, 0, make([]byte, 4)))
	require.NoError(t, r.Append(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagData, Rid: 1, Delta: 1, Data: []byte("alpha")},
	}))
	goodEoff := r.Eoff
	goodBytes := append([]byte(nil), raw.blocks[0]...)

	require.NoError(t, r.Append(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagGeometry, Rid: 2, Delta: 1, Data: []byte("beta")},
	}))
	fullBytes := append([]byte(nil), raw.blocks[0]...)
	require.Greater(t, len(fullBytes), int(goodEoff), "second commit must have written something past the first")

	for l := int(goodEoff); l < len(fullBytes); l++ {
		crashed := append([]byte(nil), goodBytes...)
		copy(crashed[goodEoff:l], fullBytes[goodEoff:l])
		raw.blocks[0] = crashed

		got, err := rbyd.Fetch(diskio.NewCachedDevice(newMemDeviceFrom(raw), 16, false), 0)
		require.NoError(t, err, "prefix length %d", l)

		_, hasBeta := got.LookupTag(lfsprim.TagGeometry)
		require.False(t, hasBeta, "prefix length %d must not reveal the uncommitted second entry", l)

		entry, ok := got.LookupTag(lfsprim.TagData)
		require.True(t, ok, "prefix length %d lost the already-sealed first entry", l)
		require.Equal(t, []byte("alpha"), entry.Data)
	}

	raw.blocks[0] = fullBytes
	got, err := rbyd.Fetch(diskio.NewCachedDevice(newMemDeviceFrom(raw), 16, false), 0)
	require.NoError(t, err)
	entry, ok := got.LookupTag(lfsprim.TagGeometry)
	require.True(t, ok)
	require.Equal(t, []byte("beta"), entry.Data)
}

// newMemDeviceFrom clones raw's block contents into a fresh memDevice
// so Fetch reads the post-crash bytes directly rather than through a
// CachedDevice whose rcache window might still hold pre-crash data.
func newMemDeviceFrom(raw *memDevice) *memDevice {
	d := newMemDevice(raw.readSize, raw.progSize, raw.blockSize, raw.blockCount)
	for i := range raw.blocks {
		copy(d.blocks[i], raw.blocks[i])
	}
	return d
}
