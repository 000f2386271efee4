package mtree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/alloc"
	"github.com/lfs3-go/lfs3/lib/lfs3/btree"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/mdir"
	"github.com/lfs3-go/lfs3/lib/lfs3/mtree"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
	"github.com/lfs3-go/lfs3/lib/lfsbin"
)

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

func initialRbyd(t *testing.T, dev *diskio.CachedDevice, block lfsprim.Block) *rbyd.Rbyd {
	t.Helper()
	require.NoError(t, dev.Erase(block))
	r := &rbyd.Rbyd{Block: block, Rev: 1, Eoff: 4}
	revBytes, _ := lfsbin.LE32(1).MarshalBinary()
	require.NoError(t, dev.Prog(block, 0, revBytes))
	require.NoError(t, r.Append(dev, nil))
	return r
}

func encodePair(p mdir.Pair) []byte {
	buf := lfsbin.PutUleb128(nil, uint32(p.A))
	buf = lfsbin.PutUleb128(buf, uint32(p.B))
	return buf
}

func TestDiscoverChainStopsAtAnchorWithNoMRootTag(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)

	chain, err := mtree.DiscoverChain(dev, 8)
	require.NoError(t, err)
	require.Len(t, chain.MRoots, 1)
	require.Equal(t, chain.MRoots[0], chain.Active())
}

func TestDiscoverChainFollowsMRootTag(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 4), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)
	initialRbyd(t, dev, 2)
	initialRbyd(t, dev, 3)

	anchor, err := mdir.Fetch(dev, mtree.AnchorPair)
	require.NoError(t, err)
	require.NoError(t, anchor.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagMRoot, Rid: 0, Delta: 1, Data: encodePair(mdir.Pair{A: 2, B: 3})},
	}))

	chain, err := mtree.DiscoverChain(dev, 8)
	require.NoError(t, err)
	require.Len(t, chain.MRoots, 2)
	require.Contains(t, []lfsprim.Block{2, 3}, chain.Active().Active.Block)
}

func TestDiscoverChainDetectsExcessiveHops(t *testing.T) {
	// A chain that always points onward (to itself) never terminates;
	// DiscoverChain's hop bound must still return an error rather than
	// looping forever.
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)

	anchor, err := mdir.Fetch(dev, mtree.AnchorPair)
	require.NoError(t, err)
	require.NoError(t, anchor.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagMRoot, Rid: 0, Delta: 1, Data: encodePair(mtree.AnchorPair)},
	}))

	_, err = mtree.DiscoverChain(dev, 4)
	require.Error(t, err)
}

func TestTreeCommitAndLookupMDir(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 4), 16, false)
	r := initialRbyd(t, dev, 2)

	tr := mtree.Open(btree.Ptr{Block: r.Block, Trunk: r.Trunk, Weight: r.Weight, Cksum: r.Cksum})
	a := alloc.NewAllocator(4, 4)
	used := map[lfsprim.Block]bool{0: true, 1: true, 2: true}
	a.Rescan(func(b lfsprim.Block) bool { return used[b] })

	target := mdir.Pair{A: 0, B: 1}
	require.NoError(t, tr.Commit(dev, a, []rbyd.Rattr{
		{Tag: lfsprim.TagMDir, Rid: 5, Delta: 1, Data: encodePair(target)},
	}))

	pair, err := tr.LookupMDir(dev, lfsprim.Mid(5))
	require.NoError(t, err)
	require.Equal(t, target, pair)
}

// TestPowerLossBeforeMrootChainUpdate simulates a crash while the
// anchor's MROOT pointer is being updated to grow the chain onto a
// second mroot: every incomplete prefix of that commit must still
// discover the single-mroot chain the anchor had before the update,
// never a chain that references the new (not yet durably committed)
// mroot pair.
func TestPowerLossBeforeMrootChainUpdate(t *testing.T) {
	raw := newMemDevice(16, 16, 512, 4)
	dev := diskio.NewCachedDevice(raw, 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)
	initialRbyd(t, dev, 2)
	initialRbyd(t, dev, 3)

	before, err := mdir.Fetch(dev, mtree.AnchorPair)
	require.NoError(t, err)
	activeBlock := before.Active.Block
	goodEoff := before.Active.Eoff
	goodBytes := append([]byte(nil), raw.blocks[activeBlock]...)

	chainBefore, err := mtree.DiscoverChain(dev, 8)
	require.NoError(t, err)
	require.Len(t, chainBefore.MRoots, 1)

	require.NoError(t, before.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagMRoot, Rid: 0, Delta: 1, Data: encodePair(mdir.Pair{A: 2, B: 3})},
	}))
	require.Equal(t, activeBlock, before.Active.Block, "a small in-place update must not toggle the pair")
	fullBytes := append([]byte(nil), raw.blocks[activeBlock]...)
	require.Greater(t, len(fullBytes), int(goodEoff))

	for l := int(goodEoff); l < len(fullBytes); l++ {
		crashed := append([]byte(nil), goodBytes...)
		copy(crashed[goodEoff:l], fullBytes[goodEoff:l])

		crashDev := diskio.NewCachedDevice(newMemDeviceWithBlock(raw, activeBlock, crashed), 16, false)
		chain, err := mtree.DiscoverChain(crashDev, 8)
		require.NoError(t, err, "prefix length %d", l)
		require.Len(t, chain.MRoots, 1, "prefix length %d must not reveal the uncommitted mroot hop", l)
	}

	fullDev := diskio.NewCachedDevice(newMemDeviceWithBlock(raw, activeBlock, fullBytes), 16, false)
	chainAfter, err := mtree.DiscoverChain(fullDev, 8)
	require.NoError(t, err)
	require.Len(t, chainAfter.MRoots, 2)
}

// newMemDeviceWithBlock clones raw, overwriting one block's contents,
// so DiscoverChain reads exactly the post-crash bytes rather than
// through a CachedDevice whose rcache might still hold older data.
func newMemDeviceWithBlock(raw *memDevice, block lfsprim.Block, data []byte) *memDevice {
	d := newMemDevice(raw.readSize, raw.progSize, raw.blockSize, raw.blockCount)
	for i := range raw.blocks {
		copy(d.blocks[i], raw.blocks[i])
	}
	copy(d.blocks[block], data)
	return d
}
