package path_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/mdir"
	"github.com/lfs3-go/lfs3/lib/lfs3/path"
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

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	data := path.EncodeEntry(lfsprim.Did(3), "hello", 42)
	entry, err := path.DecodeEntry(lfsprim.TagReg, data)
	require.NoError(t, err)
	require.Equal(t, lfsprim.Did(3), entry.Did)
	require.Equal(t, "hello", entry.Name)
	require.Equal(t, uint64(42), entry.Target)
	require.Equal(t, lfsprim.TagReg, entry.Tag)
}

func TestResolverLookupFindsEntry(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)

	m, err := mdir.Fetch(dev, mdir.Pair{A: 0, B: 1})
	require.NoError(t, err)
	require.NoError(t, m.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagDir, Rid: 1, Delta: 1, Data: path.EncodeEntry(path.RootDid, "foo", 5)},
	}))

	r := &path.Resolver{Dev: dev, MDirs: []mdir.Pair{m.Pair}}
	entry, err := r.Lookup(path.RootDid, "foo")
	require.NoError(t, err)
	require.Equal(t, "foo", entry.Name)
	require.Equal(t, uint64(5), entry.Target)
}

func TestResolverLookupNotFound(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)
	m, err := mdir.Fetch(dev, mdir.Pair{A: 0, B: 1})
	require.NoError(t, err)

	r := &path.Resolver{Dev: dev, MDirs: []mdir.Pair{m.Pair}}
	_, err = r.Lookup(path.RootDid, "missing")
	require.True(t, errors.Is(err, path.ErrNotFound))
}

func TestResolverResolveRootIsSynthetic(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)
	m, err := mdir.Fetch(dev, mdir.Pair{A: 0, B: 1})
	require.NoError(t, err)

	r := &path.Resolver{Dev: dev, MDirs: []mdir.Pair{m.Pair}}
	entry, err := r.Resolve("/")
	require.NoError(t, err)
	require.Equal(t, path.RootDid, entry.Did)
	require.Equal(t, lfsprim.TagDir, entry.Tag)
}

func TestResolverResolveNestedPath(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)
	m, err := mdir.Fetch(dev, mdir.Pair{A: 0, B: 1})
	require.NoError(t, err)

	childDid := lfsprim.Did(7)
	require.NoError(t, m.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagDir, Rid: 1, Delta: 1, Data: path.EncodeEntry(path.RootDid, "foo", uint64(childDid))},
	}))
	require.NoError(t, m.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagReg, Rid: 2, Delta: 1, Data: path.EncodeEntry(childDid, "bar", 99)},
	}))

	r := &path.Resolver{Dev: dev, MDirs: []mdir.Pair{m.Pair}}
	entry, err := r.Resolve("/foo/bar")
	require.NoError(t, err)
	require.Equal(t, "bar", entry.Name)
	require.Equal(t, uint64(99), entry.Target)
	require.Equal(t, lfsprim.TagReg, entry.Tag)
}

// TestNameLookupMasksGRM exercises spec.md's grm invariant: a reg entry
// whose mid is enqueued in the grm must vanish from lookup immediately,
// before its directory record is physically removed.
func TestNameLookupMasksGRM(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)
	m, err := mdir.Fetch(dev, mdir.Pair{A: 0, B: 1})
	require.NoError(t, err)

	require.NoError(t, m.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagReg, Rid: 1, Delta: 1, Data: path.EncodeEntry(path.RootDid, "doomed", 5)},
	}))

	masked := map[lfsprim.Mid]bool{}
	r := &path.Resolver{
		Dev:   dev,
		MDirs: []mdir.Pair{m.Pair},
		Masked: func(mid lfsprim.Mid) bool {
			return masked[mid]
		},
	}

	entry, err := r.Lookup(path.RootDid, "doomed")
	require.NoError(t, err)
	require.Equal(t, uint64(5), entry.Target)

	masked[lfsprim.Mid(5)] = true
	_, err = r.Lookup(path.RootDid, "doomed")
	require.True(t, errors.Is(err, path.ErrNotFound))

	masked[lfsprim.Mid(5)] = false
	entry, err = r.Lookup(path.RootDid, "doomed")
	require.NoError(t, err)
	require.Equal(t, uint64(5), entry.Target)
}

func TestResolverResolveThroughNonDirFails(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	initialRbyd(t, dev, 0)
	initialRbyd(t, dev, 1)
	m, err := mdir.Fetch(dev, mdir.Pair{A: 0, B: 1})
	require.NoError(t, err)

	require.NoError(t, m.Commit(dev, []rbyd.Rattr{
		{Tag: lfsprim.TagReg, Rid: 1, Delta: 1, Data: path.EncodeEntry(path.RootDid, "file", 1)},
	}))

	r := &path.Resolver{Dev: dev, MDirs: []mdir.Pair{m.Pair}}
	_, err = r.Resolve("/file/nested")
	require.True(t, errors.Is(err, path.ErrNotDir))
}
