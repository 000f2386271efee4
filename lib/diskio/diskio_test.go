package diskio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfs3-go/lfs3/lib/diskio"
)

type memDevice struct {
	readSize, progSize, blockSize, blockCount int
	blocks                                    [][]byte
	progCalls                                 int
	readCalls                                 int
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

func (d *memDevice) ReadAt(b diskio.Block, off int, p []byte) error {
	d.readCalls++
	copy(p, d.blocks[b][off:off+len(p)])
	return nil
}

func (d *memDevice) ProgAt(b diskio.Block, off int, p []byte) error {
	d.progCalls++
	copy(d.blocks[b][off:off+len(p)], p)
	return nil
}

func (d *memDevice) EraseAt(b diskio.Block) error {
	buf := d.blocks[b]
	for i := range buf {
		buf[i] = 0xff
	}
	return nil
}

func (d *memDevice) Sync() error { return nil }

func TestReadRejectsMisalignedAccess(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	_, err := dev.Read(0, 3, 16)
	require.Error(t, err)
}

func TestProgThenReadRoundTrip(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	require.NoError(t, dev.Prog(0, 0, []byte("0123456789abcdef")))
	require.NoError(t, dev.Sync())

	got, err := dev.Read(0, 0, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), got)
}

func TestProgCoalescesContiguousWrites(t *testing.T) {
	mem := newMemDevice(16, 16, 512, 2)
	dev := diskio.NewCachedDevice(mem, 64, false)

	require.NoError(t, dev.Prog(0, 0, []byte("AAAAAAAAAAAAAAAA")))
	require.NoError(t, dev.Prog(0, 16, []byte("BBBBBBBBBBBBBBBB")))
	callsBeforeFlush := mem.progCalls
	require.NoError(t, dev.Flush())

	// Two contiguous progs within one cache window coalesce into a
	// single underlying ProgAt call issued at Flush.
	require.Equal(t, 0, callsBeforeFlush)
	require.Equal(t, 1, mem.progCalls)

	got, err := dev.Read(0, 0, 32)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAAAAAAAAAAAAAABBBBBBBBBBBBBBBB"[:32]), got)
}

func TestPatchRCacheReflectsProgAfterRead(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 64, false)
	require.NoError(t, dev.Prog(0, 0, []byte("AAAAAAAAAAAAAAAA")))
	require.NoError(t, dev.Sync())

	// Populate rcache.
	_, err := dev.Read(0, 0, 16)
	require.NoError(t, err)

	// Prog overlapping the cached window; rcache must reflect it on
	// the next read without needing another device round-trip.
	require.NoError(t, dev.Prog(0, 0, []byte("BBBBBBBBBBBBBBBB")))
	require.NoError(t, dev.Sync())

	got, err := dev.Read(0, 0, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("BBBBBBBBBBBBBBBB"), got)
}

func TestEraseInvalidatesCachedWindows(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	require.NoError(t, dev.Prog(0, 0, []byte("0123456789abcdef")))
	require.NoError(t, dev.Sync())
	_, err := dev.Read(0, 0, 16)
	require.NoError(t, err)

	require.NoError(t, dev.Erase(0))

	got, err := dev.Read(0, 0, 16)
	require.NoError(t, err)
	for _, b := range got {
		require.Equal(t, byte(0xff), b)
	}
}

func TestCmpCpySet(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	require.NoError(t, dev.Set(0, 0, 16, 0x42))
	require.NoError(t, dev.Sync())

	eq, err := dev.Cmp(0, 0, make([]byte, 16))
	require.NoError(t, err)
	require.False(t, eq)

	want := make([]byte, 16)
	for i := range want {
		want[i] = 0x42
	}
	eq, err = dev.Cmp(0, 0, want)
	require.NoError(t, err)
	require.True(t, eq)

	require.NoError(t, dev.Cpy(1, 0, 0, 0, 16))
	require.NoError(t, dev.Sync())
	got, err := dev.Read(1, 0, 16)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCksumMatchesCksumBytes(t *testing.T) {
	dev := diskio.NewCachedDevice(newMemDevice(16, 16, 512, 2), 16, false)
	data := []byte("0123456789abcdef")
	require.NoError(t, dev.Prog(0, 0, data))
	require.NoError(t, dev.Sync())

	got, err := dev.Cksum(0, 0, 0, 16)
	require.NoError(t, err)
	require.Equal(t, diskio.CksumBytes(0, data), got)
}
