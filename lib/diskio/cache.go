package diskio

import (
	"hash/crc32"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// window is a (block, off, buf) cache line, mirroring the teacher's
// bufferedFile block-window idiom (file_blockbuf.go) — generalized
// here into two independent windows (rcache/pcache) instead of one,
// since a pending prog must be readable before it's durable but must
// never be mistaken for a committed read.
type window struct {
	valid bool
	block Block
	off   int
	buf   []byte
}

func (w *window) covers(b Block, off, size int) bool {
	if !w.valid || w.block != b {
		return false
	}
	return off >= w.off && off+size <= w.off+len(w.buf)
}

// CachedDevice wraps a Device with an rcache (read-only window) and a
// pcache (pending prog window), per spec.md §4.1. Read and Prog reject
// offsets and sizes that are not aligned to the device's advertised
// ReadSize/ProgSize; Cksum widens its range to aligned reads. Block
// bounds and the block count are not checked here.
type CachedDevice struct {
	dev       Device
	cacheSize int
	ckprogs   bool

	rcache window
	pcache window
}

// NewCachedDevice wraps dev with a cache window of cacheSize bytes
// (must be a multiple of both ReadSize and ProgSize). ckprogs, if
// true, re-reads every just-progged range and compares it to what was
// requested, returning *ErrOutOfRange on mismatch (spec.md §4.1's optional
// "ckprogs" validation).
func NewCachedDevice(dev Device, cacheSize int, ckprogs bool) *CachedDevice {
	return &CachedDevice{dev: dev, cacheSize: cacheSize, ckprogs: ckprogs}
}

func (c *CachedDevice) Device() Device { return c.dev }

func (c *CachedDevice) alignedReadSize(off, size int) error {
	rs := c.dev.ReadSize()
	if off%rs != 0 || size%rs != 0 {
		return &ErrOutOfRange{Off: off, Size: size}
	}
	return nil
}

func (c *CachedDevice) alignedProgSize(off, size int) error {
	ps := c.dev.ProgSize()
	if off%ps != 0 || size%ps != 0 {
		return &ErrOutOfRange{Off: off, Size: size}
	}
	return nil
}

// Read reads size bytes from block b at off. pcache wins where ranges
// overlap; else rcache; else a fresh aligned rcache-sized window is
// fetched from the device.
func (c *CachedDevice) Read(b Block, off, size int) ([]byte, error) {
	if err := c.alignedReadSize(off, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)

	// A pending prog that only partly overlaps the range is flushed
	// first, so the device read below sees it.
	if c.pcache.valid && c.pcache.block == b && off < c.pcache.off+len(c.pcache.buf) &&
		c.pcache.off < off+size && !c.pcache.covers(b, off, size) {
		if err := c.Flush(); err != nil {
			return nil, err
		}
	}

	if c.pcache.covers(b, off, size) {
		copy(out, c.pcache.buf[off-c.pcache.off:])
		return out, nil
	}
	if c.rcache.covers(b, off, size) {
		copy(out, c.rcache.buf[off-c.rcache.off:])
		return out, nil
	}

	// Fall back to an rcache-sized, read-aligned window. If the
	// requested range doesn't fit in one window (larger than
	// cacheSize), read directly without caching.
	if size > c.cacheSize {
		if err := c.dev.ReadAt(b, off, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	winOff := off - (off % c.cacheSize)
	winSize := c.cacheSize
	if winOff+winSize > c.dev.BlockSize() {
		winSize = c.dev.BlockSize() - winOff
	}
	buf := make([]byte, winSize)
	if err := c.dev.ReadAt(b, winOff, buf); err != nil {
		return nil, err
	}
	c.rcache = window{valid: true, block: b, off: winOff, buf: buf}
	copy(out, buf[off-winOff:])
	return out, nil
}

// Prog programs dat to block b at off. Only forward-contiguous progs
// into an already-addressed pcache window are coalesced; anything
// else flushes first. A prog that is itself prog-aligned and at least
// cacheSize bypasses the pcache entirely.
func (c *CachedDevice) Prog(b Block, off int, dat []byte) error {
	if err := c.alignedProgSize(off, len(dat)); err != nil {
		return err
	}

	if len(dat) >= c.cacheSize {
		if err := c.Flush(); err != nil {
			return err
		}
		if err := c.dev.ProgAt(b, off, dat); err != nil {
			return err
		}
		c.patchRCache(b, off, dat)
		return c.maybeCkProg(b, off, dat)
	}

	if c.pcache.valid && c.pcache.block == b && c.pcache.off+len(c.pcache.buf) == off &&
		len(c.pcache.buf)+len(dat) <= c.cacheSize {
		c.pcache.buf = append(c.pcache.buf, dat...)
		return nil
	}

	if err := c.Flush(); err != nil {
		return err
	}
	c.pcache = window{valid: true, block: b, off: off, buf: append([]byte(nil), dat...)}
	return nil
}

func (c *CachedDevice) maybeCkProg(b Block, off int, want []byte) error {
	if !c.ckprogs {
		return nil
	}
	got, err := c.Read(b, off, len(want))
	if err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			return &ErrOutOfRange{Block: b, Off: off, Size: len(want)}
		}
	}
	return nil
}

// Flush writes out any pending pcache contents.
func (c *CachedDevice) Flush() error {
	if !c.pcache.valid {
		return nil
	}
	w := c.pcache
	c.pcache = window{}
	if err := c.dev.ProgAt(w.block, w.off, w.buf); err != nil {
		return err
	}
	c.patchRCache(w.block, w.off, w.buf)
	return c.maybeCkProg(w.block, w.off, w.buf)
}

// patchRCache updates rcache contents in place if the just-progged
// region overlaps it, per spec.md §4.1.
func (c *CachedDevice) patchRCache(b Block, off int, dat []byte) {
	if !c.rcache.valid || c.rcache.block != b {
		return
	}
	rlo, rhi := c.rcache.off, c.rcache.off+len(c.rcache.buf)
	lo, hi := off, off+len(dat)
	if hi <= rlo || lo >= rhi {
		return
	}
	// Intersect and copy the overlapping bytes.
	ilo, ihi := lo, hi
	if ilo < rlo {
		ilo = rlo
	}
	if ihi > rhi {
		ihi = rhi
	}
	copy(c.rcache.buf[ilo-rlo:ihi-rlo], dat[ilo-lo:ihi-lo])
}

// Erase erases block b and invalidates any cached windows referring to
// it.
func (c *CachedDevice) Erase(b Block) error {
	if c.pcache.valid && c.pcache.block == b {
		c.pcache = window{}
	}
	if c.rcache.valid && c.rcache.block == b {
		c.rcache = window{}
	}
	return c.dev.EraseAt(b)
}

// Sync flushes the pcache and syncs the underlying device.
func (c *CachedDevice) Sync() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.dev.Sync()
}

// Cmp compares size bytes at (b,off) against dat.
func (c *CachedDevice) Cmp(b Block, off int, dat []byte) (bool, error) {
	got, err := c.Read(b, off, len(dat))
	if err != nil {
		return false, err
	}
	for i := range dat {
		if got[i] != dat[i] {
			return false, nil
		}
	}
	return true, nil
}

// Cpy copies size bytes from (srcBlock,srcOff) to (dstBlock,dstOff)
// through the pcache.
func (c *CachedDevice) Cpy(dstBlock Block, dstOff int, srcBlock Block, srcOff, size int) error {
	buf, err := c.Read(srcBlock, srcOff, size)
	if err != nil {
		return err
	}
	return c.Prog(dstBlock, dstOff, buf)
}

// Set fills size bytes at (b,off) with the given byte value.
func (c *CachedDevice) Set(b Block, off, size int, v byte) error {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = v
	}
	return c.Prog(b, off, buf)
}

// Cksum computes the crc32c of size bytes at (b,off), continuing from
// a running seed (pass 0 for a fresh checksum). crc32c is spec.md §6's
// required polynomial; Go's crc32.Castagnoli table is that polynomial.
func (c *CachedDevice) Cksum(seed uint32, b Block, off, size int) (uint32, error) {
	rs := c.dev.ReadSize()
	lo := off - off%rs
	hi := off + size
	if r := hi % rs; r != 0 {
		hi += rs - r
	}
	buf, err := c.Read(b, lo, hi-lo)
	if err != nil {
		return 0, err
	}
	return crc32.Update(seed, castagnoliTable, buf[off-lo:off-lo+size]), nil
}

// CksumBytes continues a running crc32c over an in-RAM buffer (used
// while building a commit before it's progged).
func CksumBytes(seed uint32, dat []byte) uint32 {
	return crc32.Update(seed, castagnoliTable, dat)
}
