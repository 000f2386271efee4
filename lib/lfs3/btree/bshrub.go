package btree

import (
	"fmt"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
)

// Bshrub is a secondary trunk living rent-free inside an mdir's rbyd
// (the SHRUB-bit overlay, spec.md §3), treated as a btree root for
// commit purposes but never owning a block of its own. It shares the
// host mdir's erase/compact lifecycle entirely — a shrub is promoted
// to a standalone Btree only when it outgrows what's comfortable to
// keep inline (spec.md §4.7's crystallization policy decides when).
type Bshrub struct {
	HostBlock lfsprim.Block
	Trunk     uint32
	Weight    uint64
}

// Lookup reads the host mdir rbyd and looks up rid within the shrub's
// weighted range. Since the shrub shares the host's already-fetched
// rbyd, callers that already have it should prefer calling
// host.LookupNext directly; this is provided for symmetry with Btree.
func (s *Bshrub) Lookup(dev *diskio.CachedDevice, rid lfsprim.Rid) (rbyd.Entry, error) {
	host, err := rbyd.Fetch(dev, s.HostBlock)
	if err != nil {
		return rbyd.Entry{}, fmt.Errorf("bshrub: fetch host %d: %w", s.HostBlock, err)
	}
	entry, ok := host.LookupNext(rid)
	if !ok {
		return rbyd.Entry{}, ErrNotFound
	}
	return entry, nil
}

// Promote converts a shrub into a standalone Btree rooted at a fresh
// block, used once spec.md §4.7's crystallization policy decides the
// file/directory has outgrown its host mdir's comfortable budget.
func Promote(dev *diskio.CachedDevice, host *rbyd.Rbyd, dst lfsprim.Block) (*Btree, error) {
	if err := dev.Erase(dst); err != nil {
		return nil, fmt.Errorf("bshrub: promote erase %d: %w", dst, err)
	}
	compacted, err := rbyd.Compact(dev, host, dst, 1)
	if err != nil {
		return nil, fmt.Errorf("bshrub: promote compact onto %d: %w", dst, err)
	}
	return &Btree{Root: Ptr{Block: compacted.Block, Trunk: compacted.Trunk, Weight: compacted.Weight, Cksum: compacted.Cksum}}, nil
}
