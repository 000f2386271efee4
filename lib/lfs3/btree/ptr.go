// Package btree implements the copy-on-write B-tree whose inner nodes
// are rbyds containing BRANCH tags, plus the bshrub variant whose root
// trunk lives inline inside an mdir rather than owning its own block.
// Grounded on the teacher's lib/btrfs/btrfstree.TreeWalk/TreeSearch
// read-side descent shape, with a write-side commit ladder built fresh
// in the same idiom since btrfs-rec never writes trees (spec.md §4.3).
package btree

import (
	"fmt"

	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfssum"
	"github.com/lfs3-go/lfs3/lib/lfsbin"
)

// Ptr is a btree/branch root pointer: (block, trunk, weight, cksum),
// the BRANCH/BTREE/MTREE tag payload shape from spec.md §6.
type Ptr struct {
	Block  lfsprim.Block
	Trunk  uint32
	Weight uint64
	Cksum  lfssum.Cksum
}

// Encode serializes p as `leb128 weight | leb128 block | leb128 trunk
// | le32 cksum`.
func (p Ptr) Encode() []byte {
	buf := lfsbin.PutUleb128(nil, uint32(p.Weight))
	buf = lfsbin.PutUleb128(buf, uint32(p.Block))
	buf = lfsbin.PutUleb128(buf, p.Trunk)
	cksumBytes, _ := lfsbin.LE32(p.Cksum).MarshalBinary()
	return append(buf, cksumBytes...)
}

// DecodePtr parses the Encode wire format.
func DecodePtr(dat []byte) (Ptr, error) {
	weight, n1, err := lfsbin.GetUleb128(dat)
	if err != nil {
		return Ptr{}, fmt.Errorf("btree: decode ptr weight: %w", err)
	}
	dat = dat[n1:]
	block, n2, err := lfsbin.GetUleb128(dat)
	if err != nil {
		return Ptr{}, fmt.Errorf("btree: decode ptr block: %w", err)
	}
	dat = dat[n2:]
	trunk, n3, err := lfsbin.GetUleb128(dat)
	if err != nil {
		return Ptr{}, fmt.Errorf("btree: decode ptr trunk: %w", err)
	}
	dat = dat[n3:]
	var cksum lfsbin.LE32
	if _, err := cksum.UnmarshalBinary(dat); err != nil {
		return Ptr{}, fmt.Errorf("btree: decode ptr cksum: %w", err)
	}
	return Ptr{
		Block:  lfsprim.Block(block),
		Trunk:  trunk,
		Weight: uint64(weight),
		Cksum:  lfssum.Cksum(cksum),
	}, nil
}
