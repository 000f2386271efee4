// Package mtree implements the mroot chain (discovered by walking
// from the fixed anchor blocks {0,1}) and the mtree itself — a btree
// of MDIR leaves keyed by mid, or, in the "2b-only" degenerate mode, a
// single mdir standing in as both mroot and sole metadata container.
//
// Grounded on the teacher's lib/btrfs/btrfsvol address-translation
// chain idiom (lvm.go's chunk-tree-of-mappings) and
// btrfstree.LookupTreeRoot's root-pointer resolution, generalized from
// btrfs's fixed superblock-rooted trees to lfs3's self-extending mroot
// chain.
package mtree

import (
	"errors"
	"fmt"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/alloc"
	"github.com/lfs3-go/lfs3/lib/lfs3/btree"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/mdir"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
)

// AnchorPair is the fixed, never-relocated starting point every mount
// walks from (spec.md §4.6).
var AnchorPair = mdir.Pair{A: 0, B: 1}

// ErrNoAnchor means neither block 0 nor block 1 held a valid rbyd —
// the device was never formatted, or formatting never completed.
var ErrNoAnchor = errors.New("mtree: no valid mroot anchor at blocks {0,1}")

// Chain is the sequence of mroots from the anchor to the active tail,
// inclusive. Chain[0] is always the anchor pair.
type Chain struct {
	MRoots []*mdir.MDir
}

// Active is the last (and authoritative) mroot in the chain.
func (c *Chain) Active() *mdir.MDir { return c.MRoots[len(c.MRoots)-1] }

// DiscoverChain walks the mroot chain from the fixed anchor, following
// MROOT tags to successive pairs until a fetched mdir carries none
// (spec.md §4.6 "The mroot is discovered by walking from the fixed
// anchor {0,1}"). maxHops bounds the walk as a cheap guard against a
// corrupt cyclic chain; traversal's Brent's-algorithm cycle detector
// is the authoritative guard used during a full filesystem traversal.
func DiscoverChain(dev *diskio.CachedDevice, maxHops int) (*Chain, error) {
	root, err := mdir.Fetch(dev, AnchorPair)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAnchor, err)
	}
	chain := &Chain{MRoots: []*mdir.MDir{root}}

	cur := root
	for i := 0; i < maxHops; i++ {
		entry, ok := cur.Active.LookupTag(lfsprim.TagMRoot)
		if !ok {
			return chain, nil
		}
		next, err := decodeMRootPointer(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("mtree: decode mroot pointer: %w", err)
		}
		nextMDir, err := mdir.Fetch(dev, next)
		if err != nil {
			return nil, fmt.Errorf("mtree: fetch mroot %v: %w", next, err)
		}
		chain.MRoots = append(chain.MRoots, nextMDir)
		cur = nextMDir
	}
	return nil, fmt.Errorf("mtree: mroot chain exceeded %d hops, suspect a cycle", maxHops)
}

func decodeMRootPointer(dat []byte) (mdir.Pair, error) {
	a, n, err := getUleb(dat)
	if err != nil {
		return mdir.Pair{}, err
	}
	b, _, err := getUleb(dat[n:])
	if err != nil {
		return mdir.Pair{}, err
	}
	return mdir.Pair{A: lfsprim.Block(a), B: lfsprim.Block(b)}, nil
}

func getUleb(dat []byte) (uint32, int, error) {
	var v uint32
	var shift uint
	for i := 0; i < len(dat); i++ {
		b := dat[i]
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("mtree: truncated leb128")
}

// Tree is the mtree proper: a btree of MDIR leaves keyed by mid. In
// the degenerate zero-mtree mode (spec.md §4.6), there is no separate
// Tree at all — the active mroot is the sole mdir, and callers should
// never construct a Tree in that case.
type Tree struct {
	inner btree.Btree
}

// Open wraps an existing MTREE root pointer (read from the active
// mroot's MTREE tag) as a Tree.
func Open(root btree.Ptr) *Tree {
	return &Tree{inner: btree.Btree{Root: root}}
}

// Root returns the current root pointer, to be persisted back into
// the active mroot's MTREE tag after a commit.
func (t *Tree) Root() btree.Ptr { return t.inner.Root }

// Commit appends rattrs (typically a single updated MDIR leaf) into
// the mtree's root, relocating via the underlying btree's commit
// ladder as needed. Callers must persist the (possibly new) Root()
// into the active mroot's MTREE tag afterward.
func (t *Tree) Commit(dev *diskio.CachedDevice, a *alloc.Allocator, rattrs []rbyd.Rattr) error {
	return t.inner.Commit(dev, a, rattrs)
}

// LookupMDir finds the mdir pair owning mid.
func (t *Tree) LookupMDir(dev *diskio.CachedDevice, mid lfsprim.Mid) (mdir.Pair, error) {
	entry, err := t.inner.Lookup(dev, lfsprim.Rid(mid))
	if err != nil {
		return mdir.Pair{}, fmt.Errorf("mtree: lookup mid %d: %w", mid, err)
	}
	pair, err := decodeMRootPointer(entry.Data)
	if err != nil {
		return mdir.Pair{}, err
	}
	return pair, nil
}
