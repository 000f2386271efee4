package lfsprim

import "github.com/lfs3-go/lfs3/lib/diskio"

// Did is a directory ID: a generation counter minted on mkdir,
// disambiguating reused name entries after a directory is removed and
// its rid slot reclaimed.
type Did uint32

func (a Did) Cmp(b Did) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Mid is the global file/dir identity: mbid*mweight-range + rid,
// flattened into a single ordinal over the whole mtree. It's the key
// space the mtree btree is keyed by.
type Mid uint64

func (a Mid) Cmp(b Mid) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Bid is a btree-local ordinal: the weighted position of a leaf within
// a single btree/bshrub, used by the commit ladder's lookup-by-weight
// descent.
type Bid uint64

func (a Bid) Cmp(b Bid) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Rid is an mdir-local ordinal: 0..weight-1 identifying a directory
// entry within a single mdir's rbyd.
type Rid uint32

func (a Rid) Cmp(b Rid) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Block re-exports diskio.Block so lfsprim's tag/pointer types don't
// need to import diskio's Device contract alongside it.
type Block = diskio.Block
