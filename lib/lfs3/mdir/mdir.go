// Package mdir implements the two-block atomic metadata pair: the
// active block (the rbyd with the higher revision) plus its
// compaction partner. Grounded on the teacher's btrfs superblock
// mirror-selection idiom (pick the copy with the highest generation)
// generalized from a handful of fixed superblock mirrors to a
// two-block pair that swaps roles on every compaction.
package mdir

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/alloc"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
)

// Log receives a debug trace of pair-fetch outcomes (which half adopted,
// and why) and relocations; nil (the default) disables logging. Set by
// the owning FS at mount time, mirroring the Log field other lfs3
// subpackages carry rather than threading a context.Context through
// every method here.
var Log dlog.Logger

// Pair is an ordered pair of blocks; one is active, one is the
// compaction target, and they swap roles every commit that compacts.
type Pair struct {
	A, B lfsprim.Block
}

// MDir is a fetched metadata pair: the active rbyd plus which slot of
// Pair it came from.
type MDir struct {
	Pair       Pair
	Active     *rbyd.Rbyd
	activeIsA  bool
}

// seq compares two revision counts with wraparound, the way lfs3
// distinguishes "the higher revision" even after a uint32 rollover
// (spec.md §3: "higher revision (sequence-compared)").
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// Fetch reads both blocks of pair and adopts whichever has the valid
// rbyd with the higher revision as Active. If only one block fetches
// cleanly, it's adopted unconditionally — the other is assumed to be
// mid-compaction from an interrupted commit.
func Fetch(dev *diskio.CachedDevice, pair Pair) (*MDir, error) {
	a, aErr := rbyd.Fetch(dev, pair.A)
	b, bErr := rbyd.Fetch(dev, pair.B)

	switch {
	case aErr != nil && bErr != nil:
		return nil, fmt.Errorf("mdir: both blocks of pair {%d,%d} failed to fetch: %w / %w", pair.A, pair.B, aErr, bErr)
	case aErr != nil:
		if Log != nil {
			Log.Warnf("mdir: pair {%d,%d}: block %d unreadable (%v), adopting %d", pair.A, pair.B, pair.A, aErr, pair.B)
		}
		return &MDir{Pair: pair, Active: b, activeIsA: false}, nil
	case bErr != nil:
		if Log != nil {
			Log.Warnf("mdir: pair {%d,%d}: block %d unreadable (%v), adopting %d", pair.A, pair.B, pair.B, bErr, pair.A)
		}
		return &MDir{Pair: pair, Active: a, activeIsA: true}, nil
	case seqGreater(a.Rev, b.Rev):
		return &MDir{Pair: pair, Active: a, activeIsA: true}, nil
	default:
		return &MDir{Pair: pair, Active: b, activeIsA: false}, nil
	}
}

// partner returns the non-active block of the pair.
func (m *MDir) partner() lfsprim.Block {
	if m.activeIsA {
		return m.Pair.B
	}
	return m.Pair.A
}

// Commit runs the three-step ladder spec.md §3 describes for an mdir:
// (1) append to the active block's erased tail; (2) on ErrRange,
// erase and compact onto the partner block with rev+1, swapping
// active; (3) on a second ErrRange (the compacted set itself is too
// big for one block), return rbyd.ErrRange so the caller (the btree/
// mtree layer one level up) can split the mdir's mid-range in two.
func (m *MDir) Commit(dev *diskio.CachedDevice, rattrs []rbyd.Rattr) error {
	if err := m.Active.Append(dev, rattrs); err == nil {
		return nil
	} else if !errors.Is(err, rbyd.ErrRange) {
		return fmt.Errorf("mdir: commit to pair {%d,%d}: %w", m.Pair.A, m.Pair.B, err)
	}

	partner := m.partner()
	if err := dev.Erase(partner); err != nil {
		return fmt.Errorf("mdir: erase partner %d: %w", partner, err)
	}
	compacted, err := rbyd.Compact(dev, m.Active, partner, m.Active.Rev+1)
	if err != nil {
		return fmt.Errorf("mdir: compact onto partner %d: %w", partner, err)
	}
	if err := compacted.Append(dev, rattrs); err != nil {
		return fmt.Errorf("mdir: commit after compaction onto %d: %w", partner, err)
	}
	m.Active = compacted
	m.activeIsA = !m.activeIsA
	return nil
}

// Relocate abandons both blocks of the pair (e.g. a wear-leveling
// hint or a write error on one member) and rebuilds the pair from
// fresh allocator blocks, recompacting the active rbyd's live content
// into them (spec.md §3 "Lifecycles": "mdirs: ... committed by
// writing a fresh trunk and CKSUM on the other block").
func (m *MDir) Relocate(dev *diskio.CachedDevice, a *alloc.Allocator) error {
	newA, err := a.Alloc()
	if err != nil {
		return fmt.Errorf("mdir: relocate: %w", err)
	}
	newB, err := a.Alloc()
	if err != nil {
		return fmt.Errorf("mdir: relocate: %w", err)
	}
	if err := dev.Erase(newA); err != nil {
		return err
	}
	if err := dev.Erase(newB); err != nil {
		return err
	}
	compacted, err := rbyd.Compact(dev, m.Active, newA, m.Active.Rev+1)
	if err != nil {
		return fmt.Errorf("mdir: relocate compact: %w", err)
	}
	oldPair := m.Pair
	m.Pair = Pair{A: newA, B: newB}
	m.Active = compacted
	m.activeIsA = true
	if Log != nil {
		Log.Debugf("mdir: relocated pair %v -> %v", oldPair, m.Pair)
	}
	return nil
}
