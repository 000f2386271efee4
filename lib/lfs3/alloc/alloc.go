// Package alloc implements the block allocator: a lookahead bitmap
// window scanned against a traversal, plus an in-flight table
// tracking blocks handed out since the last checkpoint so a
// not-yet-committed allocation is never handed out twice before the
// traversal that would reveal it as "in use" has had a chance to run.
//
// Grounded on the teacher's lib/containers.LRUCache eviction
// bookkeeping (a fixed-size window of candidate entries, refilled by
// scanning) and rebuildmappings' scan-then-freelist shape (sweep the
// device, build up a usable-space index, hand out from it).
package alloc

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
)

// ErrNoSpace is spec.md §6's NOSPC: the lookahead window and the
// rest of the device (after a rescan) found nothing free.
var ErrNoSpace = errors.New("alloc: no space left on device")

// Allocator hands out fresh blocks. It is single-threaded, matching
// spec.md §5: exactly one logical caller drives Alloc/Checkpoint at a
// time.
type Allocator struct {
	blockCount int
	window     []bool // true == free, within [off, off+len(window))
	off        int
	scanned    int // how many blocks of the device this window has covered since the last full rescan

	inflight map[lfsprim.Block]uint64 // block -> checkpoint generation it was handed out under
	ckptGen  uint64

	// Log receives debug-level traces of rescans and allocations, and
	// warn-level traces of exhaustion; nil (the zero value) disables
	// logging entirely, matching textui's dlog.Logger usage elsewhere
	// in this package set.
	Log dlog.Logger
}

// NewAllocator creates an allocator over a device with blockCount
// blocks, with a lookahead window of windowSize blocks (spec.md §4.8).
func NewAllocator(blockCount, windowSize int) *Allocator {
	if windowSize <= 0 || windowSize > blockCount {
		windowSize = blockCount
	}
	return &Allocator{
		blockCount: blockCount,
		window:     make([]bool, windowSize),
		inflight:   make(map[lfsprim.Block]uint64),
	}
}

// Rescan marks every block in the lookahead window as free and
// records which ones a traversal (isUsed) reports as in use, starting
// at the window's current offset and wrapping modulo the block count
// — the allocator never
// keeps a persistent free list, only this transient window (spec.md
// §4.8).
func (a *Allocator) Rescan(isUsed func(lfsprim.Block) bool) {
	for i := range a.window {
		block := lfsprim.Block((a.off + i) % a.blockCount)
		free := !isUsed(block)
		if _, held := a.inflight[block]; held {
			free = false
		}
		a.window[i] = free
	}
	a.scanned = len(a.window)
	if a.Log != nil {
		free := 0
		for _, f := range a.window {
			if f {
				free++
			}
		}
		a.Log.Debugf("alloc: rescan window=%d free=%d off=%d", len(a.window), free, a.off)
	}
}

// Alloc returns the next free block from the lookahead window,
// advancing past it. Callers are expected to Rescan (optionally with
// a fresh traversal) when Alloc reports ErrNoSpace, then retry once;
// a second ErrNoSpace after a full-device rescan means the device is
// genuinely full.
func (a *Allocator) Alloc() (lfsprim.Block, error) {
	for i, free := range a.window {
		if !free {
			continue
		}
		block := lfsprim.Block((a.off + i) % a.blockCount)
		a.window[i] = false
		a.inflight[block] = a.ckptGen
		a.off = (a.off + i + 1) % a.blockCount
		a.window = a.window[i+1:]
		if a.Log != nil {
			a.Log.Debugf("alloc: handed out block=%d gen=%d", block, a.ckptGen)
		}
		return block, nil
	}
	if a.Log != nil {
		a.Log.Warnf("alloc: window exhausted at off=%d", a.off)
	}
	return 0, fmt.Errorf("%w: window exhausted at off=%d", ErrNoSpace, a.off)
}

// Checkpoint advances the in-flight generation: blocks allocated
// before this point are assumed committed (or abandoned on power
// loss, in which case the next mount's traversal will simply not see
// them referenced, and a later Rescan will reclaim them). Graft, the
// spec's term for this bookkeeping, is implemented as this generation
// counter plus the inflight map it gates.
func (a *Allocator) Checkpoint() {
	a.ckptGen++
	for block, gen := range a.inflight {
		if gen < a.ckptGen-1 {
			delete(a.inflight, block)
		}
	}
}

// InFlight reports whether block was handed out by Alloc and not yet
// superseded by a Checkpoint old enough to have forgotten it.
func (a *Allocator) InFlight(block lfsprim.Block) bool {
	_, ok := a.inflight[block]
	return ok
}
