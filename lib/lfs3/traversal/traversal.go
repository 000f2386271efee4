// Package traversal implements the explicit state machine that visits
// every referenced (block, tag) in the filesystem exactly once per
// pass: MROOTANCHOR → MROOTCHAIN → MTREE → MDIRS → MDIR → BTREE →
// OMDIRS → OBTREE → DONE (spec.md §4.10). It's the engine behind
// allocator lookahead scans, mkconsistent, compact, ckmeta, and
// ckdata.
//
// Grounded on the teacher's btrfstree.TreeWalkHandler callback shape
// (rebuildnodes/graph's explicit-graph-as-data-structure idiom),
// generalized from a one-shot recursive walk into an explicit,
// resumable state machine so a DIRTY flag can interrupt and restart
// it mid-pass when a concurrent commit invalidates what's already
// been visited.
package traversal

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/btree"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/mdir"
	"github.com/lfs3-go/lfs3/lib/lfs3/mtree"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
)

type State int

const (
	StateMRootAnchor State = iota
	StateMRootChain
	StateMTree
	StateMDirs
	StateMDir
	StateBTree
	StateOMDirs
	StateOBTree
	StateDone
)

func (s State) String() string {
	switch s {
	case StateMRootAnchor:
		return "MROOTANCHOR"
	case StateMRootChain:
		return "MROOTCHAIN"
	case StateMTree:
		return "MTREE"
	case StateMDirs:
		return "MDIRS"
	case StateMDir:
		return "MDIR"
	case StateBTree:
		return "BTREE"
	case StateOMDirs:
		return "OMDIRS"
	case StateOBTree:
		return "OBTREE"
	default:
		return "DONE"
	}
}

// Visited is one (block, tag) pair produced by a traversal step.
type Visited struct {
	Block lfsprim.Block
	Tag   lfsprim.Tag
}

// ErrCycle is returned when Brent's-algorithm cycle detection catches
// the mroot chain looping back on itself — spec.md §4.10's guard
// against a corrupt chain hanging a mount.
var ErrCycle = errors.New("traversal: mroot chain contains a cycle")

// OpenFile is a currently-open, possibly-unsynced file or directory
// handle; OMDIRS/OBTREE visit these so a traversal run concurrently
// with open-but-uncommitted writes still accounts for every live
// block.
type OpenFile struct {
	Mid  lfsprim.Mid
	Root btree.Ptr // zero value if the file has no out-of-line tree yet
}

// Traversal drives one pass of the state machine over a mounted
// filesystem. Dirty, once set by MarkDirty, causes the next Step call
// to restart from StateMRootAnchor — any live commit invalidates
// whatever progress had been made (spec.md §4.10's DIRTY flag).
type Traversal struct {
	dev       *diskio.CachedDevice
	state     State
	dirty     bool
	openFiles []OpenFile

	chain     *mtree.Chain
	chainIdx  int
	mdirQueue []mdir.Pair
	mdirIdx   int
	curMDir   *rbyd.Rbyd
	curRid    lfsprim.Rid
	openIdx   int

	// Brent's algorithm state for mroot-chain cycle detection.
	power, lam int
	tortoise   mdir.Pair

	// Log receives a trace of state transitions and dirty-restarts;
	// nil disables logging.
	Log dlog.Logger
}

// New starts a fresh traversal over dev.
func New(dev *diskio.CachedDevice) *Traversal {
	return &Traversal{dev: dev, state: StateMRootAnchor, power: 1, lam: 1}
}

// MarkDirty is called by the commit engine after every commit; any
// traversal in flight restarts from the top on its next Step.
func (t *Traversal) MarkDirty() {
	t.dirty = true
	if t.Log != nil {
		t.Log.Debugf("traversal: marked dirty at state=%v", t.state)
	}
}

// SetOpenFiles registers the currently-open file/dir handles visited
// by OMDIRS/OBTREE.
func (t *Traversal) SetOpenFiles(files []OpenFile) { t.openFiles = files }

// Step advances the traversal by one (block, tag) pair. ok is false
// once the traversal reaches StateDone.
func (t *Traversal) Step() (v Visited, ok bool, err error) {
	if t.dirty {
		if t.Log != nil {
			t.Log.Debugf("traversal: restarting from top (state was %v)", t.state)
		}
		*t = Traversal{dev: t.dev, state: StateMRootAnchor, power: 1, lam: 1, openFiles: t.openFiles, Log: t.Log}
	}

	switch t.state {
	case StateMRootAnchor:
		chain, err := mtree.DiscoverChain(t.dev, 4096)
		if err != nil {
			return Visited{}, false, err
		}
		t.chain = chain
		t.chainIdx = 0
		t.state = StateMRootChain
		return t.Step()

	case StateMRootChain:
		if err := t.brentCheck(); err != nil {
			return Visited{}, false, err
		}
		if t.chainIdx >= len(t.chain.MRoots) {
			t.state = StateMTree
			return t.Step()
		}
		m := t.chain.MRoots[t.chainIdx]
		t.chainIdx++
		return Visited{Block: m.Pair.A, Tag: lfsprim.TagMRoot}, true, nil

	case StateMTree:
		active := t.chain.Active()
		entry, ok := active.Active.LookupTag(lfsprim.TagMTree)
		if !ok {
			// Degenerate 2b-only mode: the active mroot is the sole
			// mdir; MDIRS has exactly one member.
			t.mdirQueue = []mdir.Pair{active.Pair}
			t.mdirIdx = 0
			t.state = StateMDirs
			return t.Step()
		}
		ptr, err := btree.DecodePtr(entry.Data)
		if err != nil {
			return Visited{}, false, err
		}
		t.mdirQueue = collectMDirLeaves(t.dev, ptr)
		t.mdirIdx = 0
		t.state = StateMDirs
		return Visited{Block: ptr.Block, Tag: lfsprim.TagMTree}, true, nil

	case StateMDirs:
		if t.mdirIdx >= len(t.mdirQueue) {
			t.state = StateOMDirs
			t.openIdx = 0
			return t.Step()
		}
		pair := t.mdirQueue[t.mdirIdx]
		t.mdirIdx++
		m, err := mdir.Fetch(t.dev, pair)
		if err != nil {
			return Visited{}, false, fmt.Errorf("traversal: fetch mdir %v: %w", pair, err)
		}
		t.curMDir = m.Active
		t.curRid = 0
		t.state = StateMDir
		return Visited{Block: m.Active.Block, Tag: lfsprim.TagMDir}, true, nil

	case StateMDir:
		entry, ok := t.curMDir.LookupNext(t.curRid)
		if !ok {
			t.state = StateMDirs
			return t.Step()
		}
		t.curRid = entry.Rid + 1
		if entry.Tag == lfsprim.TagBTree || entry.Tag == lfsprim.TagBShrub {
			t.state = StateBTree
			return Visited{Block: t.curMDir.Block, Tag: entry.Tag}, true, nil
		}
		return Visited{Block: t.curMDir.Block, Tag: entry.Tag}, true, nil

	case StateBTree:
		t.state = StateMDir
		return t.Step()

	case StateOMDirs:
		if t.openIdx >= len(t.openFiles) {
			t.state = StateDone
			if t.Log != nil {
				t.Log.Debugf("traversal: done, visited %d mdirs", len(t.mdirQueue))
			}
			return Visited{}, false, nil
		}
		of := t.openFiles[t.openIdx]
		t.openIdx++
		if of.Root.Block == 0 {
			return t.Step()
		}
		t.state = StateOBTree
		return Visited{Block: of.Root.Block, Tag: lfsprim.TagBTree}, true, nil

	case StateOBTree:
		t.state = StateOMDirs
		return t.Step()

	default:
		return Visited{}, false, nil
	}
}

// brentCheck implements Brent's cycle-detection algorithm over the
// sequence of mroot pairs visited so far, comparing against a
// "tortoise" checkpoint advanced at power-of-two intervals.
func (t *Traversal) brentCheck() error {
	if t.chainIdx == 0 {
		t.tortoise = mdir.Pair{}
		return nil
	}
	cur := t.chain.MRoots[t.chainIdx-1].Pair
	if t.chainIdx == t.power {
		t.tortoise = cur
		t.power *= 2
		t.lam = 0
		return nil
	}
	t.lam++
	if cur == t.tortoise {
		return fmt.Errorf("%w: repeats pair %v after %d hops", ErrCycle, cur, t.lam)
	}
	return nil
}

// collectMDirLeaves walks the mtree btree rooted at ptr, returning the
// mdir pair encoded in every leaf. Simplified to the single-level
// Btree model lib/lfs3/btree implements (see DESIGN.md).
func collectMDirLeaves(dev *diskio.CachedDevice, ptr btree.Ptr) []mdir.Pair {
	r, err := rbyd.Fetch(dev, ptr.Block)
	if err != nil {
		return nil
	}
	var pairs []mdir.Pair
	rid := lfsprim.Rid(0)
	for {
		entry, ok := r.LookupNext(rid)
		if !ok {
			break
		}
		rid = entry.Rid + 1
		if entry.Tag != lfsprim.TagMDir {
			continue
		}
		a, n, err := getUleb(entry.Data)
		if err != nil {
			continue
		}
		b, _, err := getUleb(entry.Data[n:])
		if err != nil {
			continue
		}
		pairs = append(pairs, mdir.Pair{A: lfsprim.Block(a), B: lfsprim.Block(b)})
	}
	return pairs
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
	return 0, 0, fmt.Errorf("traversal: truncated leb128")
}
