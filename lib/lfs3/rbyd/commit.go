package rbyd

import (
	"errors"
	"fmt"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfssum"
	"github.com/lfs3-go/lfs3/lib/lfsbin"
	"github.com/lfs3-go/lfs3/lib/rbtree"
)

// ErrRange is the internal "need to compact/split/relocate" signal
// (spec.md §6's RANGE error kind) — Append returns it when a commit
// would not fit in the block's erased tail.
var ErrRange = errors.New("rbyd: does not fit, needs compact/split")

// Rattr is an in-RAM pending attribute: the unit of work the btree,
// mdir, and mtree commit ladders pass down to Append. Rm/Grow/Shrub
// only ever exist here — they never appear on disk (spec.md §3).
type Rattr struct {
	Tag   lfsprim.Tag
	Rid   lfsprim.Rid
	Delta int64 // signed weight delta; negative on Rm
	Data  []byte
	Rm    bool
	Grow  bool
}

// Append writes rattrs into the block's erased tail starting at Eoff,
// then seals the commit with AppendCksum. If the tail doesn't have
// room, ErrRange is returned and the caller (btree/mdir commit ladder)
// must compact or split instead (spec.md §4.3 step d).
func (r *Rbyd) Append(dev *diskio.CachedDevice, rattrs []Rattr) error {
	blockSize := dev.Device().BlockSize()
	progSize := dev.Device().ProgSize()

	buf := make([]byte, 0, 256)
	for _, a := range rattrs {
		tagBytes, _ := lfsbin.BE16(a.Tag).MarshalBinary()
		buf = append(buf, tagBytes...)
		buf = lfsbin.PutUleb128(buf, uint32(len(a.Data)))
		buf = append(buf, a.Data...)
	}

	// Pad to prog-unit alignment.
	if rem := len(buf) % progSize; rem != 0 {
		buf = append(buf, make([]byte, progSize-rem)...)
	}

	if int(r.Eoff)+len(buf) > blockSize {
		return fmt.Errorf("%w: block %d", ErrRange, r.Block)
	}

	// Only mutate the in-RAM index once the commit is known to fit —
	// a caller that retries via Compact after ErrRange walks this same
	// index to rebuild its rattrs, so a premature mutation here would
	// make the retried commit apply every rattr twice.
	for _, a := range rattrs {
		if a.Rm {
			r.index.Delete(a.Rid)
		} else {
			r.index.Insert(a.Rid, Entry{Tag: a.Tag, Rid: a.Rid, Weight: uint32(a.Delta), Data: a.Data})
		}
	}

	if len(buf) > 0 {
		if err := dev.Prog(r.Block, int(r.Eoff), buf); err != nil {
			return fmt.Errorf("rbyd: append to block %d: %w", r.Block, err)
		}
		r.Trunk = r.Eoff
		r.Eoff += uint32(len(buf))
	}

	r.Weight = uint64(r.index.TotalWeight())
	return r.AppendCksum(dev)
}

// AppendCksum pads to the next prog-unit, emits an ECKSUM describing
// the expected state of the following prog-unit of erased storage,
// then writes the sealing CKSUM tag (phase, leb128 padding, le32
// crc32c; no perturb bit is written) and syncs the device (spec.md §4.2
// "Append-cksum").
func (r *Rbyd) AppendCksum(dev *diskio.CachedDevice) error {
	blockSize := dev.Device().BlockSize()
	progSize := dev.Device().ProgSize()

	if int(r.Eoff)+2*progSize <= blockSize {
		eckTag, _ := lfsbin.BE16(lfsprim.TagECksum).MarshalBinary()
		eckBody := lfsbin.PutUleb128(nil, uint32(progSize))
		cksum, err := dev.Cksum(0, r.Block, int(r.Eoff)+progSize, progSize)
		if err != nil {
			return fmt.Errorf("rbyd: ecksum block %d: %w", r.Block, err)
		}
		cksumBytes, _ := lfsbin.LE32(cksum).MarshalBinary()
		eck := append(eckTag, lfsbin.PutUleb128(nil, uint32(len(eckBody)+len(cksumBytes)))...)
		eck = append(eck, eckBody...)
		eck = append(eck, cksumBytes...)
		eck = pad(eck, progSize)
		if err := dev.Prog(r.Block, int(r.Eoff), eck); err != nil {
			return fmt.Errorf("rbyd: write ecksum block %d: %w", r.Block, err)
		}
		r.Eoff += uint32(len(eck))
	}

	header, err := dev.Read(r.Block, 0, int(r.Eoff))
	if err != nil {
		return fmt.Errorf("rbyd: reread for cksum block %d: %w", r.Block, err)
	}
	phase := uint8(r.Block & 3)
	running := diskio.CksumBytes(0, header)

	cksumTag, _ := lfsbin.BE16(lfsprim.TagCksum).MarshalBinary()
	body := lfsbin.PutUleb128(nil, uint32(phase))
	seal := append([]byte{}, cksumTag...)
	seal = append(seal, lfsbin.PutUleb128(nil, uint32(len(body)+4))...)
	seal = append(seal, body...)
	running = diskio.CksumBytes(running, seal)
	final, _ := lfsbin.LE32(running).MarshalBinary()
	seal = append(seal, final...)

	padded := pad(seal, progSize)
	if int(r.Eoff)+len(padded) > blockSize {
		return fmt.Errorf("%w: block %d has no room for trailing cksum", ErrRange, r.Block)
	}
	if err := dev.Prog(r.Block, int(r.Eoff), padded); err != nil {
		return fmt.Errorf("rbyd: write cksum block %d: %w", r.Block, err)
	}
	r.Eoff += uint32(len(padded))
	r.Cksum = lfssum.Cksum(running)

	return dev.Sync()
}

func pad(b []byte, align int) []byte {
	if rem := len(b) % align; rem != 0 {
		b = append(b, make([]byte, align-rem)...)
	}
	return b
}

// Compact rewrites every live entry into dst (freshly erased), in rid
// order, producing a fresh trunk with no tombstoned history —
// spec.md's mdir-pair compaction and the btree commit ladder's
// "estimate/compact" step both drive through this. Grounded on the
// teacher's rebuildnodes scan-then-rewrite idiom (read everything
// live, discard the rest, re-synthesize).
func Compact(dev *diskio.CachedDevice, src *Rbyd, dst lfsprim.Block, rev uint32) (*Rbyd, error) {
	out := &Rbyd{Block: dst, Rev: rev}
	out.index = newIndex()

	var rattrs []Rattr
	_ = src.index.Walk(func(node *rbtree.Node[lfsprim.Rid, Entry]) error {
		rattrs = append(rattrs, Rattr{
			Tag:   node.Value.Tag,
			Rid:   node.Key,
			Delta: int64(node.Value.Weight),
			Data:  node.Value.Data,
		})
		return nil
	})

	revBytes, _ := lfsbin.LE32(rev).MarshalBinary()
	if err := dev.Prog(dst, 0, revBytes); err != nil {
		return nil, fmt.Errorf("rbyd: compact write revision block %d: %w", dst, err)
	}
	out.Eoff = 4

	if err := out.Append(dev, rattrs); err != nil {
		return nil, fmt.Errorf("rbyd: compact block %d: %w", dst, err)
	}
	return out, nil
}
