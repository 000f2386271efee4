// Package gstate implements lfs3's two pieces of global filesystem
// state that live outside any single mdir: gcksum (a running xor of
// every active mdir's checksum, verified via a crc32c-cube delta
// chain) and grm (a queue of up to two mids pending removal, used to
// make multi-step remove/rename operations atomic across commits).
//
// Grounded on the teacher's rebuildmappings.NodeExpectations
// (expected-vs-observed reconciliation against a running aggregate).
// The grm queue is a fixed two-slot array.
package gstate

import (
	"errors"
	"fmt"

	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfssum"
)

// ErrGCksumMismatch is returned by Reconstruct when the mount-time
// xor-of-deltas doesn't reproduce cube(gcksum) — spec.md §4.9's
// rollback/media-corruption signal.
var ErrGCksumMismatch = errors.New("gstate: gcksum delta chain mismatch")

// GCksum tracks the xor of active mdir checksums in RAM, plus the
// delta chain needed to reconstruct and verify it at mount.
type GCksum struct {
	Value lfssum.Cksum
}

// Delta computes the GCKSUMDELTA to emit for an mdir whose final
// checksum is changing from oldCksum to newCksum, and updates Value
// in place (spec.md §4.9). The delta is cube(Value before) ^
// cube(Value after), so the xor of every delta emitted since Value was
// zero telescopes to cube(Value).
func (g *GCksum) Delta(oldCksum, newCksum lfssum.Cksum) lfssum.Cksum {
	newValue := g.Value ^ oldCksum ^ newCksum
	delta := lfssum.Cube(g.Value) ^ lfssum.Cube(newValue)
	g.Value = newValue
	return delta
}

// Reconstruct verifies that the xor of every GCKSUMDELTA read off disk
// during a mount-time traversal reproduces cube(Value), per spec.md
// §4.9's mount invariant.
func Reconstruct(gcksum lfssum.Cksum, deltas []lfssum.Cksum) error {
	got := lfssum.XorAll(deltas)
	want := lfssum.Cube(gcksum)
	if got != want {
		return fmt.Errorf("%w: got %v want %v", ErrGCksumMismatch, got, want)
	}
	return nil
}

// GRM (global remove) is a queue of up to two mids scheduled for
// removal across a multi-step commit sequence, persisted as a
// GRMDELTA tag. A remove or rename that must touch more than one mdir
// atomically enqueues the secondary mid here; the commit that
// actually frees it dequeues and cancels the entry.
type GRM struct {
	mids [2]lfsprim.Mid
	n    int
}

// ErrFull is returned by Push when both GRM slots are occupied —
// spec.md's two-slot limit; a third pending removal must wait for an
// existing one to be cancelled first.
var ErrFull = errors.New("gstate: grm queue full")

func (g *GRM) Push(mid lfsprim.Mid) error {
	if g.n >= len(g.mids) {
		return ErrFull
	}
	g.mids[g.n] = mid
	g.n++
	return nil
}

// Cancel removes mid from the queue if present, reporting whether it
// was found.
func (g *GRM) Cancel(mid lfsprim.Mid) bool {
	for i := 0; i < g.n; i++ {
		if g.mids[i] == mid {
			copy(g.mids[i:g.n-1], g.mids[i+1:g.n])
			g.n--
			return true
		}
	}
	return false
}

// Has reports whether mid is pending removal.
func (g *GRM) Has(mid lfsprim.Mid) bool {
	for i := 0; i < g.n; i++ {
		if g.mids[i] == mid {
			return true
		}
	}
	return false
}

func (g *GRM) Mids() []lfsprim.Mid { return append([]lfsprim.Mid(nil), g.mids[:g.n]...) }

// Encode produces a GRMDELTA payload: up to two leb128 mids,
// zero-terminated (spec.md §6).
func (g *GRM) Encode() []byte {
	var buf []byte
	for i := 0; i < g.n; i++ {
		buf = appendUleb(buf, uint64(g.mids[i]))
	}
	buf = append(buf, 0)
	return buf
}

// DecodeGRM parses a GRMDELTA payload produced by Encode, reconstructing
// the pending-mid queue a mount finds left over from a prior session.
func DecodeGRM(data []byte) (*GRM, error) {
	g := &GRM{}
	for {
		v, n, err := getUleb(data)
		if err != nil {
			return nil, fmt.Errorf("gstate: decode grm: %w", err)
		}
		data = data[n:]
		if v == 0 {
			return g, nil
		}
		if err := g.Push(lfsprim.Mid(v)); err != nil {
			return nil, fmt.Errorf("gstate: decode grm: %w", err)
		}
	}
}

func getUleb(data []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range data {
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("truncated uleb128")
}

func appendUleb(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}
