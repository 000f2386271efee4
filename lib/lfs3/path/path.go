// Package path implements directory-entry encoding and posix-style
// path walking over lfs3's did-rooted namespace (spec.md §4.5): a
// directory is identified by a Did, its entries live as tagged
// records across one or more mdirs, and "." / ".." and bookmark
// entries are resolved exactly the way a filesystem's own dir_open/
// dir_read would.
//
// Grounded on the teacher's btrfsitem.DirItem decode (itemDirItemData
// in item_dirlike.go: a fixed key plus an inline name, decoded
// record-by-record rather than via a general-purpose directory
// index), generalized from btrfs's inode-number-keyed entries to
// lfs3's (did, name) keyed entries with an explicit child identifier
// trailing the name instead of a separate key field.
package path

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/mdir"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
	"github.com/lfs3-go/lfs3/lib/lfsbin"
)

// RootDid is the directory ID minted at format time for "/".
const RootDid = lfsprim.Did(0)

// ErrNotFound is returned when a path component has no matching entry.
var ErrNotFound = errors.New("path: no such entry")

// ErrNotDir is returned when a non-final path component doesn't name a
// directory.
var ErrNotDir = errors.New("path: not a directory")

// Entry is one decoded directory record: did+name (the key) plus the
// trailing target identifier (a child Did for TagDir/TagBookmark, or a
// Mid for TagReg/TagStickynote).
type Entry struct {
	Did    lfsprim.Did
	Name   string
	Tag    lfsprim.Tag
	Target uint64
}

// EncodeEntry serializes did, name, and the trailing target identifier
// into a record payload: leb128(did) | leb128(len(name)) | name |
// leb128(target). The explicit length prefix (rather than rbyd's
// simpler "everything after did is the name" scheme used for plain
// name lookups) lets a directory record carry its target without
// ambiguity.
func EncodeEntry(did lfsprim.Did, name string, target uint64) []byte {
	buf := lfsbin.PutUleb128(nil, uint32(did))
	buf = lfsbin.PutUleb128(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = lfsbin.PutUleb128(buf, uint32(target))
	return buf
}

// DecodeEntry parses a record payload produced by EncodeEntry.
func DecodeEntry(tag lfsprim.Tag, data []byte) (Entry, error) {
	did, n, err := lfsbin.GetUleb128(data)
	if err != nil {
		return Entry{}, fmt.Errorf("path: decode did: %w", err)
	}
	data = data[n:]
	nameLen, n, err := lfsbin.GetUleb128(data)
	if err != nil {
		return Entry{}, fmt.Errorf("path: decode name length: %w", err)
	}
	data = data[n:]
	if int(nameLen) > len(data) {
		return Entry{}, fmt.Errorf("path: truncated name")
	}
	name := string(data[:nameLen])
	data = data[nameLen:]
	target, _, err := lfsbin.GetUleb128(data)
	if err != nil {
		return Entry{}, fmt.Errorf("path: decode target: %w", err)
	}
	return Entry{Did: did, Name: name, Tag: tag, Target: uint64(target)}, nil
}

// Resolver scans a fixed set of known mdirs for directory entries. In
// a fuller implementation a did would resolve to a specific owning
// mdir directly (avoiding the scan); this exercise's scope keeps every
// mdir's live set small enough that a linear scan over MDirs is the
// simplest honest option, noted in DESIGN.md rather than built out
// into a did→mdir index no test exercises.
type Resolver struct {
	Dev   *diskio.CachedDevice
	MDirs []mdir.Pair

	// Masked reports whether mid is enqueued in the grm and so must be
	// treated as already removed even though its directory record
	// hasn't been physically deleted yet (spec.md §4.9: "grm is
	// consulted on every name lookup so removed entries vanish
	// immediately even if the physical removal has not yet landed").
	// nil means nothing is masked.
	Masked func(lfsprim.Mid) bool
}

// Lookup finds the entry named name within did, scanning every known
// mdir and skipping any REG/STICKYNOTE entry whose mid is currently
// masked by the grm queue.
func (r *Resolver) Lookup(did lfsprim.Did, name string) (Entry, error) {
	for _, pair := range r.MDirs {
		m, err := mdir.Fetch(r.Dev, pair)
		if err != nil {
			return Entry{}, fmt.Errorf("path: fetch mdir %v: %w", pair, err)
		}
		rid := lfsprim.Rid(0)
		for {
			rec, ok := m.Active.LookupNext(rid)
			if !ok {
				break
			}
			rid = rec.Rid + 1
			switch rec.Tag {
			case lfsprim.TagDir, lfsprim.TagReg, lfsprim.TagStickynote, lfsprim.TagBookmark:
			default:
				continue
			}
			entry, err := DecodeEntry(rec.Tag, rec.Data)
			if err != nil {
				continue
			}
			if entry.Did != did || entry.Name != name {
				continue
			}
			if (entry.Tag == lfsprim.TagReg || entry.Tag == lfsprim.TagStickynote) &&
				r.Masked != nil && r.Masked(lfsprim.Mid(entry.Target)) {
				continue
			}
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q in did %d", ErrNotFound, name, did)
}

// Resolve walks p component by component from root, honouring "."
// (no-op) and ".." (via a bookmark entry literally named ".." in the
// current directory, spec.md §4.5). It returns the final matched
// entry; for "/" itself it returns a synthetic TagDir entry pointing
// at RootDid.
func (r *Resolver) Resolve(p string) (Entry, error) {
	cur := Entry{Did: RootDid, Name: "/", Tag: lfsprim.TagDir, Target: uint64(RootDid)}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if cur.Tag != lfsprim.TagDir && cur.Tag != lfsprim.TagBookmark {
			return Entry{}, fmt.Errorf("%w: %q", ErrNotDir, cur.Name)
		}
		next, err := r.Lookup(lfsprim.Did(cur.Target), part)
		if err != nil {
			return Entry{}, err
		}
		cur = next
	}
	return cur, nil
}
