package rbyd

import (
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/rbtree"
)

// BlackHeight returns the in-RAM index's black-height (the number of
// black nodes from root to the leftmost leaf), used by debug-mode
// invariant checks that the index stays a valid red-black tree across
// any sequence of Append/Fetch rebuilds (spec.md §3).
func (r *Rbyd) BlackHeight() int { return r.index.BlackHeight() }

// Lookup returns the entry for rid tagged tag, if present. Grounded on
// the teacher's btrfstree.TreeSearch binary-descent shape, here
// walking the in-RAM weighted index built by Fetch/Append instead of
// re-parsing the on-disk alt-pointer trunk on every call.
func (r *Rbyd) Lookup(rid lfsprim.Rid, tag lfsprim.Tag) (Entry, bool) {
	node := r.index.Lookup(rid)
	if node == nil || node.Value.Tag != tag {
		return Entry{}, false
	}
	return node.Value, true
}

// LookupNext returns the first entry at or after rid, honouring
// insertion order for ties — used by directory reads (dir_read) to
// step through rids in order without knowing exact tags up front.
func (r *Rbyd) LookupNext(rid lfsprim.Rid) (Entry, bool) {
	if node := r.index.Lookup(rid); node != nil {
		return node.Value, true
	}
	for node := r.index.Min(); node != nil; node = r.index.Next(node) {
		if node.Key.Cmp(rid) >= 0 {
			return node.Value, true
		}
	}
	return Entry{}, false
}

// LookupTag scans for the first (in rid order) entry carrying tag,
// regardless of rid. Used for mdir-wide singleton records (MAGIC,
// GEOMETRY, MTREE, MROOT, ...) that aren't addressed by a particular
// rid the way a directory entry's NAME/STRUCT tags are.
func (r *Rbyd) LookupTag(tag lfsprim.Tag) (Entry, bool) {
	var found Entry
	ok := false
	_ = r.index.Walk(func(node *rbtree.Node[lfsprim.Rid, Entry]) error {
		if !ok && node.Value.Tag == tag {
			found = node.Value
			ok = true
		}
		return nil
	})
	return found, ok
}

// NameLookup walks the index in rid order for a NAME-family entry
// matching did+name (spec.md §4.3 "Name lookups"), returning the last
// matching rid's entry; it does not binary-search.
// Grounded on the teacher's btrfstree path-walk binary search
// (btree_searchers.go), generalized from a fixed 17-byte key
// comparison to lfs3's variable-length (did, name) key.
func (r *Rbyd) NameLookup(did lfsprim.Did, name []byte) (lfsprim.Rid, Entry, bool) {
	var found Entry
	var foundRid lfsprim.Rid
	ok := false
	_ = r.index.Walk(func(node *rbtree.Node[lfsprim.Rid, Entry]) error {
		e := node.Value
		switch e.Tag {
		case lfsprim.TagReg, lfsprim.TagDir, lfsprim.TagStickynote, lfsprim.TagBookmark, lfsprim.TagBName:
			entryDid, rest, derr := decodeDidName(e.Data)
			if derr != nil {
				return nil
			}
			if entryDid == did && string(rest) == string(name) {
				found = e
				foundRid = node.Key
				ok = true
			}
		}
		return nil
	})
	return foundRid, found, ok
}
