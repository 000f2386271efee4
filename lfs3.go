// Package lfs3 is a power-loss-resilient embedded filesystem engine:
// the public Mount/Format/Mkdir/Remove/Rename/Stat/Open* surface over
// the append-only rbyd/mdir/mtree/gstate stack implemented under
// lib/lfs3.
//
// Grounded on the teacher's top-level API shape: btrfsinspect's
// exported entry points (OpenFS, ScanDevices, Repair) each wire
// together a handful of lib/btrfs/* packages behind one small public
// surface and translate internal errors into a stable, documented
// set — the same shape this package gives lfs3's internal sentinel
// errors (rbyd.ErrCorrupt, btree.ErrNotFound, ...) via the Errno type.
package lfs3

import (
	"errors"
	"fmt"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/lfs3-go/lfs3/lib/diskio"
	"github.com/lfs3-go/lfs3/lib/lfs3/alloc"
	"github.com/lfs3-go/lfs3/lib/lfs3/btree"
	"github.com/lfs3-go/lfs3/lib/lfs3/commit"
	"github.com/lfs3-go/lfs3/lib/lfs3/file"
	"github.com/lfs3-go/lfs3/lib/lfs3/gstate"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfsprim"
	"github.com/lfs3-go/lfs3/lib/lfs3/lfssum"
	"github.com/lfs3-go/lfs3/lib/lfs3/mdir"
	"github.com/lfs3-go/lfs3/lib/lfs3/mtree"
	"github.com/lfs3-go/lfs3/lib/lfs3/path"
	"github.com/lfs3-go/lfs3/lib/lfs3/rbyd"
	"github.com/lfs3-go/lfs3/lib/lfs3/traversal"
	"github.com/lfs3-go/lfs3/lib/lfsbin"
)

// Errno is one of spec.md §6's stable, negative error-kind values,
// modeled on POSIX errno but scoped to what this filesystem actually
// returns.
type Errno int

const (
	EINVAL       Errno = -1
	ENOTSUP      Errno = -2
	EIO          Errno = -3
	ECORRUPT     Errno = -4
	ENOENT       Errno = -5
	EEXIST       Errno = -6
	ENOTDIR      Errno = -7
	EISDIR       Errno = -8
	ENOTEMPTY    Errno = -9
	EFBIG        Errno = -10
	ENOSPC       Errno = -11
	ENOMEM       Errno = -12
	ENOATTR      Errno = -13
	ENAMETOOLONG Errno = -14
	ERANGE       Errno = -15
)

// Error wraps an internal failure with a stable Errno and the
// operation that produced it.
type Error struct {
	Op  string
	No  Errno
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lfs3: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lfs3: %s: errno %d", e.Op, e.No)
}

func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Errno() int    { return int(e.No) }

func wrapErr(op string, no Errno, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, No: no, Err: err}
}

func errnoFor(err error) Errno {
	switch {
	case errors.Is(err, rbyd.ErrCorrupt):
		return ECORRUPT
	case errors.Is(err, btree.ErrNotFound), errors.Is(err, path.ErrNotFound):
		return ENOENT
	case errors.Is(err, path.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, alloc.ErrNoSpace):
		return ENOSPC
	case errors.Is(err, gstate.ErrFull):
		return ENOSPC
	case errors.Is(err, gstate.ErrGCksumMismatch):
		return ECORRUPT
	case errors.Is(err, mtree.ErrNoAnchor):
		return ECORRUPT
	default:
		return EIO
	}
}

// Config holds format-time geometry, matching spec.md §2's Config
// struct.
type Config struct {
	NameLimit     int
	FileLimit     uint64
	CrystalThresh int
	FragmentSize  int
	CacheSize     int

	// Log receives debug/warn traces from the allocator, the commit
	// engine, mdir pair resolution, and the traversal/GC state
	// machine, the way cmd/lfs3's --verbosity flag drives textui's
	// logger for the CLI itself. nil (the default) disables logging.
	Log dlog.Logger
}

// DefaultConfig mirrors file.DefaultConfig's thresholds plus
// conservative name/file limits.
var DefaultConfig = Config{
	NameLimit:     255,
	FileLimit:     0xffffffff,
	CrystalThresh: file.DefaultConfig.CrystalThresh,
	FragmentSize:  file.DefaultConfig.FragmentSize,
	CacheSize:     file.DefaultConfig.CacheSize,
}

func (c Config) fileCfg() file.Config {
	return file.Config{CrystalThresh: c.CrystalThresh, FragmentSize: c.FragmentSize, CacheSize: c.CacheSize}
}

// magic is the on-disk tag written at format time and checked at
// mount (spec.md §6's MAGIC record).
var magic = []byte("littlefs3io")

// FS is a mounted filesystem. This exercise's scope runs it in
// "2b-only" mode (spec.md §4.6): the active mroot anchor pair is
// itself the sole mdir, with no separate mtree fan-out — sufficient
// for the single-directory-tree scale this implementation targets,
// disclosed in DESIGN.md rather than silently narrowing the spec.
type FS struct {
	dev   *diskio.CachedDevice
	alloc *alloc.Allocator
	chain *mtree.Chain
	fs    *commit.Filesystem
	trav  *traversal.Traversal

	cfg     Config
	nextDid lfsprim.Did
	nextMid lfsprim.Mid

	open map[lfsprim.Mid]*file.File

	// ckDone tracks whether a ckmeta/ckdata scan has completed since
	// mount (or since the last Unck); GC uses it to skip a redundant
	// re-scan the way original_source's "littlefs will perform only
	// one scan after mount" comment describes.
	ckDone bool
}

func newFS(dev diskio.Device, cfg Config) *FS {
	cached := diskio.NewCachedDevice(dev, cfg.CacheSize, false)
	a := alloc.NewAllocator(int(dev.BlockCount()), 1024)
	a.Log = cfg.Log
	mdir.Log = cfg.Log
	return &FS{
		dev:     cached,
		alloc:   a,
		cfg:     cfg,
		nextDid: 1, // 0 is RootDid
		nextMid: 1,
		open:    make(map[lfsprim.Mid]*file.File),
	}
}

// Format writes a fresh anchor pair at blocks {0,1} with the given
// geometry and an empty root directory (spec.md §4.6 "Format").
func Format(dev diskio.Device, cfg Config) error {
	cached := diskio.NewCachedDevice(dev, cfg.CacheSize, false)
	mdir.Log = cfg.Log

	if err := cached.Erase(mtree.AnchorPair.A); err != nil {
		return wrapErr("format", EIO, err)
	}
	if err := cached.Erase(mtree.AnchorPair.B); err != nil {
		return wrapErr("format", EIO, err)
	}

	r := &rbyd.Rbyd{Block: mtree.AnchorPair.A, Rev: 1, Eoff: 4}
	revBytes, _ := lfsbin.LE32(1).MarshalBinary()
	if err := cached.Prog(r.Block, 0, revBytes); err != nil {
		return wrapErr("format", EIO, err)
	}

	geometry := lfsbin.PutUleb128(nil, uint32(dev.BlockSize()))
	geometry = lfsbin.PutUleb128(geometry, uint32(dev.BlockCount()))

	rattrs := []rbyd.Rattr{
		{Tag: lfsprim.TagMagic, Data: magic},
		{Tag: lfsprim.TagVersion, Data: lfsbin.PutUleb128(nil, 0x00030000)},
		{Tag: lfsprim.TagGeometry, Data: geometry},
		{Tag: lfsprim.TagNameLimit, Data: lfsbin.PutUleb128(nil, uint32(cfg.NameLimit))},
		{Tag: lfsprim.TagFileLimit, Data: lfsbin.PutUleb128(nil, uint32(cfg.FileLimit))},
		{Tag: lfsprim.TagDir, Rid: 1, Delta: 1, Data: path.EncodeEntry(path.RootDid, "/", uint64(path.RootDid))},
		// Root's own "." and ".." bookmarks, so a dir_read over "/"
		// begins with them exactly as a freshly mkdir'd subdirectory's
		// does (spec.md §8 scenario 2); root's ".." points at itself.
		{Tag: lfsprim.TagBookmark, Rid: 2, Delta: 1, Data: path.EncodeEntry(path.RootDid, ".", uint64(path.RootDid))},
		{Tag: lfsprim.TagBookmark, Rid: 3, Delta: 1, Data: path.EncodeEntry(path.RootDid, "..", uint64(path.RootDid))},
	}
	if err := r.Append(cached, rattrs); err != nil {
		return wrapErr("format", EIO, err)
	}
	return nil
}

// Mount discovers the mroot chain from the fixed anchor, verifies the
// MAGIC record, and reconstructs in-RAM global state (spec.md §4.6
// "Mount").
func Mount(dev diskio.Device, cfg Config) (*FS, error) {
	fsys := newFS(dev, cfg)

	chain, err := mtree.DiscoverChain(fsys.dev, 4096)
	if err != nil {
		return nil, wrapErr("mount", errnoFor(err), err)
	}
	fsys.chain = chain

	active := chain.Active()
	if rec, ok := active.Active.LookupTag(lfsprim.TagMagic); !ok || string(rec.Data) != string(magic) {
		return nil, wrapErr("mount", ECORRUPT, fmt.Errorf("missing or wrong MAGIC record"))
	}

	grm := &gstate.GRM{}
	if rec, ok := active.Active.LookupTag(lfsprim.TagGrmDelta); ok {
		decoded, err := gstate.DecodeGRM(rec.Data)
		if err != nil {
			return nil, wrapErr("mount", ECORRUPT, fmt.Errorf("decode grm: %w", err))
		}
		grm = decoded
	}

	fsys.fs = &commit.Filesystem{
		Dev: fsys.dev, Alloc: fsys.alloc, Chain: chain, MTree: nil,
		GCksum: &gstate.GCksum{}, GRM: grm, Log: cfg.Log,
	}
	fsys.trav = traversal.New(fsys.dev)
	fsys.trav.Log = cfg.Log
	fsys.fs.Dirty = fsys.trav.MarkDirty

	if err := fsys.rescanAlloc(); err != nil {
		return nil, wrapErr("mount", errnoFor(err), err)
	}

	// spec.md §4.9: "on mount, any non-empty grm triggers a fixup
	// pass" — a prior session that crashed between committing its grm
	// delta and physically removing the entry left a record on disk
	// that lookups already mask but haven't reclaimed.
	if len(grm.Mids()) > 0 {
		if err := fsys.MkConsistent(); err != nil {
			return nil, wrapErr("mount", errnoFor(err), err)
		}
	}

	return fsys, nil
}

// rescanAlloc runs a full traversal to collect every block currently
// referenced by live metadata and data, then seeds the allocator's
// lookahead window from it — the allocator otherwise starts with an
// all-used window and ErrNoSpace on first Alloc (spec.md §4.8 "the
// lookahead window is rebuilt by a traversal, never persisted").
func (fsys *FS) rescanAlloc() error {
	used := markReservedPairs(make(map[lfsprim.Block]bool))
	t := traversal.New(fsys.dev)
	for {
		v, ok, err := t.Step()
		if err != nil {
			return fmt.Errorf("rescan traversal: %w", err)
		}
		if !ok {
			break
		}
		used[v.Block] = true
	}
	fsys.alloc.Rescan(func(b lfsprim.Block) bool { return used[b] })
	return nil
}

// markReservedPairs adds every block that is permanently reserved
// regardless of which half a traversal's tag-visiting pass happens to
// land on. The anchor pair is fixed by spec.md at mtree.AnchorPair:
// only one of its two blocks ever holds the currently-adopted commit,
// but the other is still reserved as its compaction partner and must
// never be handed out by the allocator — Rescan/Usage previously
// tracked only traversal-visited (block, tag) pairs, so a freshly
// formatted filesystem (whose inactive anchor half carries no tags at
// all) under-reported its own reserved space and could, in principle,
// have let the allocator claim it for something else.
func markReservedPairs(used map[lfsprim.Block]bool) map[lfsprim.Block]bool {
	used[mtree.AnchorPair.A] = true
	used[mtree.AnchorPair.B] = true
	return used
}

// Unmount flushes any pending writes. Open file handles must be
// synced/closed first; Unmount does not implicitly flush them.
func (fsys *FS) Unmount() error {
	return wrapErr("unmount", EIO, fsys.dev.Sync())
}

// Traversal iterates every (block, tag) pair currently referenced by
// the mounted filesystem, the public handle for spec.md §4.10's GC
// walk (cmd/lfs3's fsck and dump-tree subcommands both drive one of
// these to completion).
type Traversal struct {
	fsys *FS
	inner *traversal.Traversal
}

// OpenTraversal starts a fresh traversal pass over fsys.
func (fsys *FS) OpenTraversal() (*Traversal, error) {
	return &Traversal{fsys: fsys, inner: traversal.New(fsys.dev)}, nil
}

// Read returns the next visited (block, tag) pair, or ok=false once
// the pass completes.
func (t *Traversal) Read() (v traversal.Visited, ok bool, err error) {
	v, ok, err = t.inner.Step()
	if err != nil {
		return v, false, wrapErr("traversal", errnoFor(err), err)
	}
	return v, ok, nil
}

// Rewind restarts the pass from the top.
func (t *Traversal) Rewind() { t.inner = traversal.New(t.fsys.dev) }

// Close releases the traversal; it holds no on-disk resources of its
// own.
func (t *Traversal) Close() error { return nil }

// CkMeta walks every referenced block once, surfacing the first
// rbyd.ErrCorrupt (or other failure) a full metadata walk encounters
// (spec.md §6's `fs_ckmeta`). rbyd.Fetch already validates each
// block's trailing checksum on read, so a corrupt block surfaces here
// without CkMeta needing its own separate checksum pass.
func (fsys *FS) CkMeta() error {
	trav, err := fsys.OpenTraversal()
	if err != nil {
		return err
	}
	for {
		_, ok, err := trav.Read()
		if err != nil {
			return err
		}
		if !ok {
			fsys.ckDone = true
			return nil
		}
	}
}

// Usage reports the number of blocks a full traversal finds currently
// referenced, out of the device's total block count (spec.md §6's
// `fs_size`).
func (fsys *FS) Usage() (used, total int, err error) {
	trav, oerr := fsys.OpenTraversal()
	if oerr != nil {
		return 0, 0, oerr
	}
	seen := markReservedPairs(make(map[lfsprim.Block]bool))
	for {
		v, ok, rerr := trav.Read()
		if rerr != nil {
			return 0, 0, rerr
		}
		if !ok {
			break
		}
		seen[v.Block] = true
	}
	return len(seen), fsys.dev.Device().BlockCount(), nil
}

// MkConsistent runs the grm fixup pass spec.md §4.8 requires at mount
// time for any non-empty grm queue: a pending mid left over from a
// Remove/Rename that crashed between its grm commit and its actual
// directory-entry commit still has a live record on disk (lookups
// already mask it, but it hasn't been physically reclaimed). For each
// such mid, MkConsistent finds and removes that record, then cancels
// the mid from grm. It is idempotent: a mid whose record was already
// removed (or was never written) gets no removal commit, only the
// cancel and its CommitGRM, and calling MkConsistent again on an
// already-clean grm is a no-op.
func (fsys *FS) MkConsistent() error {
	for _, mid := range fsys.fs.GRM.Mids() {
		rid, tag, found := fsys.findRidByMid(mid)
		if found {
			if err := fsys.fs.Commit(0, []rbyd.Rattr{{Tag: tag, Rid: rid, Rm: true, Delta: -1}}); err != nil {
				return wrapErr("mkconsistent", EIO, err)
			}
		}
		fsys.fs.GRM.Cancel(mid)
		if err := fsys.fs.CommitGRM(); err != nil {
			return wrapErr("mkconsistent", EIO, err)
		}
	}
	return nil
}

// CkData verifies metadata checksums (as CkMeta does) plus the data
// checksum of every currently open file (spec.md §6's fs_ckdata;
// original_source/lfs3.h's lfs3_fs_ckdata: "Check the filesystem for
// metadata + data errors"). Scope note: a REG/STICKYNOTE entry with no
// open FileHandle isn't independently reopened and checked here —
// there is no path-free way to reconstruct a file.File from an
// on-disk NAME record outside of FS.Open — so an unopened file's data
// checksum is verified the next time it's opened, via
// (*FileHandle).CkData, instead of by this pass.
func (fsys *FS) CkData() error {
	if err := fsys.CkMeta(); err != nil {
		return err
	}
	for _, f := range fsys.open {
		if err := f.CkData(fsys.dev); err != nil {
			return wrapErr("ckdata", ECORRUPT, err)
		}
	}
	fsys.ckDone = true
	return nil
}

// Cksum computes an order-sensitive crc32c digest folded over every
// (block, tag) pair a full traversal visits (spec.md §6's fs_cksum;
// original_source's lfs3_fs_cksum: "a checksum of all metadata + data
// in the filesystem... order-sensitive. So while it's unlikely two
// filesystems with different contents will have the same checksum,
// two filesystems with the same contents may not have the same
// checksum"). Folding (block, tag) pairs in traversal order reproduces
// that same property without needing to re-read every block's payload
// a second time — each block's own on-disk CKSUM already covers its
// contents, and this digest only needs to additionally capture which
// blocks and tags were visited, and in what order.
func (fsys *FS) Cksum() (uint32, error) {
	trav, err := fsys.OpenTraversal()
	if err != nil {
		return 0, err
	}
	var sum lfssum.Cksum
	for {
		v, ok, rerr := trav.Read()
		if rerr != nil {
			return 0, rerr
		}
		if !ok {
			break
		}
		var buf [10]byte
		be := uint64(v.Block)
		for i := 0; i < 8; i++ {
			buf[i] = byte(be >> (8 * (7 - i)))
		}
		buf[8] = byte(v.Tag >> 8)
		buf[9] = byte(v.Tag)
		sum = lfssum.Update(sum, buf[:])
	}
	return uint32(sum), nil
}

// GC performs any janitorial work currently pending: a metadata
// consistency scan (skipped if a prior GC/CkMeta/CkData pass already
// completed since mount, or since the last Unck) and a compaction of
// the active mdir for wear-leveling, reusing commit.Filesystem.Relocate
// (spec.md §6's fs_gc; original_source's lfs3_fs_gc: "perform any
// janitorial work that may be pending... allows the offloading of
// expensive janitorial work to a less time-critical code path").
func (fsys *FS) GC() error {
	if !fsys.ckDone {
		if err := fsys.CkMeta(); err != nil {
			return err
		}
		fsys.ckDone = true
	}
	if err := fsys.fs.Relocate(0); err != nil {
		return wrapErr("gc", EIO, err)
	}
	return nil
}

// Unck marks any prior ckmeta/ckdata scan as stale, forcing the next
// GC to redo it; direct CkMeta/CkData calls always scan regardless
// (spec.md §6's fs_unck;
// original_source's lfs3_fs_unck: "mark janitorial work as
// incomplete... forcing the work to be redone"). flags mirrors the
// reference's per-check bitmask parameter but every value currently
// invalidates the same single ckDone flag rather than tracking
// ckmeta/ckdata staleness separately — a disclosed scope reduction,
// since nothing in this exercise drives GC/Unck finely enough to need
// the distinction.
func (fsys *FS) Unck(flags uint32) {
	fsys.ckDone = false
}

// Grow changes the number of blocks lfs3 considers part of the
// filesystem, persisting the new count into the root GEOMETRY record
// and re-seeding the allocator's lookahead window over the larger
// device (spec.md §6's fs_grow; original_source's lfs3_fs_grow:
// "change the number of blocks used by the filesystem... irreversible").
// blockCount must be at least the device's current block count;
// shrinking isn't supported (the reference doesn't support it either).
func (fsys *FS) Grow(blockCount int) error {
	if blockCount < fsys.dev.Device().BlockCount() {
		return wrapErr("grow", EINVAL, fmt.Errorf("cannot shrink block count %d -> %d", fsys.dev.Device().BlockCount(), blockCount))
	}
	data := lfsbin.PutUleb128(nil, uint32(fsys.dev.Device().BlockSize()))
	data = lfsbin.PutUleb128(data, uint32(blockCount))
	if err := fsys.fs.Commit(0, []rbyd.Rattr{{Tag: lfsprim.TagGeometry, Rid: 0, Data: data}}); err != nil {
		return wrapErr("grow", EIO, err)
	}
	fsys.alloc = alloc.NewAllocator(blockCount, 1024)
	fsys.alloc.Log = fsys.cfg.Log
	fsys.fs.Alloc = fsys.alloc
	if err := fsys.rescanAlloc(); err != nil {
		return wrapErr("grow", errnoFor(err), err)
	}
	return nil
}

// findRidByMid scans the active mdir for a REG/STICKYNOTE entry whose
// target mid matches, returning its rid and tag.
func (fsys *FS) findRidByMid(mid lfsprim.Mid) (lfsprim.Rid, lfsprim.Tag, bool) {
	active := fsys.chain.Active().Active
	rid := lfsprim.Rid(0)
	for {
		rec, ok := active.LookupNext(rid)
		if !ok {
			return 0, 0, false
		}
		rid = rec.Rid + 1
		if rec.Tag != lfsprim.TagReg && rec.Tag != lfsprim.TagStickynote {
			continue
		}
		entry, err := path.DecodeEntry(rec.Tag, rec.Data)
		if err == nil && lfsprim.Mid(entry.Target) == mid {
			return rec.Rid, rec.Tag, true
		}
	}
}

func (fsys *FS) resolver() *path.Resolver {
	return &path.Resolver{
		Dev:   fsys.dev,
		MDirs: []mdir.Pair{fsys.chain.Active().Pair},
		Masked: func(mid lfsprim.Mid) bool {
			return fsys.fs.GRM.Has(mid)
		},
	}
}

// freshRid picks an unused rid for a brand-new logical entry. The
// underlying rbyd has no separate "allocate an identity" primitive of
// its own (a record's rid is just its position in the append log, per
// lib/lfs3/rbyd's doc comments) — total live weight is a monotonic
// stand-in for "how many records have ever been live" as long as
// removals don't fully offset insertions, an accepted approximation
// at this exercise's scale rather than a persistent rid allocator.
func (fsys *FS) freshRid() lfsprim.Rid {
	return lfsprim.Rid(fsys.chain.Active().Active.Weight) + 1
}

func splitParent(p string) (dir, base string) {
	p = strings.TrimRight(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// Mkdir creates a new, empty directory at p (spec.md §4.5 "mkdir").
func (fsys *FS) Mkdir(p string) error {
	dirPath, name := splitParent(p)
	if name == "" {
		return wrapErr("mkdir", EINVAL, fmt.Errorf("empty name"))
	}
	if len(name) > fsys.cfg.NameLimit {
		return wrapErr("mkdir", ENAMETOOLONG, fmt.Errorf("name %q too long", name))
	}

	parent := path.Entry{Did: path.RootDid, Target: uint64(path.RootDid)}
	if dirPath != "" {
		var err error
		parent, err = fsys.resolver().Resolve(dirPath)
		if err != nil {
			return wrapErr("mkdir", errnoFor(err), err)
		}
	}
	if parent.Tag != lfsprim.TagDir {
		return wrapErr("mkdir", ENOTDIR, fmt.Errorf("%q is not a directory", dirPath))
	}
	parentDid := lfsprim.Did(parent.Target)

	if _, err := fsys.resolver().Lookup(parentDid, name); err == nil {
		return wrapErr("mkdir", EEXIST, fmt.Errorf("%q already exists", p))
	}

	childDid := fsys.nextDid
	fsys.nextDid++

	// The new directory's own "." and ".." bookmarks are committed
	// alongside its name entry so a dir_read over it finds them before
	// any child it is later given (spec.md §8 scenario 2).
	data := path.EncodeEntry(parentDid, name, uint64(childDid))
	dotData := path.EncodeEntry(childDid, ".", uint64(childDid))
	dotdotData := path.EncodeEntry(childDid, "..", uint64(parentDid))
	base := fsys.freshRid()
	if err := fsys.fs.Commit(0, []rbyd.Rattr{
		{Tag: lfsprim.TagDir, Rid: base, Delta: 1, Data: data},
		{Tag: lfsprim.TagBookmark, Rid: base + 1, Delta: 1, Data: dotData},
		{Tag: lfsprim.TagBookmark, Rid: base + 2, Delta: 1, Data: dotdotData},
	}); err != nil {
		return wrapErr("mkdir", EIO, err)
	}
	return nil
}

// Remove deletes an empty file or directory at p (spec.md §4.5
// "remove"). Directory non-emptiness is checked by scanning for any
// entry whose Did equals the target directory's Did, besides its own
// "." and ".." bookmarks.
//
// When p names a file, its mid is pushed onto the grm queue and that
// push is durably committed before the removal itself is attempted
// (spec.md §4.8): a crash between the two leaves a grm entry whose
// directory record is still present, the signal a subsequent mount
// uses to know the removal never landed and retry it; a crash after
// the removal but before the grm is cancelled leaves a harmless,
// idempotent cleanup for that same mount-time pass.
func (fsys *FS) Remove(p string) error {
	entry, err := fsys.resolver().Resolve(p)
	if err != nil {
		return wrapErr("remove", errnoFor(err), err)
	}
	if entry.Tag == lfsprim.TagDir {
		if fsys.dirHasEntries(lfsprim.Did(entry.Target)) {
			return wrapErr("remove", ENOTEMPTY, fmt.Errorf("%q not empty", p))
		}
	}
	// The mdir index here is keyed by per-tag sequence number, not by
	// logical (did,name) identity, so removal re-finds the owning rid
	// by re-walking rather than caching it from Resolve.
	rid, err := fsys.findRid(entry)
	if err != nil {
		return wrapErr("remove", errnoFor(err), err)
	}

	if entry.Tag != lfsprim.TagDir {
		mid := lfsprim.Mid(entry.Target)
		if err := fsys.fs.GRM.Push(mid); err != nil {
			return wrapErr("remove", ENOSPC, err)
		}
		if err := fsys.fs.CommitGRM(); err != nil {
			return wrapErr("remove", EIO, err)
		}
		defer func() {
			fsys.fs.GRM.Cancel(mid)
			_ = fsys.fs.CommitGRM()
		}()
	}

	if err := fsys.fs.Commit(0, []rbyd.Rattr{{Tag: entry.Tag, Rid: rid, Rm: true, Delta: -1}}); err != nil {
		return wrapErr("remove", EIO, err)
	}
	return nil
}

// dirHasEntries reports whether did has any entry besides its own "."
// and ".." bookmarks — those are permanent fixtures of every
// directory (written by Mkdir/Format), not user-visible children, so
// they must not make an otherwise-empty directory look non-empty.
func (fsys *FS) dirHasEntries(did lfsprim.Did) bool {
	active := fsys.chain.Active().Active
	rid := lfsprim.Rid(0)
	for {
		rec, ok := active.LookupNext(rid)
		if !ok {
			return false
		}
		rid = rec.Rid + 1
		switch rec.Tag {
		case lfsprim.TagDir, lfsprim.TagReg, lfsprim.TagStickynote:
		default:
			continue
		}
		entry, err := path.DecodeEntry(rec.Tag, rec.Data)
		if err == nil && entry.Did == did {
			return true
		}
	}
}

func (fsys *FS) findRid(target path.Entry) (lfsprim.Rid, error) {
	active := fsys.chain.Active().Active
	rid := lfsprim.Rid(0)
	for {
		rec, ok := active.LookupNext(rid)
		if !ok {
			return 0, fmt.Errorf("%w: entry vanished", path.ErrNotFound)
		}
		rid = rec.Rid + 1
		if rec.Tag != target.Tag {
			continue
		}
		entry, err := path.DecodeEntry(rec.Tag, rec.Data)
		if err == nil && entry.Did == target.Did && entry.Name == target.Name {
			return rec.Rid, nil
		}
	}
}

// Rename moves the entry at oldPath to newPath (spec.md §4.5
// "rename"). The old directory-entry record is removed and the new
// one inserted in a single rbyd commit — one append, one sealing
// CKSUM — so there is no crash window between "old gone" and "new
// present" for a power loss to land in. When oldPath names a file,
// its mid is still pushed onto the grm queue and durably committed
// before that rename commit is attempted, exactly as Remove does: a
// crash between the grm commit and the rename commit leaves a grm
// entry whose directory record still shows the old name, the signal
// a subsequent mount uses to retry the rename (spec.md §4.8).
func (fsys *FS) Rename(oldPath, newPath string) error {
	entry, err := fsys.resolver().Resolve(oldPath)
	if err != nil {
		return wrapErr("rename", errnoFor(err), err)
	}
	newDirPath, newName := splitParent(newPath)
	newParent := path.Entry{Did: path.RootDid, Target: uint64(path.RootDid)}
	if newDirPath != "" {
		newParent, err = fsys.resolver().Resolve(newDirPath)
		if err != nil {
			return wrapErr("rename", errnoFor(err), err)
		}
	}
	if newParent.Tag != lfsprim.TagDir {
		return wrapErr("rename", ENOTDIR, fmt.Errorf("%q is not a directory", newDirPath))
	}

	rid, err := fsys.findRid(entry)
	if err != nil {
		return wrapErr("rename", errnoFor(err), err)
	}

	if entry.Tag != lfsprim.TagDir {
		mid := lfsprim.Mid(entry.Target)
		if err := fsys.fs.GRM.Push(mid); err != nil {
			return wrapErr("rename", ENOSPC, err)
		}
		if err := fsys.fs.CommitGRM(); err != nil {
			return wrapErr("rename", EIO, err)
		}
		defer func() {
			fsys.fs.GRM.Cancel(mid)
			_ = fsys.fs.CommitGRM()
		}()
	}

	data := path.EncodeEntry(lfsprim.Did(newParent.Target), newName, entry.Target)
	if err := fsys.fs.Commit(0, []rbyd.Rattr{
		{Tag: entry.Tag, Rid: rid, Rm: true, Delta: -1},
		{Tag: entry.Tag, Rid: fsys.freshRid(), Delta: 1, Data: data},
	}); err != nil {
		return wrapErr("rename", EIO, err)
	}
	return nil
}

// Info describes a single directory entry, as returned by Stat.
type Info struct {
	Name  string
	IsDir bool
	Mid   lfsprim.Mid
	Did   lfsprim.Did
	Size  uint64
}

// Stat resolves p and reports its kind (spec.md §4.5 "stat").
func (fsys *FS) Stat(p string) (Info, error) {
	entry, err := fsys.resolver().Resolve(p)
	if err != nil {
		return Info{}, wrapErr("stat", errnoFor(err), err)
	}
	info := Info{Name: entry.Name, IsDir: entry.Tag == lfsprim.TagDir}
	if info.IsDir {
		info.Did = lfsprim.Did(entry.Target)
	} else {
		info.Mid = lfsprim.Mid(entry.Target)
		if f, ok := fsys.open[info.Mid]; ok {
			info.Size = f.Size()
		}
	}
	return info, nil
}

// Create makes a new regular file at p and opens it (spec.md §4.5
// "file_opencfg" with O_CREAT semantics).
func (fsys *FS) Create(p string) (*FileHandle, error) {
	dirPath, name := splitParent(p)
	if name == "" {
		return nil, wrapErr("create", EINVAL, fmt.Errorf("empty name"))
	}
	parent := path.Entry{Did: path.RootDid, Target: uint64(path.RootDid)}
	if dirPath != "" {
		var err error
		parent, err = fsys.resolver().Resolve(dirPath)
		if err != nil {
			return nil, wrapErr("create", errnoFor(err), err)
		}
	}
	if parent.Tag != lfsprim.TagDir {
		return nil, wrapErr("create", ENOTDIR, fmt.Errorf("%q is not a directory", dirPath))
	}
	parentDid := lfsprim.Did(parent.Target)

	if _, err := fsys.resolver().Lookup(parentDid, name); err == nil {
		return nil, wrapErr("create", EEXIST, fmt.Errorf("%q already exists", p))
	}

	mid := fsys.nextMid
	fsys.nextMid++

	data := path.EncodeEntry(parentDid, name, uint64(mid))
	if err := fsys.fs.Commit(0, []rbyd.Rattr{{Tag: lfsprim.TagReg, Rid: fsys.freshRid(), Delta: 1, Data: data}}); err != nil {
		return nil, wrapErr("create", EIO, err)
	}

	f := file.New(parentDid, mid, fsys.cfg.fileCfg())
	fsys.open[mid] = f
	return &FileHandle{fsys: fsys, mid: mid, f: f}, nil
}

// Open opens an existing regular file at p.
func (fsys *FS) Open(p string) (*FileHandle, error) {
	return fsys.OpenCfg(p, fsys.cfg.fileCfg())
}

// OpenCfg is Open with an explicit per-handle file.Config (spec.md
// §6's `file_opencfg`), overriding the mount-wide CrystalThresh/
// FragmentSize/CacheSize defaults for this file. Scope note: the
// override only takes effect the first time mid is opened during this
// mount — fsys.open caches the *file.File across handles so a second
// OpenCfg/Open on an already-open mid reuses the existing cache
// configuration rather than silently reconfiguring a live cache out
// from under any other open handle on the same file.
func (fsys *FS) OpenCfg(p string, cfg file.Config) (*FileHandle, error) {
	entry, err := fsys.resolver().Resolve(p)
	if err != nil {
		return nil, wrapErr("open", errnoFor(err), err)
	}
	if entry.Tag == lfsprim.TagDir {
		return nil, wrapErr("open", EISDIR, fmt.Errorf("%q is a directory", p))
	}
	mid := lfsprim.Mid(entry.Target)
	f, ok := fsys.open[mid]
	if !ok {
		f = file.New(entry.Did, mid, cfg)
		fsys.open[mid] = f
	}
	return &FileHandle{fsys: fsys, mid: mid, f: f}, nil
}

// FileHandle is an open regular file (spec.md §4.5's file_* family).
type FileHandle struct {
	fsys *FS
	mid  lfsprim.Mid
	f    *file.File
	off  uint64

	// desynced is set on any write-side error (spec.md §7: "On any
	// write-side error the file handle's desync bool is set"), and
	// checked by Close to skip a doomed Sync against state the caller
	// should discard instead.
	desynced bool
}

func (h *FileHandle) Read(p []byte) (int, error) {
	n, err := h.f.ReadAt(h.fsys.dev, p, h.off)
	h.off += uint64(n)
	if err != nil {
		return n, wrapErr("read", EIO, err)
	}
	return n, nil
}

func (h *FileHandle) Write(p []byte) (int, error) {
	n, err := h.f.WriteAt(p, h.off)
	h.off += uint64(n)
	if err != nil {
		h.desynced = true
		return n, wrapErr("write", EIO, err)
	}
	return n, nil
}

// Seek repositions the handle's cursor (whence: 0=set, 1=cur, 2=end).
func (h *FileHandle) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case 0:
		h.off = uint64(off)
	case 1:
		h.off = uint64(int64(h.off) + off)
	case 2:
		h.off = uint64(int64(h.f.Size()) + off)
	default:
		return 0, wrapErr("seek", EINVAL, fmt.Errorf("bad whence %d", whence))
	}
	return int64(h.off), nil
}

func (h *FileHandle) Tell() uint64          { return h.off }
func (h *FileHandle) Size() uint64          { return h.f.Size() }
func (h *FileHandle) Truncate(size uint64)  { h.f.Truncate(size) }
func (h *FileHandle) Fruncate(n uint64)     { h.f.Fruncate(n) }

// Sync flushes buffered writes to the file's mdir (spec.md §4.5
// "file_sync"). Close calls Sync implicitly.
func (h *FileHandle) Sync() error {
	pending, err := h.f.Flush(h.fsys.dev, h.fsys.alloc)
	if err != nil {
		h.desynced = true
		return wrapErr("sync", EIO, err)
	}
	if pending == nil {
		return nil
	}
	if err := h.fsys.fs.Commit(0, []rbyd.Rattr{{Tag: pending.Tag, Rid: h.fsys.freshRid(), Delta: 1, Data: pending.Data}}); err != nil {
		h.desynced = true
		return wrapErr("sync", EIO, err)
	}
	return nil
}

// Flush is Sync's spec.md §6 name (`file_flush`): push buffered writes
// to the file's mdir without closing the handle.
func (h *FileHandle) Flush() error { return h.Sync() }

// Desync marks the handle as no longer reflecting a consistent
// on-disk state, so a subsequent Close skips a doomed Sync attempt
// (spec.md §7's "on any write-side error the file handle's desync bool
// is set"). Write already does this automatically on error; Desync
// exists for a caller that detects a problem some other way (e.g. a
// failed external integrity check) and wants the same protection.
func (h *FileHandle) Desync() { h.desynced = true }

// Resync clears a prior Desync (spec.md §6's `file_resync`). The
// handle's buffered in-RAM content is kept: Resync truncates it to its
// current size, which leaves the bytes unchanged and marks the file
// dirty, so the next Sync/Close commits that buffer again. Committed
// content is not re-read from disk.
func (h *FileHandle) Resync() {
	h.f.Truncate(h.f.Size())
	h.desynced = false
}

// CkData verifies every crystallized leaf's checksum, if any (spec.md's
// `ckdata`).
func (h *FileHandle) CkData() error {
	return wrapErr("ckdata", ECORRUPT, h.f.CkData(h.fsys.dev))
}

// attrTag maps a caller-chosen custom-attribute id to its on-disk tag.
// id 0 is reserved — it collides with TagECksum, the only other tag
// this module currently mints in lfsprim.ModeAttr.
func attrTag(id uint8) (lfsprim.Tag, error) {
	if id == 0 {
		return 0, fmt.Errorf("attr id 0 is reserved")
	}
	return lfsprim.MakeTag(lfsprim.ModeAttr, 0, id), nil
}

// GetAttr reads a custom attribute previously stored with SetAttr
// (spec.md §6's `file_getattr`).
func (h *FileHandle) GetAttr(id uint8) ([]byte, error) {
	tag, err := attrTag(id)
	if err != nil {
		return nil, wrapErr("getattr", EINVAL, err)
	}
	rid, _, found := h.fsys.findRidByMid(h.mid)
	if !found {
		return nil, wrapErr("getattr", ENOENT, fmt.Errorf("mid %d has no directory entry", h.mid))
	}
	entry, ok := h.fsys.chain.Active().Active.Lookup(rid, tag)
	if !ok {
		return nil, wrapErr("getattr", ENOATTR, fmt.Errorf("no attr %d on mid %d", id, h.mid))
	}
	return entry.Data, nil
}

// SizeAttr reports the size of a custom attribute without returning its
// contents (spec.md §6's `file_sizeattr`).
func (h *FileHandle) SizeAttr(id uint8) (int, error) {
	data, err := h.GetAttr(id)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// SetAttr stores a custom attribute keyed by id on this file's
// directory entry (spec.md §6's `file_setattr`). The attribute commits
// immediately rather than buffering with Write/Sync — custom
// attributes are metadata, not file data, and the reference treats
// them the same way.
func (h *FileHandle) SetAttr(id uint8, data []byte) error {
	tag, err := attrTag(id)
	if err != nil {
		return wrapErr("setattr", EINVAL, err)
	}
	rid, _, found := h.fsys.findRidByMid(h.mid)
	if !found {
		return wrapErr("setattr", ENOENT, fmt.Errorf("mid %d has no directory entry", h.mid))
	}
	if err := h.fsys.fs.Commit(0, []rbyd.Rattr{{Tag: tag, Rid: rid, Data: data}}); err != nil {
		return wrapErr("setattr", EIO, err)
	}
	return nil
}

// RemoveAttr deletes a custom attribute (spec.md §6's
// `file_removeattr`). Removing an attribute that was never set is not
// an error, matching the reference's documented idempotence.
func (h *FileHandle) RemoveAttr(id uint8) error {
	tag, err := attrTag(id)
	if err != nil {
		return wrapErr("removeattr", EINVAL, err)
	}
	rid, _, found := h.fsys.findRidByMid(h.mid)
	if !found {
		return wrapErr("removeattr", ENOENT, fmt.Errorf("mid %d has no directory entry", h.mid))
	}
	if _, ok := h.fsys.chain.Active().Active.Lookup(rid, tag); !ok {
		return nil
	}
	if err := h.fsys.fs.Commit(0, []rbyd.Rattr{{Tag: tag, Rid: rid, Rm: true}}); err != nil {
		return wrapErr("removeattr", EIO, err)
	}
	return nil
}

// Close flushes buffered writes, unless the handle is desynced (a
// prior write already failed; Sync would either fail again or, worse,
// persist a partial state the caller has already given up on).
// The underlying file.File stays cached in fsys.open for the life of
// the mount — on-disk content records aren't yet linked back to a mid
// the way a name record is (see DESIGN.md), so dropping the in-RAM
// handle here would strand a synced file's content unreadable until
// remount-level recovery exists.
func (h *FileHandle) Close() error {
	if h.desynced {
		return wrapErr("close", EIO, fmt.Errorf("file handle desynced, not flushing"))
	}
	return h.Sync()
}

// DirHandle is an open directory, iterating entries whose Did matches
// the directory's own (spec.md §4.5's dir_* family).
type DirHandle struct {
	fsys *FS
	did  lfsprim.Did
	rid  lfsprim.Rid
}

// OpenDir opens p for iteration.
func (fsys *FS) OpenDir(p string) (*DirHandle, error) {
	entry, err := fsys.resolver().Resolve(p)
	if err != nil {
		return nil, wrapErr("opendir", errnoFor(err), err)
	}
	if entry.Tag != lfsprim.TagDir {
		return nil, wrapErr("opendir", ENOTDIR, fmt.Errorf("%q is not a directory", p))
	}
	return &DirHandle{fsys: fsys, did: lfsprim.Did(entry.Target)}, nil
}

// Read returns the next entry, or ok=false at end of directory.
func (d *DirHandle) Read() (info Info, ok bool, err error) {
	active := d.fsys.chain.Active().Active
	for {
		rec, found := active.LookupNext(d.rid)
		if !found {
			return Info{}, false, nil
		}
		d.rid = rec.Rid + 1
		switch rec.Tag {
		case lfsprim.TagDir, lfsprim.TagReg, lfsprim.TagStickynote, lfsprim.TagBookmark:
		default:
			continue
		}
		entry, derr := path.DecodeEntry(rec.Tag, rec.Data)
		if derr != nil || entry.Did != d.did {
			continue
		}
		info = Info{Name: entry.Name, IsDir: rec.Tag == lfsprim.TagDir}
		if info.IsDir {
			info.Did = lfsprim.Did(entry.Target)
		} else {
			info.Mid = lfsprim.Mid(entry.Target)
		}
		return info, true, nil
	}
}

// Rewind resets iteration to the start of the directory.
func (d *DirHandle) Rewind() { d.rid = 0 }

// Tell returns an opaque cursor for the directory's current read
// position, suitable for a later Seek back to the same point (spec.md
// §6's dir_tell/dir_seek pair).
func (d *DirHandle) Tell() uint32 { return uint32(d.rid) }

// Seek restores iteration to a cursor previously returned by Tell.
func (d *DirHandle) Seek(off uint32) { d.rid = lfsprim.Rid(off) }

// Close releases the handle; directories hold no on-disk resources of
// their own.
func (d *DirHandle) Close() error { return nil }
