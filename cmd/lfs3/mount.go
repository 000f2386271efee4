package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"

	"github.com/lfs3-go/lfs3"
)

// fuseMount wires a fuse.Server up through a dgroup, mirroring the
// teacher's fuseMount: one goroutine performs the blocking mount +
// Join, a second unmounts on context cancellation so ctrl-C actually
// tears the session down instead of hanging on mountHandle.Join.
func fuseMount(ctx context.Context, mountpoint string, server fuse.Server, cfg *fuse.MountConfig) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		ShutdownOnNonError: true,
	})
	mounted := uint32(1)
	grp.Go("unmount", func(ctx context.Context) error {
		<-ctx.Done()
		var err error
		var gotNil bool
		for atomic.LoadUint32(&mounted) != 0 {
			if _err := fuse.Unmount(mountpoint); _err == nil {
				gotNil = true
			} else if !gotNil {
				err = _err
			}
		}
		if gotNil {
			return nil
		}
		return err
	})
	grp.Go("mount", func(ctx context.Context) error {
		defer atomic.StoreUint32(&mounted, 0)

		cfg.OpContext = ctx
		cfg.ErrorLogger = dlog.StdLogger(ctx, dlog.LogLevelError)
		cfg.DebugLogger = dlog.StdLogger(ctx, dlog.LogLevelDebug)

		mountHandle, err := fuse.Mount(mountpoint, server, cfg)
		if err != nil {
			return err
		}
		dlog.Infof(ctx, "mounted %q", mountpoint)
		return mountHandle.Join(dcontext.HardContext(ctx))
	})
	return grp.Wait()
}

// lfsFuseFS adapts *lfs3.FS to jacobsa/fuse's fuseutil.FileSystem. It
// embeds NotImplementedFileSystem and implements only read paths,
// grounded on the teacher's cmd/btrfs-rec/inspect/mount.subvolume,
// generalized from btrfs's persistent inode numbers (objectids) to
// lfs3's path-addressed entries by assigning inode numbers lazily on
// first lookup.
type lfsFuseFS struct {
	fuseutil.NotImplementedFileSystem

	fsys *lfs3.FS

	mu         sync.Mutex
	pathByNode map[fuseops.InodeID]string
	nodeByPath map[string]fuseops.InodeID
	nextNode   fuseops.InodeID

	handleMu    sync.Mutex
	dirHandles  map[fuseops.HandleID]string
	fileHandles map[fuseops.HandleID]*lfs3.FileHandle
	nextHandle  uint64
}

func newLFSFuseFS(fsys *lfs3.FS) *lfsFuseFS {
	return &lfsFuseFS{
		fsys:        fsys,
		pathByNode:  map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		nodeByPath:  map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		nextNode:    fuseops.RootInodeID + 1,
		dirHandles:  map[fuseops.HandleID]string{},
		fileHandles: map[fuseops.HandleID]*lfs3.FileHandle{},
	}
}

func (fs *lfsFuseFS) nodeFor(p string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.nodeByPath[p]; ok {
		return id
	}
	id := fs.nextNode
	fs.nextNode++
	fs.nodeByPath[p] = id
	fs.pathByNode[id] = p
	return id
}

func (fs *lfsFuseFS) pathFor(id fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.pathByNode[id]
	return p, ok
}

func (fs *lfsFuseFS) newHandle() fuseops.HandleID {
	return fuseops.HandleID(atomic.AddUint64(&fs.nextHandle, 1))
}

func attrsFor(info lfs3.Info) fuseops.InodeAttributes {
	mode := os.FileMode(0o644)
	if info.IsDir {
		mode = os.ModeDir | 0o755
	}
	return fuseops.InodeAttributes{
		Size:  info.Size,
		Nlink: 1,
		Mode:  mode,
	}
}

func (fs *lfsFuseFS) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	used, total, err := fs.fsys.Usage()
	if err != nil {
		return err
	}
	op.BlockSize = 4096
	op.Blocks = uint64(total)
	op.BlocksFree = uint64(total - used)
	op.IoSize = 4096
	return nil
}

func (fs *lfsFuseFS) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	childPath := path.Join(parentPath, op.Name)
	info, err := fs.fsys.Stat(childPath)
	if err != nil {
		return syscall.ENOENT
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:      fs.nodeFor(childPath),
		Attributes: attrsFor(info),
	}
	return nil
}

func (fs *lfsFuseFS) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := fs.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	info, err := fs.fsys.Stat(p)
	if err != nil {
		return syscall.ENOENT
	}
	op.Attributes = attrsFor(info)
	return nil
}

func (fs *lfsFuseFS) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	p, ok := fs.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	handle := fs.newHandle()
	fs.handleMu.Lock()
	fs.dirHandles[handle] = p
	fs.handleMu.Unlock()
	op.Handle = handle
	return nil
}

func (fs *lfsFuseFS) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	fs.handleMu.Lock()
	p, ok := fs.dirHandles[op.Handle]
	fs.handleMu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	dir, err := fs.fsys.OpenDir(p)
	if err != nil {
		return err
	}
	defer dir.Close()

	index := uint64(0)
	for {
		info, ok, err := dir.Read()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		index++
		if index <= uint64(op.Offset) {
			continue
		}
		typ := fuseutil.DT_File
		if info.IsDir {
			typ = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(index),
			Inode:  fs.nodeFor(path.Join(p, info.Name)),
			Name:   info.Name,
			Type:   typ,
		})
		if n == 0 {
			return nil
		}
		op.BytesRead += n
	}
}

func (fs *lfsFuseFS) ReleaseDirHandle(_ context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.handleMu.Lock()
	defer fs.handleMu.Unlock()
	delete(fs.dirHandles, op.Handle)
	return nil
}

func (fs *lfsFuseFS) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	p, ok := fs.pathFor(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	h, err := fs.fsys.Open(p)
	if err != nil {
		return err
	}
	handle := fs.newHandle()
	fs.handleMu.Lock()
	fs.fileHandles[handle] = h
	fs.handleMu.Unlock()
	op.Handle = handle
	op.KeepPageCache = true
	return nil
}

func (fs *lfsFuseFS) ReadFile(_ context.Context, op *fuseops.ReadFileOp) error {
	fs.handleMu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	fs.handleMu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	if _, err := h.Seek(op.Offset, 0); err != nil {
		return err
	}
	var dat []byte
	if op.Dst != nil {
		dat = op.Dst
	} else {
		dat = make([]byte, op.Size)
		op.Data = [][]byte{dat}
	}
	n, err := h.Read(dat)
	op.BytesRead = n
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}

func (fs *lfsFuseFS) ReleaseFileHandle(_ context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.handleMu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.handleMu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	return h.Close()
}

func init() {
	mounted = append(mounted, subcommand{
		Command: cobra.Command{
			Use:   "mount MOUNTPOINT",
			Short: "Mount a littlefs3 image read-only via FUSE",
			Args:  cobra.ExactArgs(1),
		},
		RunE: func(fsys *lfs3.FS, cmd *cobra.Command, args []string) error {
			mountpoint := args[0]
			server := fuseutil.NewFileSystemServer(newLFSFuseFS(fsys))
			cfg := &fuse.MountConfig{
				FSName:   "lfs3",
				Subtype:  "lfs3",
				ReadOnly: true,
			}
			return fuseMount(cmd.Context(), mountpoint, server, cfg)
		},
	})
}
