// Package fuseadapter wires internal/tree and internal/fileio into a
// fuseutil.FileSystem, the boundary between the kernel and the rest of
// this filesystem's components.
package fuseadapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"go.uber.org/zap"

	"github.com/s3fuse/s3fuse/common"
	"github.com/s3fuse/s3fuse/internal/cache"
	"github.com/s3fuse/s3fuse/internal/fileio"
	"github.com/s3fuse/s3fuse/internal/pool"
	"github.com/s3fuse/s3fuse/internal/s3http"
	"github.com/s3fuse/s3fuse/internal/tree"
)

// HistoryRecorder receives a one-line description of each completed
// operation. internal/stats.Server satisfies this directly.
type HistoryRecorder interface {
	RecordOp(desc string)
}

type fileHandleState struct {
	ino      uint64
	fio      *fileio.Context
	released bool
}

type dirHandleState struct {
	ino     uint64
	entries []tree.Dirent
}

// Config carries the knobs the adapter needs to build a fileio.Context per
// open file and to report ownership on getattr.
type Config struct {
	FileIO fileio.Config
	UID    uint32
	GID    uint32
}

// FS implements fuseutil.FileSystem over a directory tree and the S3
// request engine. Unimplemented operations (Mknod, Link, xattrs, ...) fall
// through to NotImplementedFileSystem's ENOSYS.
type FS struct {
	fuseutil.NotImplementedFileSystem

	cfg      Config
	tree     *tree.Tree
	engine   *s3http.Engine
	writers  *pool.Pool[*s3http.Connection]
	readers  *pool.Pool[*s3http.Connection]
	cacheMgr *cache.Manager
	logger   *zap.SugaredLogger
	history  HistoryRecorder

	mu          sync.Mutex
	fileHandles map[fuseops.HandleID]*fileHandleState
	dirHandles  map[fuseops.HandleID]*dirHandleState
	nextHandle  fuseops.HandleID

	lookups, readdirs, reads, writes uint64
}

// New builds an FS ready to be handed to fuse.Mount via
// fuseutil.NewFileSystemServer.
func New(cfg Config, t *tree.Tree, engine *s3http.Engine, writers, readers *pool.Pool[*s3http.Connection], cacheMgr *cache.Manager, logger *zap.SugaredLogger) *FS {
	return &FS{
		cfg: cfg, tree: t, engine: engine, writers: writers, readers: readers,
		cacheMgr: cacheMgr, logger: logger,
		fileHandles: make(map[fuseops.HandleID]*fileHandleState),
		dirHandles:  make(map[fuseops.HandleID]*dirHandleState),
	}
}

// SetHistory attaches the recorder that each operation logs a one-line
// description to. Wired after construction since the statistics server
// itself takes the FS as its Recorder, so the two can't be built in a
// single dependency order.
func (fs *FS) SetHistory(h HistoryRecorder) {
	fs.history = h
}

func (fs *FS) record(op, detail string) {
	if fs.history == nil {
		return
	}
	fs.history.RecordOp(fmt.Sprintf("%s(%s)", op, detail))
}

// Stats returns the adapter's cumulative operation counters, polled by the
// statistics boundary.
func (fs *FS) Stats() map[string]int64 {
	return map[string]int64{
		"lookups":  int64(atomic.LoadUint64(&fs.lookups)),
		"readdirs": int64(atomic.LoadUint64(&fs.readdirs)),
		"reads":    int64(atomic.LoadUint64(&fs.reads)),
		"writes":   int64(atomic.LoadUint64(&fs.writes)),
	}
}

func (fs *FS) allocHandle() fuseops.HandleID {
	fs.nextHandle++
	return fs.nextHandle
}

func mapErr(err error) error {
	switch err {
	case nil:
		return nil
	case tree.ErrNotFound:
		return syscall.ENOENT
	case tree.ErrNotDir:
		return syscall.ENOTDIR
	case tree.ErrIsDir:
		return syscall.EISDIR
	case tree.ErrExists:
		return syscall.EEXIST
	case tree.ErrNotEmpty:
		return syscall.ENOTEMPTY
	case tree.ErrUnsupported:
		return syscall.ENOSYS
	case fileio.ErrNonSequentialWrite:
		return syscall.EIO
	case fileio.ErrTooManyParts:
		return syscall.EFBIG
	}
	var s3err *s3http.Error
	if errors.As(err, &s3err) {
		switch s3err.Kind {
		case s3http.KindNotFound:
			return syscall.ENOENT
		case s3http.KindAuth, s3http.KindPrecondition:
			return syscall.EACCES
		default:
			return syscall.EIO
		}
	}
	return syscall.EIO
}

func (fs *FS) attrFor(in *tree.Inode) fuseops.InodeAttributes {
	nlink := uint32(1)
	if in.Kind == tree.KindDirectory {
		nlink = 2
	}
	return fuseops.InodeAttributes{
		Size:  in.Size,
		Nlink: nlink,
		Mode:  in.Mode,
		Mtime: in.Mtime,
		Ctime: in.Ctime,
		Atime: in.Mtime,
		Uid:   fs.cfg.UID,
		Gid:   fs.cfg.GID,
	}
}

func direntType(k tree.Kind) fuseutil.DirentType {
	switch k {
	case tree.KindDirectory:
		return fuseutil.DT_Directory
	case tree.KindSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fs *FS) Init(op *fuseops.InitOp) error {
	return nil
}

func (fs *FS) StatFS(op *fuseops.StatFSOp) error {
	return nil
}

func (fs *FS) LookUpInode(op *fuseops.LookUpInodeOp) error {
	atomic.AddUint64(&fs.lookups, 1)
	fs.record(common.OpLookUpInode, fmt.Sprintf("%d, %q", op.Parent, op.Name))
	in, err := fs.tree.Lookup(op.Context(), uint64(op.Parent), op.Name)
	if err != nil {
		return mapErr(err)
	}
	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = fs.attrFor(in)
	return nil
}

func (fs *FS) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	in, err := fs.tree.GetAttr(uint64(op.Inode))
	if err != nil {
		return mapErr(err)
	}
	op.Attributes = fs.attrFor(in)
	return nil
}

func (fs *FS) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	if op.Size != nil {
		if err := fs.tree.SetSize(uint64(op.Inode), *op.Size); err != nil {
			return mapErr(err)
		}
	}
	in, err := fs.tree.GetAttr(uint64(op.Inode))
	if err != nil {
		return mapErr(err)
	}
	op.Attributes = fs.attrFor(in)
	return nil
}

func (fs *FS) ForgetInode(op *fuseops.ForgetInodeOp) error {
	fs.tree.Forget(uint64(op.Inode), uint64(op.N))
	return nil
}

func (fs *FS) MkDir(op *fuseops.MkDirOp) error {
	fs.record(common.OpMkDir, fmt.Sprintf("%d, %q", op.Parent, op.Name))
	in, err := fs.tree.MkDir(op.Context(), uint64(op.Parent), op.Name, op.Mode)
	if err != nil {
		return mapErr(err)
	}
	fs.tree.IncRef(in.ID)
	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = fs.attrFor(in)
	return nil
}

func (fs *FS) CreateFile(op *fuseops.CreateFileOp) error {
	fs.record(common.OpCreateFile, fmt.Sprintf("%d, %q", op.Parent, op.Name))
	in, err := fs.tree.CreateFile(uint64(op.Parent), op.Name, op.Mode)
	if err != nil {
		return mapErr(err)
	}

	fio := fileio.New("/"+in.FullPath, in.ID, true, fs.cfg.FileIO, fs.engine, fs.writers, fs.readers, fs.cacheMgr, fs.logger)

	fs.mu.Lock()
	handle := fs.allocHandle()
	fs.fileHandles[handle] = &fileHandleState{ino: in.ID, fio: fio}
	fs.mu.Unlock()

	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = fs.attrFor(in)
	op.Handle = handle
	return nil
}

func (fs *FS) CreateSymlink(op *fuseops.CreateSymlinkOp) error {
	fs.record(common.OpCreateSymlink, fmt.Sprintf("%d, %q", op.Parent, op.Name))
	in, err := fs.tree.CreateSymlink(op.Context(), uint64(op.Parent), op.Name, op.Target)
	if err != nil {
		return mapErr(err)
	}
	fs.tree.IncRef(in.ID)
	op.Entry.Child = fuseops.InodeID(in.ID)
	op.Entry.Attributes = fs.attrFor(in)
	return nil
}

func (fs *FS) Rename(op *fuseops.RenameOp) error {
	fs.record(common.OpRename, fmt.Sprintf("%d/%q -> %d/%q", op.OldParent, op.OldName, op.NewParent, op.NewName))
	return mapErr(fs.tree.Rename(op.Context(), uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName))
}

func (fs *FS) RmDir(op *fuseops.RmDirOp) error {
	fs.record(common.OpRmDir, fmt.Sprintf("%d, %q", op.Parent, op.Name))
	return mapErr(fs.tree.RemoveDir(op.Context(), uint64(op.Parent), op.Name))
}

func (fs *FS) Unlink(op *fuseops.UnlinkOp) error {
	fs.record(common.OpUnlink, fmt.Sprintf("%d, %q", op.Parent, op.Name))
	return mapErr(fs.tree.RemoveFile(op.Context(), uint64(op.Parent), op.Name))
}

func (fs *FS) OpenDir(op *fuseops.OpenDirOp) error {
	if _, err := fs.tree.GetAttr(uint64(op.Inode)); err != nil {
		return mapErr(err)
	}
	fs.mu.Lock()
	handle := fs.allocHandle()
	fs.dirHandles[handle] = &dirHandleState{ino: uint64(op.Inode)}
	fs.mu.Unlock()
	op.Handle = handle
	return nil
}

func (fs *FS) ReadDir(op *fuseops.ReadDirOp) error {
	atomic.AddUint64(&fs.readdirs, 1)
	fs.record(common.OpReadDir, fmt.Sprintf("%d", op.Inode))
	fs.mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EIO
	}

	if op.Offset == 0 {
		entries, err := fs.tree.ReadDir(op.Context(), dh.ino)
		if err != nil {
			return mapErr(err)
		}
		dh.entries = entries
	}

	idx := int(op.Offset)
	for idx < len(dh.entries) {
		e := dh.entries[idx]
		d := fuseutil.Dirent{
			Offset: fuseops.DirOffset(idx + 1),
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   direntType(e.Kind),
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
		idx++
	}
	return nil
}

func (fs *FS) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) OpenFile(op *fuseops.OpenFileOp) error {
	in, err := fs.tree.GetAttr(uint64(op.Inode))
	if err != nil {
		return mapErr(err)
	}
	fio := fileio.New("/"+in.FullPath, in.ID, false, fs.cfg.FileIO, fs.engine, fs.writers, fs.readers, fs.cacheMgr, fs.logger)

	fs.mu.Lock()
	handle := fs.allocHandle()
	fs.fileHandles[handle] = &fileHandleState{ino: in.ID, fio: fio}
	fs.mu.Unlock()

	op.Handle = handle
	return nil
}

func (fs *FS) ReadFile(op *fuseops.ReadFileOp) error {
	atomic.AddUint64(&fs.reads, 1)
	fs.record(common.OpReadFile, fmt.Sprintf("%d, off=%d, size=%d", op.Inode, op.Offset, op.Size))
	fs.mu.Lock()
	fh, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EIO
	}

	buf, err := fh.fio.Read(op.Context(), op.Offset, op.Size)
	if err != nil {
		return mapErr(err)
	}
	op.BytesRead = copy(op.Dst, buf)
	return nil
}

func (fs *FS) ReadSymlink(op *fuseops.ReadSymlinkOp) error {
	in, err := fs.tree.GetAttr(uint64(op.Inode))
	if err != nil {
		return mapErr(err)
	}
	op.Target = in.Symlink
	return nil
}

func (fs *FS) WriteFile(op *fuseops.WriteFileOp) error {
	atomic.AddUint64(&fs.writes, 1)
	fs.record(common.OpWriteFile, fmt.Sprintf("%d, off=%d, len=%d", op.Inode, op.Offset, len(op.Data)))
	fs.mu.Lock()
	fh, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EIO
	}

	if _, err := fh.fio.Write(op.Context(), op.Offset, op.Data); err != nil {
		return mapErr(err)
	}
	if err := fs.tree.SetSize(fh.ino, fh.fio.Size()); err != nil {
		return mapErr(err)
	}
	return nil
}

func (fs *FS) SyncFile(op *fuseops.SyncFileOp) error {
	return fs.finalize(op.Context(), op.Handle)
}

func (fs *FS) FlushFile(op *fuseops.FlushFileOp) error {
	return fs.finalize(op.Context(), op.Handle)
}

// finalize commits a handle's buffered writes to the backend. Flush fires on
// every close(2) of the fd (possibly more than once for a dup'd fd), so it
// must be idempotent; the released flag makes a second Flush or the eventual
// ReleaseFileHandle a no-op.
func (fs *FS) finalize(ctx context.Context, handle fuseops.HandleID) error {
	fs.mu.Lock()
	fh, ok := fs.fileHandles[handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EIO
	}
	if fh.released {
		return nil
	}

	if err := fh.fio.Release(ctx); err != nil {
		return mapErr(err)
	}
	fh.released = true
	if etag, ok := fh.fio.WholeMD5(); ok {
		fs.tree.ClearModified(fh.ino, etag, "")
	} else {
		fs.tree.ClearModified(fh.ino, "", "")
	}
	return nil
}

func (fs *FS) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	fh, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if ok && !fh.released {
		if err := fh.fio.Release(op.Context()); err != nil {
			fs.logger.Errorf("fuseadapter: release-on-close failed for inode %d: %v", fh.ino, err)
		}
	}
	return nil
}
