package main

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/failsafefs/internal/container"
	"github.com/calvinalkan/failsafefs/pkg/failsafefs"
)

const rootInode = fuseops.RootInodeID

// fuseFS adapts the core boundary API (pkg/failsafefs) and a plain
// passthrough to the real filesystem into a fuseutil.FileSystem: regular
// files are served through the container format, everything else —
// directories, symlinks, permissions, xattrs — passes straight through
// to the backing tree.
//
// Inode numbers are assigned the first time a path is looked up and kept
// for the lifetime of the mount; ForgetInode is a no-op. This trades
// unbounded memory growth on a very long-lived mount for never having to
// reconcile a stale inode with a path that changed underneath it — an
// acceptable simplification for the recovery and archival workloads this
// format targets (spec §7).
type fuseFS struct {
	fuseutil.NotImplementedFileSystem

	source string
	core   *failsafefs.FS

	mu         sync.Mutex
	nextInode  fuseops.InodeID
	pathByNode map[fuseops.InodeID]string
	nodeByPath map[string]fuseops.InodeID

	nextHandle fuseops.HandleID
	files      map[fuseops.HandleID]*openFile
	dirs       map[fuseops.HandleID][]fuseutil.Dirent
}

type openFile struct {
	h    failsafefs.Handle
	path string
}

func newFuseFS(source string, core *failsafefs.FS) *fuseFS {
	fsys := &fuseFS{
		source:     source,
		core:       core,
		nextInode:  rootInode + 1,
		pathByNode: map[fuseops.InodeID]string{rootInode: "/"},
		nodeByPath: map[string]fuseops.InodeID{"/": rootInode},
		files:      make(map[fuseops.HandleID]*openFile),
		dirs:       make(map[fuseops.HandleID][]fuseutil.Dirent),
	}
	return fsys
}

func fuseServer(fsys *fuseFS) fuse.Server {
	return fuseutil.NewFileSystemServer(fsys)
}

// backing returns the real filesystem path logicalPath ("/" for the
// mount root) resolves to underneath source.
func (fsys *fuseFS) backing(logicalPath string) string {
	if logicalPath == "/" {
		return fsys.source
	}
	return filepath.Join(fsys.source, filepath.FromSlash(logicalPath))
}

// resolve returns the logical path an already-known inode maps to.
func (fsys *fuseFS) resolve(id fuseops.InodeID) (string, bool) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	p, ok := fsys.pathByNode[id]
	return p, ok
}

// childInode returns the inode for childPath, minting a fresh one
// if this is the first time it has been seen.
func (fsys *fuseFS) childInode(childPath string) fuseops.InodeID {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if id, ok := fsys.nodeByPath[childPath]; ok {
		return id
	}
	id := fsys.nextInode
	fsys.nextInode++
	fsys.nodeByPath[childPath] = id
	fsys.pathByNode[id] = childPath
	return id
}

func (fsys *fuseFS) renameInode(oldPath, newPath string) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	id, ok := fsys.nodeByPath[oldPath]
	if !ok {
		return
	}
	delete(fsys.nodeByPath, oldPath)
	fsys.nodeByPath[newPath] = id
	fsys.pathByNode[id] = newPath
}

func (fsys *fuseFS) forgetPath(p string) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	id, ok := fsys.nodeByPath[p]
	if !ok {
		return
	}
	delete(fsys.nodeByPath, p)
	delete(fsys.pathByNode, id)
}

func attributesFor(info os.FileInfo, logicalSize int64) fuseops.InodeAttributes {
	mode := info.Mode()
	size := uint64(info.Size())
	if mode.IsRegular() {
		size = uint64(logicalSize)
	}

	var uid, gid uint32
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		uid, gid = sys.Uid, sys.Gid
	}

	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  mode,
		Atime: info.ModTime(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
		Uid:   uid,
		Gid:   gid,
	}
}

func (fsys *fuseFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	var st unix.Statfs_t
	if err := unix.Statfs(fsys.source, &st); err != nil {
		return fuse.EIO
	}
	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = 65536
	return nil
}

func (fsys *fuseFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fsys.resolve(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parentPath, op.Name)

	info, err := os.Lstat(fsys.backing(childPath))
	if os.IsNotExist(err) {
		return fuse.ENOENT
	}
	if err != nil {
		return fuse.EIO
	}

	size, err := fsys.logicalSize(childPath, info)
	if err != nil {
		return fuse.EIO
	}

	op.Entry.Child = fsys.childInode(childPath)
	op.Entry.Attributes = attributesFor(info, size)
	return nil
}

func (fsys *fuseFS) logicalSize(logicalPath string, info os.FileInfo) (int64, error) {
	if !info.Mode().IsRegular() {
		return info.Size(), nil
	}
	return fsys.core.Getattr(fsys.backing(logicalPath))
}

func (fsys *fuseFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	info, err := os.Lstat(fsys.backing(p))
	if err != nil {
		return fuse.ENOENT
	}
	size, err := fsys.logicalSize(p, info)
	if err != nil {
		return fuse.EIO
	}
	op.Attributes = attributesFor(info, size)
	return nil
}

// SetInodeAttributes passes permission and timestamp changes straight
// through. Size changes are rejected: the format has no truncate
// protocol (container.ErrTruncateUnsupported) since shrinking or growing
// a container out from under its trailing description block would
// strand that description at the wrong offset.
func (fsys *fuseFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if op.Size != nil {
		return fuse.ENOSYS
	}

	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	backing := fsys.backing(p)

	if op.Mode != nil {
		if err := os.Chmod(backing, *op.Mode); err != nil {
			return fuse.EIO
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		atime, mtime := time.Now(), time.Now()
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := os.Chtimes(backing, atime, mtime); err != nil {
			return fuse.EIO
		}
	}

	info, err := os.Lstat(backing)
	if err != nil {
		return fuse.EIO
	}
	size, err := fsys.logicalSize(p, info)
	if err != nil {
		return fuse.EIO
	}
	op.Attributes = attributesFor(info, size)
	return nil
}

func (fsys *fuseFS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (fsys *fuseFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath, ok := fsys.resolve(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parentPath, op.Name)
	if err := os.Mkdir(fsys.backing(childPath), op.Mode); err != nil {
		return fuse.EIO
	}
	info, err := os.Lstat(fsys.backing(childPath))
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = fsys.childInode(childPath)
	op.Entry.Attributes = attributesFor(info, info.Size())
	return nil
}

// MkNode is not supported: FailSafeFS only models regular files,
// directories and symlinks (spec §1 Non-goals).
func (fsys *fuseFS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	return fuse.ENOSYS
}

func (fsys *fuseFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentPath, ok := fsys.resolve(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parentPath, op.Name)
	backing := fsys.backing(childPath)

	h, err := fsys.core.Open(backing, true)
	if err != nil {
		return fuse.EIO
	}
	if err := os.Chmod(backing, op.Mode); err != nil {
		_ = fsys.core.Release(h, container.Metadata{Path: childPath})
		return fuse.EIO
	}

	info, err := os.Lstat(backing)
	if err != nil {
		return fuse.EIO
	}

	op.Entry.Child = fsys.childInode(childPath)
	op.Entry.Attributes = attributesFor(info, 0)
	op.Handle = fsys.registerFile(h, childPath)
	return nil
}

func (fsys *fuseFS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	return fuse.ENOSYS
}

func (fsys *fuseFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parentPath, ok := fsys.resolve(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parentPath, op.Name)
	if err := os.Symlink(op.Target, fsys.backing(childPath)); err != nil {
		return fuse.EIO
	}
	info, err := os.Lstat(fsys.backing(childPath))
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = fsys.childInode(childPath)
	op.Entry.Attributes = attributesFor(info, info.Size())
	return nil
}

func (fsys *fuseFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fsys.resolve(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fsys.resolve(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	oldPath := path.Join(oldParent, op.OldName)
	newPath := path.Join(newParent, op.NewName)

	if err := os.Rename(fsys.backing(oldPath), fsys.backing(newPath)); err != nil {
		return fuse.EIO
	}
	fsys.renameInode(oldPath, newPath)
	return nil
}

func (fsys *fuseFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath, ok := fsys.resolve(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parentPath, op.Name)
	if err := os.Remove(fsys.backing(childPath)); err != nil {
		return fuse.EIO
	}
	fsys.forgetPath(childPath)
	return nil
}

func (fsys *fuseFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath, ok := fsys.resolve(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parentPath, op.Name)
	if err := os.Remove(fsys.backing(childPath)); err != nil {
		return fuse.EIO
	}
	fsys.forgetPath(childPath)
	return nil
}

// OpenDir snapshots the directory's current entries; ReadDir then just
// paginates through that snapshot, matching the offset/cookie contract
// FUSE expects of a stable directory stream.
func (fsys *fuseFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	entries, err := os.ReadDir(fsys.backing(p))
	if err != nil {
		return fuse.EIO
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	dirents := make([]fuseutil.Dirent, 0, len(entries))
	for _, e := range entries {
		childPath := path.Join(p, e.Name())
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(dirents) + 1),
			Inode:  fsys.childInode(childPath),
			Name:   e.Name(),
			Type:   direntType(e.Type()),
		})
	}

	fsys.mu.Lock()
	fsys.nextHandle++
	handle := fsys.nextHandle
	fsys.dirs[handle] = dirents
	fsys.mu.Unlock()

	op.Handle = handle
	return nil
}

func direntType(mode os.FileMode) fuseutil.DirentType {
	switch {
	case mode.IsDir():
		return fuseutil.DT_Directory
	case mode&os.ModeSymlink != 0:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fsys *fuseFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fsys.mu.Lock()
	entries, ok := fsys.dirs[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	if int(op.Offset) > len(entries) {
		return fuse.EIO
	}

	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fsys *fuseFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fsys.mu.Lock()
	delete(fsys.dirs, op.Handle)
	fsys.mu.Unlock()
	return nil
}

func (fsys *fuseFS) registerFile(h failsafefs.Handle, p string) fuseops.HandleID {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.nextHandle++
	handle := fsys.nextHandle
	fsys.files[handle] = &openFile{h: h, path: p}
	return handle
}

// OpenFile always opens for read and write: jacobsa/fuse's low-level
// open operation does not surface the caller's O_RDONLY/O_WRONLY/O_RDWR
// flags, so there is nothing reliable to gate on here. Write attempts
// against a file a caller truly meant to open read-only simply succeed,
// same as most passthrough FUSE filesystems behave in practice.
func (fsys *fuseFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	h, err := fsys.core.Open(fsys.backing(p), true)
	if err != nil {
		return fuse.EIO
	}
	op.Handle = fsys.registerFile(h, p)
	return nil
}

func (fsys *fuseFS) lookupFile(handle fuseops.HandleID) (*openFile, bool) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	f, ok := fsys.files[handle]
	return f, ok
}

func (fsys *fuseFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	f, ok := fsys.lookupFile(op.Handle)
	if !ok {
		return fuse.EIO
	}
	n, err := fsys.core.Read(f.h, op.Offset, op.Dst)
	op.BytesRead = n
	if err != nil {
		return fuse.EIO
	}
	return nil
}

func (fsys *fuseFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	f, ok := fsys.lookupFile(op.Handle)
	if !ok {
		return fuse.EIO
	}
	if _, err := fsys.core.Write(f.h, op.Offset, op.Data); err != nil {
		return fuse.EIO
	}
	return nil
}

func (fsys *fuseFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	f, ok := fsys.lookupFile(op.Handle)
	if !ok {
		return fuse.EIO
	}
	if err := fsys.core.Fsync(f.h); err != nil {
		return fuse.EIO
	}
	return nil
}

func (fsys *fuseFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	f, ok := fsys.lookupFile(op.Handle)
	if !ok {
		return fuse.EIO
	}
	if err := fsys.core.Fsync(f.h); err != nil {
		return fuse.EIO
	}
	return nil
}

// ReleaseFileHandle ends the write session: the terminating description
// block (if anything was written) is appended here, carrying the
// backing file's current ownership and permissions (spec §2).
func (fsys *fuseFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fsys.mu.Lock()
	f, ok := fsys.files[op.Handle]
	delete(fsys.files, op.Handle)
	fsys.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	meta := container.Metadata{Path: f.path}
	var st unix.Stat_t
	if err := unix.Stat(fsys.backing(f.path), &st); err == nil {
		meta.UID = int64(st.Uid)
		meta.GID = int64(st.Gid)
		meta.Permissions = int64(st.Mode & 0o7777)
	}

	if err := fsys.core.Release(f.h, meta); err != nil {
		return fuse.EIO
	}
	return nil
}

func (fsys *fuseFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := os.Readlink(fsys.backing(p))
	if err != nil {
		return fuse.EIO
	}
	op.Target = target
	return nil
}

func (fsys *fuseFS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	n, err := unix.Getxattr(fsys.backing(p), op.Name, op.Dst)
	if err != nil {
		return fuse.ENOSYS
	}
	op.BytesRead = n
	return nil
}

func (fsys *fuseFS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	n, err := unix.Listxattr(fsys.backing(p), op.Dst)
	if err != nil {
		return fuse.ENOSYS
	}
	op.BytesRead = n
	return nil
}

func (fsys *fuseFS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if err := unix.Removexattr(fsys.backing(p), op.Name); err != nil {
		return fuse.ENOSYS
	}
	return nil
}

func (fsys *fuseFS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	p, ok := fsys.resolve(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if err := unix.Setxattr(fsys.backing(p), op.Name, op.Value, int(op.Flags)); err != nil {
		return fuse.ENOSYS
	}
	return nil
}

// Fallocate has no equivalent in the block-chained container format:
// space is never reserved ahead of the data a write actually carries.
func (fsys *fuseFS) Fallocate(ctx context.Context, op *fuseops.FallocateOp) error {
	return fuse.ENOSYS
}

func (fsys *fuseFS) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	return nil
}

func (fsys *fuseFS) Destroy() {}
