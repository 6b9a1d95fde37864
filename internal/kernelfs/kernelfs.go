// Package kernelfs mounts an internal/fsfacade.Facade as a real kernel
// filesystem via jacobsa/fuse, the same library internal/fuse drives. That
// package's FileSystem is read-only and keyed by squashfs inode numbers;
// this one is read-write and keyed by the facade's own path-addressed
// operations, translating every fuseops request into the matching
// Facade call under one coarse lock, exactly as internal/fuse's fs.mu
// brackets each dispatch.
package kernelfs

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/fsfacade"
	"github.com/9176324/openenclave/internal/oefs"
)

var log = logrus.WithField("component", "kernelfs")

// never matches internal/fuse's own sentinel: inode attributes never need
// to be revalidated because nothing but this process mutates the backing
// OEFS image.
var never = time.Now().Add(365 * 24 * time.Hour)

// fileSystem adapts a *fsfacade.Facade to fuseutil.FileSystem. Inode
// numbers are allocated on first lookup and stay stable for the life of
// the mount; fuseops.RootInodeID always maps to "/".
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	fc *fsfacade.Facade

	mu        sync.Mutex
	nextInode fuseops.InodeID
	paths     map[fuseops.InodeID]string
	inodes    map[string]fuseops.InodeID

	nextHandle  fuseops.HandleID
	dirHandles  map[fuseops.HandleID]int
	fileHandles map[fuseops.HandleID]int
}

// New returns a fuseutil.FileSystem backed by fc, ready to pass to
// fuse.Mount.
func New(fc *fsfacade.Facade) fuseutil.FileSystem {
	return &fileSystem{
		fc:          fc,
		nextInode:   fuseops.RootInodeID + 1,
		nextHandle:  1,
		paths:       map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		inodes:      map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		dirHandles:  map[fuseops.HandleID]int{},
		fileHandles: map[fuseops.HandleID]int{},
	}
}

func (fs *fileSystem) pathOf(inode fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.paths[inode]
	return p, ok
}

// inodeFor returns the stable inode number for path, allocating one on
// first sight.
func (fs *fileSystem) inodeFor(path string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.inodes[path]; ok {
		return id
	}
	id := fs.nextInode
	fs.nextInode++
	fs.inodes[path] = id
	fs.paths[id] = path
	return id
}

func (fs *fileSystem) forget(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.inodes[path]; ok {
		delete(fs.inodes, path)
		delete(fs.paths, id)
	}
}

// toErrno converts err the rest of the way into a fuse.Errno, after
// fsfacade.ToErrno has done the one real ekind.Kind-to-POSIX-errno
// translation the module performs.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	return fuse.Errno(fsfacade.ToErrno(err))
}

func attrsFromStat(st oefs.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(st.Mode &^ oefs.ModeType)
	if st.Mode&oefs.ModeType == oefs.ModeDir {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: st.Links,
		Mode:  mode,
		Atime: time.Unix(st.Atime, 0),
		Mtime: time.Unix(st.Mtime, 0),
		Ctime: time.Unix(st.Ctime, 0),
	}
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = oefs.BlockSize
	op.IoSize = 64 * 1024
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.EIO
	}
	child := joinPath(parent, op.Name)
	st, err := fs.fc.Stat(child)
	if err != nil {
		if ekind.Is(err, ekind.NotFound) {
			return fuse.ENOENT
		}
		return toErrno(err)
	}
	op.Entry.Child = fs.inodeFor(child)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	st, err := fs.fc.Stat(p)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attrsFromStat(st)
	op.AttributesExpiration = never
	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if op.Size != nil {
		fd, err := fs.fc.Open(p, oefs.OWronly, 0)
		if err != nil {
			return toErrno(err)
		}
		defer fs.fc.Close(fd)
		if err := fs.fc.Truncate(fd, *op.Size); err != nil {
			return toErrno(err)
		}
	}
	st, err := fs.fc.Stat(p)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attrsFromStat(st)
	op.AttributesExpiration = never
	return nil
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.EIO
	}
	child := joinPath(parent, op.Name)
	if err := fs.fc.Mkdir(child, uint32(op.Mode.Perm())); err != nil {
		return toErrno(err)
	}
	st, err := fs.fc.Stat(child)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.inodeFor(child)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.EIO
	}
	child := joinPath(parent, op.Name)
	fd, err := fs.fc.Open(child, oefs.OCreat|oefs.OExcl|oefs.ORdwr, uint32(op.Mode.Perm()))
	if err != nil {
		return toErrno(err)
	}
	st, err := fs.fc.Stat(child)
	if err != nil {
		_ = fs.fc.Close(fd)
		return toErrno(err)
	}
	op.Entry.Child = fs.inodeFor(child)
	op.Entry.Attributes = attrsFromStat(st)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never

	fs.mu.Lock()
	handle := fs.nextHandle
	fs.nextHandle++
	fs.fileHandles[handle] = fd
	fs.mu.Unlock()
	op.Handle = handle
	return nil
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.EIO
	}
	child := joinPath(parent, op.Name)
	if err := fs.fc.Rmdir(child); err != nil {
		return toErrno(err)
	}
	fs.forget(child)
	return nil
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.EIO
	}
	child := joinPath(parent, op.Name)
	if err := fs.fc.Unlink(child); err != nil {
		return toErrno(err)
	}
	fs.forget(child)
	return nil
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.pathOf(op.OldParent)
	if !ok {
		return fuse.EIO
	}
	newParent, ok := fs.pathOf(op.NewParent)
	if !ok {
		return fuse.EIO
	}
	oldPath := joinPath(oldParent, op.OldName)
	newPath := joinPath(newParent, op.NewName)
	if err := fs.fc.Rename(oldPath, newPath); err != nil {
		return toErrno(err)
	}
	fs.mu.Lock()
	if id, ok := fs.inodes[oldPath]; ok {
		delete(fs.inodes, oldPath)
		fs.inodes[newPath] = id
		fs.paths[id] = newPath
	}
	fs.mu.Unlock()
	return nil
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return fuse.EIO
	}
	fd, err := fs.fc.Opendir(p)
	if err != nil {
		return toErrno(err)
	}
	fs.mu.Lock()
	handle := fs.nextHandle
	fs.nextHandle++
	fs.dirHandles[handle] = fd
	fs.mu.Unlock()
	op.Handle = handle
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	fd, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.Errno(unix.EBADF)
	}

	dirPath, ok := fs.pathOf(op.Inode)
	if !ok {
		return fuse.EIO
	}

	var entries []fuseutil.Dirent
	for i := fuseops.DirOffset(0); ; i++ {
		e, ok, err := fs.fc.Readdir(fd)
		if err != nil {
			return toErrno(err)
		}
		if !ok {
			break
		}
		typ := fuseutil.DT_File
		if e.Type == oefs.DTDir {
			typ = fuseutil.DT_Directory
		}
		inode := op.Inode
		if e.Name != "." {
			inode = fs.inodeFor(joinPath(dirPath, e.Name))
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: i + 1,
			Inode:  inode,
			Name:   e.Name,
			Type:   typ,
		})
	}
	if op.Offset > fuseops.DirOffset(len(entries)) {
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

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	fd, ok := fs.dirHandles[op.Handle]
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	return toErrno(fs.fc.Closedir(fd))
}

// openFlags translates the Linux open(2) flag bits the kernel hands us
// into the vocabulary internal/oefs.Handle understands.
func openFlags(raw uint32) oefs.OpenFlag {
	var f oefs.OpenFlag
	switch raw & unix.O_ACCMODE {
	case unix.O_WRONLY:
		f |= oefs.OWronly
	case unix.O_RDWR:
		f |= oefs.ORdwr
	}
	if raw&unix.O_TRUNC != 0 {
		f |= oefs.OTrunc
	}
	return f
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return fuse.EIO
	}
	fd, err := fs.fc.Open(p, openFlags(uint32(op.OpenFlags)), 0)
	if err != nil {
		return toErrno(err)
	}
	fs.mu.Lock()
	handle := fs.nextHandle
	fs.nextHandle++
	fs.fileHandles[handle] = fd
	fs.mu.Unlock()
	op.Handle = handle
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	fd, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.Errno(unix.EBADF)
	}
	if _, err := fs.fc.Lseek(fd, op.Offset, oefs.SeekSet); err != nil {
		return toErrno(err)
	}
	n, err := fs.fc.Readv(fd, [][]byte{op.Dst})
	op.BytesRead = n
	if err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	fd, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.Errno(unix.EBADF)
	}
	if _, err := fs.fc.Lseek(fd, op.Offset, oefs.SeekSet); err != nil {
		return toErrno(err)
	}
	if _, err := fs.fc.Writev(fd, [][]byte{op.Data}); err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	fd, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	return toErrno(fs.fc.Close(fd))
}

// Destroy is fuseutil's unmount callback, invoked once jacobsa/fuse has
// drained in-flight ops; logged so an operator can tell a clean unmount
// from a server that just exited.
func (fs *fileSystem) Destroy() {
	log.Info("filesystem unmounted")
}
