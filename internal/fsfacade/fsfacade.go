// Package fsfacade presents the descriptor-based API application code
// consumes: open, close, readv, writev, lseek, getdents, mkdir, rmdir,
// rename, unlink, link, stat, truncate, getcwd, chdir, opendir, readdir,
// closedir. Each call resolves its path(s) against the mount table and
// forwards to the matching internal/oefs.FS, holding one coarse lock for
// the duration of the call the way internal/fuse's fileSystem holds fs.mu
// for every FUSE op.
package fsfacade

import (
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/mount"
	"github.com/9176324/openenclave/internal/oefs"
)

// ToErrno lowers a *ekind.Error into the POSIX errno code a
// descriptor-based caller expects. This is the final, single translation
// point between the stack's typed error taxonomy and a plain syscall
// error code; every layer below here (internal/mount, internal/oefs,
// internal/merkle, internal/blockdev) stays in ekind.Kind terms, and a
// caller with a different errno vocabulary (internal/kernelfs's
// fuse.Errno, for instance) converts ToErrno's result the rest of the way
// rather than re-deriving its own mapping from ekind.Kind.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case ekind.Is(err, ekind.NotFound):
		return syscall.ENOENT
	case ekind.Is(err, ekind.Exists):
		return syscall.EEXIST
	case ekind.Is(err, ekind.NotDir):
		return syscall.ENOTDIR
	case ekind.Is(err, ekind.IsDir):
		return syscall.EISDIR
	case ekind.Is(err, ekind.NoSpace):
		return syscall.ENOSPC
	case ekind.Is(err, ekind.Invalid):
		return syscall.EINVAL
	case ekind.Is(err, ekind.BadDescriptor):
		return syscall.EBADF
	case ekind.Is(err, ekind.NameTooLong):
		return syscall.ENAMETOOLONG
	case ekind.Is(err, ekind.CrossDevice):
		return syscall.EXDEV
	case ekind.Is(err, ekind.IO), ekind.Is(err, ekind.Tamper):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// MaxFiles bounds the descriptor table.
// Descriptors 0-2 are reserved for stdio the way they are on any POSIX
// system, so fd = index + 3.
const MaxFiles = 1024

const fdBase = 3

type descriptor struct {
	fs   *oefs.FS
	path string

	h *oefs.Handle // nil for a directory descriptor opened via Opendir

	isDir      bool
	dirEntries []oefs.DirEntry
	dirPos     int
}

// Facade is one process's view of the filesystem: a descriptor table, a
// current working directory, and the mount table it dispatches through.
// The zero value is not usable; construct with New.
type Facade struct {
	mu     sync.Mutex
	mounts *mount.Table
	fds    [MaxFiles]*descriptor
	cwd    string
}

// New returns a Facade dispatching through mounts, with cwd initialised
// to the filesystem root.
func New(mounts *mount.Table) *Facade {
	return &Facade{mounts: mounts, cwd: "/"}
}

func (fc *Facade) resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Clean(path.Join(fc.cwd, p))
}

func (fc *Facade) allocFD() (int, error) {
	for i := range fc.fds {
		if fc.fds[i] == nil {
			return i, nil
		}
	}
	return 0, ekind.New(ekind.NoSpace, "fsfacade", nil)
}

func (fc *Facade) checkFD(op string, fd int) (int, *descriptor, error) {
	idx := fd - fdBase
	if idx < 0 || idx >= MaxFiles || fc.fds[idx] == nil {
		return 0, nil, ekind.New(ekind.BadDescriptor, op, nil)
	}
	return idx, fc.fds[idx], nil
}

// Open resolves path against the mount table and opens it on the bound
// filesystem, returning a new descriptor.
func (fc *Facade) Open(p string, flags oefs.OpenFlag, mode uint32) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	abs := fc.resolve(p)
	fsys, suffix, err := fc.mounts.Lookup(abs)
	if err != nil {
		return 0, err
	}
	h, err := fsys.Open(suffix, flags, mode)
	if err != nil {
		return 0, err
	}
	idx, err := fc.allocFD()
	if err != nil {
		_ = h.Close()
		return 0, err
	}
	fc.fds[idx] = &descriptor{fs: fsys, path: abs, h: h}
	return idx + fdBase, nil
}

// Close releases fd.
func (fc *Facade) Close(fd int) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	idx, d, err := fc.checkFD("fsfacade.Close", fd)
	if err != nil {
		return err
	}
	fc.fds[idx] = nil
	if d.h != nil {
		return d.h.Close()
	}
	return nil
}

// Readv reads into bufs in order, gather-style, stopping at the first
// short read.
func (fc *Facade) Readv(fd int, bufs [][]byte) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	_, d, err := fc.checkFD("fsfacade.Readv", fd)
	if err != nil {
		return 0, err
	}
	if d.h == nil {
		return 0, ekind.New(ekind.IsDir, "fsfacade.Readv", nil)
	}
	var total int
	for _, buf := range bufs {
		n, err := d.h.Read(buf)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// Writev writes bufs in order, scatter-style.
func (fc *Facade) Writev(fd int, bufs [][]byte) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	_, d, err := fc.checkFD("fsfacade.Writev", fd)
	if err != nil {
		return 0, err
	}
	if d.h == nil {
		return 0, ekind.New(ekind.IsDir, "fsfacade.Writev", nil)
	}
	var total int
	for _, buf := range bufs {
		n, err := d.h.Write(buf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Lseek repositions fd's cursor.
func (fc *Facade) Lseek(fd int, offset int64, whence oefs.SeekWhence) (int64, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	_, d, err := fc.checkFD("fsfacade.Lseek", fd)
	if err != nil {
		return 0, err
	}
	if d.h == nil {
		return 0, ekind.New(ekind.IsDir, "fsfacade.Lseek", nil)
	}
	return d.h.Seek(offset, whence)
}

// Getdents returns fd's remaining directory entries in one batch and
// advances its cursor to the end, mirroring the Linux getdents(2) loop
// idiom where a zero-length return signals exhaustion. fd must have been
// opened with Open on a directory path, not Opendir.
func (fc *Facade) Getdents(fd int) ([]oefs.DirEntry, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	_, d, err := fc.checkFD("fsfacade.Getdents", fd)
	if err != nil {
		return nil, err
	}
	if d.dirEntries == nil && d.dirPos == 0 {
		ents, err := d.fs.Readdir(fc.suffixFor(d))
		if err != nil {
			return nil, err
		}
		d.dirEntries = ents
	}
	out := d.dirEntries[d.dirPos:]
	d.dirPos = len(d.dirEntries)
	return out, nil
}

func (fc *Facade) suffixFor(d *descriptor) string {
	_, suffix, err := fc.mounts.Lookup(d.path)
	if err != nil {
		return d.path
	}
	return suffix
}

// Mkdir creates a directory.
func (fc *Facade) Mkdir(p string, mode uint32) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fsys, suffix, err := fc.mounts.Lookup(fc.resolve(p))
	if err != nil {
		return err
	}
	return fsys.Mkdir(suffix, mode)
}

// Rmdir removes an empty directory.
func (fc *Facade) Rmdir(p string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fsys, suffix, err := fc.mounts.Lookup(fc.resolve(p))
	if err != nil {
		return err
	}
	return fsys.Rmdir(suffix)
}

// Unlink removes a file's directory entry.
func (fc *Facade) Unlink(p string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fsys, suffix, err := fc.mounts.Lookup(fc.resolve(p))
	if err != nil {
		return err
	}
	return fsys.Unlink(suffix)
}

// Link creates a new name for an existing file.
// Linking across two different mounted filesystems is rejected with
// CrossDevice, matching POSIX link(2) semantics.
func (fc *Facade) Link(oldPath, newPath string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	oldFS, oldSuffix, err := fc.mounts.Lookup(fc.resolve(oldPath))
	if err != nil {
		return err
	}
	newFS, newSuffix, err := fc.mounts.Lookup(fc.resolve(newPath))
	if err != nil {
		return err
	}
	if oldFS != newFS {
		return ekind.New(ekind.CrossDevice, "fsfacade.Link", nil)
	}
	return oldFS.Link(oldSuffix, newSuffix)
}

// Rename moves a directory entry. Rename across two
// different mounted filesystems is rejected with CrossDevice.
func (fc *Facade) Rename(oldPath, newPath string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	oldFS, oldSuffix, err := fc.mounts.Lookup(fc.resolve(oldPath))
	if err != nil {
		return err
	}
	newFS, newSuffix, err := fc.mounts.Lookup(fc.resolve(newPath))
	if err != nil {
		return err
	}
	if oldFS != newFS {
		return ekind.New(ekind.CrossDevice, "fsfacade.Rename", nil)
	}
	return oldFS.Rename(oldSuffix, newSuffix)
}

// Stat reports path's inode fields.
func (fc *Facade) Stat(p string) (oefs.Stat, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fsys, suffix, err := fc.mounts.Lookup(fc.resolve(p))
	if err != nil {
		return oefs.Stat{}, err
	}
	return fsys.Stat(suffix)
}

// Truncate resizes fd's file.
func (fc *Facade) Truncate(fd int, size uint64) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	_, d, err := fc.checkFD("fsfacade.Truncate", fd)
	if err != nil {
		return err
	}
	if d.h == nil {
		return ekind.New(ekind.IsDir, "fsfacade.Truncate", nil)
	}
	return d.h.Truncate(size)
}

// Getcwd returns the current working directory.
func (fc *Facade) Getcwd() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.cwd
}

// Chdir changes the current working directory after verifying path names
// a directory.
func (fc *Facade) Chdir(p string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	abs := fc.resolve(p)
	fsys, suffix, err := fc.mounts.Lookup(abs)
	if err != nil {
		return err
	}
	st, err := fsys.Stat(suffix)
	if err != nil {
		return err
	}
	if st.Mode&oefs.ModeType != oefs.ModeDir {
		return ekind.New(ekind.NotDir, "fsfacade.Chdir", nil)
	}
	fc.cwd = abs
	return nil
}

// Opendir opens path as a directory stream descriptor, snapshotting its
// entries at open time. Readdir/Closedir operate
// on the fd it returns.
func (fc *Facade) Opendir(p string) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	abs := fc.resolve(p)
	fsys, suffix, err := fc.mounts.Lookup(abs)
	if err != nil {
		return 0, err
	}
	ents, err := fsys.Readdir(suffix)
	if err != nil {
		return 0, err
	}
	idx, err := fc.allocFD()
	if err != nil {
		return 0, err
	}
	fc.fds[idx] = &descriptor{fs: fsys, path: abs, isDir: true, dirEntries: ents}
	return idx + fdBase, nil
}

// Readdir returns the next entry of a descriptor opened with Opendir, or
// ok=false once the stream is exhausted.
func (fc *Facade) Readdir(fd int) (entry oefs.DirEntry, ok bool, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	_, d, err := fc.checkFD("fsfacade.Readdir", fd)
	if err != nil {
		return oefs.DirEntry{}, false, err
	}
	if !d.isDir {
		return oefs.DirEntry{}, false, ekind.New(ekind.NotDir, "fsfacade.Readdir", nil)
	}
	if d.dirPos >= len(d.dirEntries) {
		return oefs.DirEntry{}, false, nil
	}
	e := d.dirEntries[d.dirPos]
	d.dirPos++
	return e, true, nil
}

// Closedir closes a descriptor opened with Opendir.
func (fc *Facade) Closedir(fd int) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	idx, d, err := fc.checkFD("fsfacade.Closedir", fd)
	if err != nil {
		return err
	}
	if !d.isDir {
		return ekind.New(ekind.NotDir, "fsfacade.Closedir", nil)
	}
	fc.fds[idx] = nil
	return nil
}
