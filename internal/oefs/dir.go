package oefs

import (
	"bytes"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/ekind"
)

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Ino  uint32
	Name string
	Type uint8
}

// appendDirentsRaw appends one or more dirents to a freshly allocated
// directory's content, used only during Format and Mkdir when the inode
// is not yet reachable through a Handle.
func (fs *FS) appendDirentsRaw(ino uint32, nd *inode, entries []dirent) error {
	var buf bytes.Buffer
	for _, d := range entries {
		d.marshal(&buf)
	}
	_, err := fs.writeAt(ino, nd, nd.size, buf.Bytes())
	return err
}

func (fs *FS) readDirents(nd *inode) ([]dirent, error) {
	data := make([]byte, nd.size)
	if _, err := fs.readAt(nd, 0, data); err != nil {
		return nil, err
	}
	var out []dirent
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		d, err := unmarshalDirent(r)
		if err != nil {
			return nil, ekind.New(ekind.IO, "oefs.readDirents", err)
		}
		if d.ino != 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// lookupDirent scans dir's content linearly for name.
func (fs *FS) lookupDirent(dir *inode, name string) (dirent, bool, error) {
	ents, err := fs.readDirents(dir)
	if err != nil {
		return dirent{}, false, err
	}
	for _, d := range ents {
		if d.nameString() == name {
			return d, true, nil
		}
	}
	return dirent{}, false, nil
}

// rewriteDirents replaces dir's entire content with ents, used by
// unlink/rmdir/rename to drop or relabel one entry without disturbing
// on-disk record alignment.
func (fs *FS) rewriteDirents(ino uint32, nd *inode, ents []dirent) error {
	if err := fs.dev.Begin(); err != nil {
		return ekind.New(ekind.IO, "oefs.rewriteDirents", err)
	}
	if err := fs.truncateBlocks(nd, 0); err != nil {
		_ = fs.dev.End()
		return err
	}
	nd.size = 0
	nd.numBlocks = 0
	if err := fs.dev.End(); err != nil {
		return ekind.New(ekind.IO, "oefs.rewriteDirents", err)
	}

	for i, d := range ents {
		d.off = uint32(i)
		ents[i] = d
	}
	return fs.appendDirentsRaw(ino, nd, ents)
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, ekind.WithPath(ekind.Invalid, "oefs.splitPath", path, xerrors.New("not absolute"))
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		if len(p) > nameMax-1 {
			return nil, ekind.WithPath(ekind.NameTooLong, "oefs.splitPath", path, nil)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// resolve walks path from the root inode, returning the inode number of
// the final component, its parent's inode number, and the final
// component's name (empty for the root itself).
func (fs *FS) resolve(path string) (ino uint32, parent uint32, name string, err error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, 0, "", err
	}
	if len(parts) == 0 {
		return rootIno, rootIno, "", nil
	}

	cur := uint32(rootIno)
	for i, part := range parts {
		nd, err := fs.getInode(cur)
		if err != nil {
			return 0, 0, "", err
		}
		if !nd.isDir() {
			return 0, 0, "", ekind.WithPath(ekind.NotDir, "oefs.resolve", path, nil)
		}
		d, ok, err := fs.lookupDirent(nd, part)
		if err != nil {
			return 0, 0, "", err
		}
		if !ok {
			if i == len(parts)-1 {
				return 0, cur, part, ekind.WithPath(ekind.NotFound, "oefs.resolve", path, nil)
			}
			return 0, 0, "", ekind.WithPath(ekind.NotFound, "oefs.resolve", path, nil)
		}
		if i == len(parts)-1 {
			return d.ino, cur, part, nil
		}
		cur = d.ino
	}
	return cur, cur, "", nil
}

// Open resolves path and returns a Handle, honoring OCreat/OExcl/OTrunc.
func (fs *FS) Open(path string, flags OpenFlag, mode uint32) (*Handle, error) {
	ino, parentIno, name, err := fs.resolve(path)
	if err != nil {
		if !ekind.Is(err, ekind.NotFound) || flags&OCreat == 0 || name == "" {
			return nil, err
		}
		return fs.create(path, parentIno, name, flags, mode)
	}

	if flags&OCreat != 0 && flags&OExcl != 0 {
		return nil, ekind.WithPath(ekind.Exists, "oefs.Open", path, nil)
	}

	nd, err := fs.getInode(ino)
	if err != nil {
		return nil, err
	}
	if nd.isDir() && flags.writable() {
		return nil, ekind.WithPath(ekind.IsDir, "oefs.Open", path, nil)
	}
	if flags&OTrunc != 0 && flags.writable() && !nd.isDir() {
		h := &Handle{fs: fs, ino: ino, flags: flags}
		if err := h.Truncate(0); err != nil {
			return nil, err
		}
		return h, nil
	}
	return &Handle{fs: fs, ino: ino, flags: flags}, nil
}

func (fs *FS) create(path string, parentIno uint32, name string, flags OpenFlag, mode uint32) (*Handle, error) {
	if err := fs.dev.Begin(); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.create", err)
	}
	ino, err := fs.allocBlkno()
	if err != nil {
		_ = fs.dev.End()
		return nil, err
	}
	now := time.Now().Unix()
	nd := inode{magic: inodeMagic, mode: ModeFile | (mode &^ ModeType), links: 1, atime: now, ctime: now, mtime: now}
	if err := fs.putInode(ino, &nd); err != nil {
		_ = fs.dev.End()
		return nil, err
	}
	if err := fs.flush(); err != nil {
		_ = fs.dev.End()
		return nil, err
	}
	if err := fs.dev.End(); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.create", err)
	}

	parent, err := fs.getInode(parentIno)
	if err != nil {
		return nil, err
	}
	if err := fs.appendDirentsRaw(parentIno, parent, []dirent{
		newDirent(ino, 0, DTReg, name),
	}); err != nil {
		return nil, err
	}

	return &Handle{fs: fs, ino: ino, flags: flags}, nil
}

// Mkdir creates an empty directory at path with "." and ".." materialised.
func (fs *FS) Mkdir(path string, mode uint32) error {
	_, parentIno, name, err := fs.resolve(path)
	if err == nil {
		return ekind.WithPath(ekind.Exists, "oefs.Mkdir", path, nil)
	}
	if !ekind.Is(err, ekind.NotFound) || name == "" {
		return err
	}

	if err := fs.dev.Begin(); err != nil {
		return ekind.New(ekind.IO, "oefs.Mkdir", err)
	}
	ino, err := fs.allocBlkno()
	if err != nil {
		_ = fs.dev.End()
		return err
	}
	now := time.Now().Unix()
	nd := inode{magic: inodeMagic, mode: ModeDir | (mode &^ ModeType), links: 2, atime: now, ctime: now, mtime: now}
	if err := fs.putInode(ino, &nd); err != nil {
		_ = fs.dev.End()
		return err
	}
	if err := fs.flush(); err != nil {
		_ = fs.dev.End()
		return err
	}
	if err := fs.dev.End(); err != nil {
		return ekind.New(ekind.IO, "oefs.Mkdir", err)
	}

	if err := fs.appendDirentsRaw(ino, &nd, []dirent{
		newDirent(ino, 0, DTDir, "."),
		newDirent(parentIno, 1, DTDir, ".."),
	}); err != nil {
		return err
	}

	parent, err := fs.getInode(parentIno)
	if err != nil {
		return err
	}
	if err := fs.appendDirentsRaw(parentIno, parent, []dirent{
		newDirent(ino, 0, DTDir, lastComponent(path)),
	}); err != nil {
		return err
	}
	parent.links++
	return fs.putInode(parentIno, parent)
}

func lastComponent(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	return parts[len(parts)-1]
}

// Readdir lists dir's entries including "." and "..".
func (fs *FS) Readdir(path string) ([]DirEntry, error) {
	ino, _, _, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	nd, err := fs.getInode(ino)
	if err != nil {
		return nil, err
	}
	if !nd.isDir() {
		return nil, ekind.WithPath(ekind.NotDir, "oefs.Readdir", path, nil)
	}
	ents, err := fs.readDirents(nd)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(ents))
	for _, d := range ents {
		out = append(out, DirEntry{Ino: d.ino, Name: d.nameString(), Type: d.typ})
	}
	return out, nil
}

// Stat resolves path and reports its inode fields.
func (fs *FS) Stat(path string) (Stat, error) {
	ino, _, _, err := fs.resolve(path)
	if err != nil {
		return Stat{}, err
	}
	nd, err := fs.getInode(ino)
	if err != nil {
		return Stat{}, err
	}
	return statFromInode(ino, nd), nil
}

// Link appends a dirent for newPath pointing at oldPath's inode and
// increments its link count.
func (fs *FS) Link(oldPath, newPath string) error {
	ino, _, _, err := fs.resolve(oldPath)
	if err != nil {
		return err
	}
	nd, err := fs.getInode(ino)
	if err != nil {
		return err
	}
	if nd.isDir() {
		return ekind.WithPath(ekind.IsDir, "oefs.Link", oldPath, nil)
	}

	_, parentIno, name, err := fs.resolve(newPath)
	if err == nil {
		return ekind.WithPath(ekind.Exists, "oefs.Link", newPath, nil)
	}
	if !ekind.Is(err, ekind.NotFound) || name == "" {
		return err
	}

	parent, err := fs.getInode(parentIno)
	if err != nil {
		return err
	}
	if err := fs.appendDirentsRaw(parentIno, parent, []dirent{
		newDirent(ino, 0, DTReg, name),
	}); err != nil {
		return err
	}
	nd.links++
	return fs.putInode(ino, nd)
}

// Unlink removes path's dirent, decrementing its inode's link count and
// releasing the inode and its blocks once the count reaches zero. It
// rejects directories; use Rmdir for those.
func (fs *FS) Unlink(path string) error {
	ino, parentIno, name, err := fs.resolve(path)
	if err != nil {
		return err
	}
	nd, err := fs.getInode(ino)
	if err != nil {
		return err
	}
	if nd.isDir() {
		return ekind.WithPath(ekind.IsDir, "oefs.Unlink", path, nil)
	}

	parent, err := fs.getInode(parentIno)
	if err != nil {
		return err
	}
	ents, err := fs.readDirents(parent)
	if err != nil {
		return err
	}
	ents = removeNamed(ents, name)
	if err := fs.rewriteDirents(parentIno, parent, ents); err != nil {
		return err
	}

	nd.links--
	if nd.links == 0 {
		if err := fs.dev.Begin(); err != nil {
			return ekind.New(ekind.IO, "oefs.Unlink", err)
		}
		if err := fs.freeBlockChain(nd); err != nil {
			_ = fs.dev.End()
			return err
		}
		fs.releaseBlkno(ino)
		if err := fs.flush(); err != nil {
			_ = fs.dev.End()
			return err
		}
		return fs.dev.End()
	}
	return fs.putInode(ino, nd)
}

func removeNamed(ents []dirent, name string) []dirent {
	out := ents[:0]
	for _, d := range ents {
		if d.nameString() != name {
			out = append(out, d)
		}
	}
	return out
}

// Rmdir removes an empty directory (only "." and ".." remain).
func (fs *FS) Rmdir(path string) error {
	ino, parentIno, name, err := fs.resolve(path)
	if err != nil {
		return err
	}
	nd, err := fs.getInode(ino)
	if err != nil {
		return err
	}
	if !nd.isDir() {
		return ekind.WithPath(ekind.NotDir, "oefs.Rmdir", path, nil)
	}
	ents, err := fs.readDirents(nd)
	if err != nil {
		return err
	}
	if len(ents) > 2 {
		return ekind.WithPath(ekind.Invalid, "oefs.Rmdir", path, xerrors.New("directory not empty"))
	}

	parent, err := fs.getInode(parentIno)
	if err != nil {
		return err
	}
	pents, err := fs.readDirents(parent)
	if err != nil {
		return err
	}
	pents = removeNamed(pents, name)
	if err := fs.rewriteDirents(parentIno, parent, pents); err != nil {
		return err
	}
	parent.links--
	if err := fs.putInode(parentIno, parent); err != nil {
		return err
	}

	if err := fs.dev.Begin(); err != nil {
		return ekind.New(ekind.IO, "oefs.Rmdir", err)
	}
	if err := fs.freeBlockChain(nd); err != nil {
		_ = fs.dev.End()
		return err
	}
	fs.releaseBlkno(ino)
	if err := fs.flush(); err != nil {
		_ = fs.dev.End()
		return err
	}
	return fs.dev.End()
}

// Rename is link(new)+unlink(old) within this single filesystem instance.
// Cross-filesystem rename is rejected by the caller (internal/fsfacade),
// since a *FS has no notion of another instance. Moving a directory across
// parents rewrites its ".." entry to the new parent and moves the link
// count ".." contributes from the old parent to the new one, the same
// bookkeeping Mkdir/Rmdir do at creation/removal time.
func (fs *FS) Rename(oldPath, newPath string) error {
	ino, oldParentIno, oldName, err := fs.resolve(oldPath)
	if err != nil {
		return err
	}
	nd, err := fs.getInode(ino)
	if err != nil {
		return err
	}

	_, newParentIno, newName, err := fs.resolve(newPath)
	if err == nil {
		return ekind.WithPath(ekind.Exists, "oefs.Rename", newPath, nil)
	}
	if !ekind.Is(err, ekind.NotFound) || newName == "" {
		return err
	}

	typ := DTReg
	if nd.isDir() {
		typ = DTDir
	}
	newParent, err := fs.getInode(newParentIno)
	if err != nil {
		return err
	}
	if err := fs.appendDirentsRaw(newParentIno, newParent, []dirent{
		newDirent(ino, 0, typ, newName),
	}); err != nil {
		return err
	}

	oldParent, err := fs.getInode(oldParentIno)
	if err != nil {
		return err
	}
	ents, err := fs.readDirents(oldParent)
	if err != nil {
		return err
	}
	ents = removeNamed(ents, oldName)
	if err := fs.rewriteDirents(oldParentIno, oldParent, ents); err != nil {
		return err
	}

	if nd.isDir() && oldParentIno != newParentIno {
		if err := fs.relinkDotDot(ino, nd, newParentIno); err != nil {
			return err
		}
		newParent.links++
		if err := fs.putInode(newParentIno, newParent); err != nil {
			return err
		}
		oldParent.links--
		if err := fs.putInode(oldParentIno, oldParent); err != nil {
			return err
		}
	}
	return nil
}

// relinkDotDot rewrites dir's ".." entry to point at newParentIno, keeping
// a moved subdirectory's upward reference consistent with where it now
// lives in the tree.
func (fs *FS) relinkDotDot(ino uint32, nd *inode, newParentIno uint32) error {
	ents, err := fs.readDirents(nd)
	if err != nil {
		return err
	}
	for i, d := range ents {
		if d.nameString() == ".." {
			ents[i] = newDirent(newParentIno, d.off, d.typ, "..")
		}
	}
	return fs.rewriteDirents(ino, nd, ents)
}
