package oefs

import (
	"time"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
)

// OpenFlag mirrors the POSIX open(2) flag vocabulary OEFS interprets
// itself; everything else is opaque to the filesystem layer.
type OpenFlag uint32

const (
	ORdonly OpenFlag = 0
	OWronly OpenFlag = 1 << iota
	ORdwr
	OCreat
	OExcl
	OTrunc
)

func (f OpenFlag) writable() bool { return f&(OWronly|ORdwr) != 0 }

// SeekWhence mirrors lseek(2)'s whence argument.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

// Stat is the subset of inode fields OEFS exposes to callers.
type Stat struct {
	Ino      uint32
	Mode     uint32
	Uid      uint32
	Gid      uint32
	Links    uint32
	Size     uint64
	Atime    int64
	Ctime    int64
	Mtime    int64
	Blksize  uint32
	NumBlocks uint32
}

// Handle is an open file: an inode number plus a cursor, owned by the
// descriptor table above this package. Handle's
// state machine is Open → (Reading|Writing|Seeking)* → Closed; Closed is
// absorbing and every method below returns BadDescriptor once closed.
type Handle struct {
	fs     *FS
	ino    uint32
	offset int64
	flags  OpenFlag
	closed bool
}

func (h *Handle) checkOpen(op string) error {
	if h.closed {
		return ekind.New(ekind.BadDescriptor, op, nil)
	}
	return nil
}

// Close marks the handle absorbingly closed; further calls fail with
// BadDescriptor.
func (h *Handle) Close() error {
	if err := h.checkOpen("oefs.Handle.Close"); err != nil {
		return err
	}
	h.closed = true
	return nil
}

// Stat reads the current inode and reports its fields.
func (h *Handle) Stat() (Stat, error) {
	if err := h.checkOpen("oefs.Handle.Stat"); err != nil {
		return Stat{}, err
	}
	nd, err := h.fs.getInode(h.ino)
	if err != nil {
		return Stat{}, err
	}
	return statFromInode(h.ino, nd), nil
}

func statFromInode(ino uint32, nd *inode) Stat {
	return Stat{
		Ino: ino, Mode: nd.mode, Uid: nd.uid, Gid: nd.gid, Links: nd.links,
		Size: nd.size, Atime: nd.atime, Ctime: nd.ctime, Mtime: nd.mtime,
		Blksize: BlockSize, NumBlocks: nd.numBlocks,
	}
}

// Seek repositions the handle's cursor. A negative
// resulting offset is rejected; seeking past EOF is permitted and a
// subsequent write materialises the gap with zero blocks.
func (h *Handle) Seek(offset int64, whence SeekWhence) (int64, error) {
	if err := h.checkOpen("oefs.Handle.Seek"); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = h.offset
	case SeekEnd:
		nd, err := h.fs.getInode(h.ino)
		if err != nil {
			return 0, err
		}
		base = int64(nd.size)
	default:
		return 0, ekind.New(ekind.Invalid, "oefs.Handle.Seek", nil)
	}
	next := base + offset
	if next < 0 {
		return 0, ekind.New(ekind.Invalid, "oefs.Handle.Seek", nil)
	}
	h.offset = next
	return next, nil
}

// Read copies up to len(buf) bytes starting at the handle's cursor,
// advancing it by the number of bytes actually read. A short read at EOF
// is non-fatal.
func (h *Handle) Read(buf []byte) (int, error) {
	if err := h.checkOpen("oefs.Handle.Read"); err != nil {
		return 0, err
	}
	nd, err := h.fs.getInode(h.ino)
	if err != nil {
		return 0, err
	}
	if nd.isDir() {
		return 0, ekind.New(ekind.IsDir, "oefs.Handle.Read", nil)
	}
	n, err := h.fs.readAt(nd, uint64(h.offset), buf)
	h.offset += int64(n)
	return n, err
}

// Write copies buf to the handle's cursor, allocating and zero-filling any
// gap between the prior end of file and the cursor, then extending the
// file as needed.
func (h *Handle) Write(buf []byte) (int, error) {
	if err := h.checkOpen("oefs.Handle.Write"); err != nil {
		return 0, err
	}
	if !h.flags.writable() {
		return 0, ekind.New(ekind.Invalid, "oefs.Handle.Write", nil)
	}
	nd, err := h.fs.getInode(h.ino)
	if err != nil {
		return 0, err
	}
	if nd.isDir() {
		return 0, ekind.New(ekind.IsDir, "oefs.Handle.Write", nil)
	}
	n, err := h.fs.writeAt(h.ino, nd, uint64(h.offset), buf)
	h.offset += int64(n)
	return n, err
}

// readAt reads len(buf) bytes of nd's content starting at offset, without
// disturbing any handle's cursor. Used directly by directory content
// access.
func (fs *FS) readAt(nd *inode, offset uint64, buf []byte) (int, error) {
	if offset >= nd.size || len(buf) == 0 {
		return 0, nil
	}
	toRead := nd.size - offset
	if toRead > uint64(len(buf)) {
		toRead = uint64(len(buf))
	}

	var n int
	remaining := int(toRead)
	cursor := offset
	for remaining > 0 {
		idx := uint32(cursor / BlockSize)
		off := int(cursor % BlockSize)
		blkno, ok, err := fs.blockAt(nd, idx)
		if err != nil {
			return n, err
		}
		chunk := BlockSize - off
		if chunk > remaining {
			chunk = remaining
		}
		if ok {
			var blk blockdev.Block
			if err := fs.dev.Get(fs.physical(blkno), &blk); err != nil {
				return n, ekind.New(ekind.IO, "oefs.readAt", err)
			}
			copy(buf[n:n+chunk], blk[off:off+chunk])
		}
		// Every block within the declared size is materialised by writeAt;
		// an unallocated slot here only arises for a file that predates
		// this invariant, and reads back as zero defensively.
		n += chunk
		cursor += uint64(chunk)
		remaining -= chunk
	}
	return n, nil
}

// writeAt writes buf into nd's content starting at offset, materialising
// any gap, extending size/numBlocks as needed, and persisting the inode
// and dirty metadata inside its own Begin/End bracket (nested brackets are
// allowed per the block-device contract).
func (fs *FS) writeAt(ino uint32, nd *inode, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := fs.dev.Begin(); err != nil {
		return 0, ekind.New(ekind.IO, "oefs.writeAt", err)
	}

	// No sparse holes: every block between the old end of file and the
	// write's starting block is allocated and zeroed before the write
	// itself lands, so a later read never depends on unallocated-slot
	// zero-fill convention.
	startIdx := uint32(offset / BlockSize)
	for idx := nd.numBlocks; idx < startIdx; idx++ {
		if _, err := fs.ensureBlockAt(ino, nd, idx); err != nil {
			_ = fs.dev.End()
			return 0, err
		}
	}

	var n int
	remaining := len(buf)
	cursor := offset
	for remaining > 0 {
		idx := uint32(cursor / BlockSize)
		off := int(cursor % BlockSize)
		blkno, err := fs.ensureBlockAt(ino, nd, idx)
		if err != nil {
			_ = fs.dev.End()
			return n, err
		}
		chunk := BlockSize - off
		if chunk > remaining {
			chunk = remaining
		}
		var blk blockdev.Block
		if off != 0 || chunk != BlockSize {
			if err := fs.dev.Get(fs.physical(blkno), &blk); err != nil {
				_ = fs.dev.End()
				return n, ekind.New(ekind.IO, "oefs.writeAt", err)
			}
		}
		copy(blk[off:off+chunk], buf[n:n+chunk])
		if err := fs.dev.Put(fs.physical(blkno), &blk); err != nil {
			_ = fs.dev.End()
			return n, ekind.New(ekind.IO, "oefs.writeAt", err)
		}
		n += chunk
		cursor += uint64(chunk)
		remaining -= chunk
	}

	if idxCount := (cursor + BlockSize - 1) / BlockSize; idxCount > uint64(nd.numBlocks) {
		nd.numBlocks = uint32(idxCount)
	}
	if cursor > nd.size {
		nd.size = cursor
	}
	nd.mtime = time.Now().Unix()
	if err := fs.putInode(ino, nd); err != nil {
		_ = fs.dev.End()
		return n, err
	}
	if err := fs.flush(); err != nil {
		_ = fs.dev.End()
		return n, err
	}
	if err := fs.dev.End(); err != nil {
		return n, ekind.New(ekind.IO, "oefs.writeAt", err)
	}
	return n, nil
}

// Truncate shrinks or grows the handle's file to size bytes. Growing fills
// the new tail with zero blocks.
func (h *Handle) Truncate(size uint64) error {
	if err := h.checkOpen("oefs.Handle.Truncate"); err != nil {
		return err
	}
	nd, err := h.fs.getInode(h.ino)
	if err != nil {
		return err
	}
	if nd.isDir() {
		return ekind.New(ekind.IsDir, "oefs.Handle.Truncate", nil)
	}

	if err := h.fs.dev.Begin(); err != nil {
		return ekind.New(ekind.IO, "oefs.Handle.Truncate", err)
	}

	keepBlocks := uint32((size + BlockSize - 1) / BlockSize)
	if size < nd.size {
		if err := h.fs.truncateBlocks(nd, keepBlocks); err != nil {
			_ = h.fs.dev.End()
			return err
		}
	} else if size > nd.size {
		for idx := uint32(nd.size / BlockSize); idx < keepBlocks; idx++ {
			if _, err := h.fs.ensureBlockAt(h.ino, nd, idx); err != nil {
				_ = h.fs.dev.End()
				return err
			}
		}
		nd.numBlocks = keepBlocks
	}
	nd.size = size
	nd.mtime = time.Now().Unix()
	if err := h.fs.putInode(h.ino, nd); err != nil {
		_ = h.fs.dev.End()
		return err
	}
	if err := h.fs.flush(); err != nil {
		_ = h.fs.dev.End()
		return err
	}
	return h.fs.dev.End()
}
