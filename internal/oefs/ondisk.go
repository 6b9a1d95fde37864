package oefs

import (
	"bytes"
	"encoding/binary"

	"github.com/9176324/openenclave/internal/blockdev"
)

// BlockSize is the fixed block size every OEFS structure is laid out
// against; it is blockdev.Size by construction since OEFS never crosses a
// Device boundary with anything but a whole block.
const BlockSize = blockdev.Size

const (
	superMagic = 0x0ef55fe0
	inodeMagic = 0x0120dd02

	// rootIno is the inode number of the filesystem root, fixed by design.
	rootIno = 1

	// bitsPerBlock is the number of bitmap bits one block holds: an 8-bit
	// byte packed into a 1024-byte block gives 1024*8 = 8192 bits, not
	// 4096; using the smaller figure would shift bit 0 (the reserved bit)
	// off the first bitmap block's actual first bit and break every other
	// addressing invariant, so the self-consistent value is used instead
	// (see DESIGN.md).
	bitsPerBlock = BlockSize * 8

	// numDirectBlocks is the number of block pointers inline in an inode,
	// before spilling into a chained bnode.
	numDirectBlocks = 112

	// numBnodeBlocks is the number of block pointers in one bnode.
	numBnodeBlocks = 127

	// direntSize is the fixed size of one directory entry record.
	direntSize = 268

	// nameMax is the maximum length of one path component / dirent name.
	nameMax = 256
)

// Mode bits, a minimal subset of the POSIX mode word. Only the bits OEFS itself interprets are named; the rest
// of the word is opaque permission bits round-tripped as-is.
const (
	ModeDir  uint32 = 0x4000
	ModeFile uint32 = 0x8000
	ModeType uint32 = 0xF000
)

// Directory entry types, matching the
// on-disk d_type byte.
const (
	DTUnknown uint8 = 0
	DTDir     uint8 = 4
	DTReg     uint8 = 8
)

type superblock struct {
	magic      uint32
	numBlocks  uint32
	freeBlocks uint32
}

func (s *superblock) marshal() *blockdev.Block {
	var b blockdev.Block
	binary.LittleEndian.PutUint32(b[0:4], s.magic)
	binary.LittleEndian.PutUint32(b[4:8], s.numBlocks)
	binary.LittleEndian.PutUint32(b[8:12], s.freeBlocks)
	return &b
}

func (s *superblock) unmarshal(b *blockdev.Block) {
	s.magic = binary.LittleEndian.Uint32(b[0:4])
	s.numBlocks = binary.LittleEndian.Uint32(b[4:8])
	s.freeBlocks = binary.LittleEndian.Uint32(b[8:12])
}

// inode is stored one per block; the inode-block number equals the inode
// number.
type inode struct {
	magic     uint32
	mode      uint32
	uid       uint32
	gid       uint32
	links     uint32
	size      uint64
	atime     int64
	ctime     int64
	mtime     int64
	dtime     int64
	numBlocks uint32
	nextBnode uint32
	blocks    [numDirectBlocks]uint32
}

func (n *inode) isDir() bool { return n.mode&ModeType == ModeDir }

func (n *inode) marshal() *blockdev.Block {
	var b blockdev.Block
	buf := bytes.NewBuffer(make([]byte, 0, BlockSize))
	fields := []interface{}{
		n.magic, n.mode, n.uid, n.gid, n.links,
		n.size, n.atime, n.ctime, n.mtime, n.dtime,
		n.numBlocks, n.nextBnode,
	}
	for _, f := range fields {
		_ = binary.Write(buf, binary.LittleEndian, f)
	}
	var reserved [6]uint32
	_ = binary.Write(buf, binary.LittleEndian, reserved)
	_ = binary.Write(buf, binary.LittleEndian, n.blocks)
	copy(b[:], buf.Bytes())
	return &b
}

func (n *inode) unmarshal(b *blockdev.Block) error {
	r := bytes.NewReader(b[:])
	fields := []interface{}{
		&n.magic, &n.mode, &n.uid, &n.gid, &n.links,
		&n.size, &n.atime, &n.ctime, &n.mtime, &n.dtime,
		&n.numBlocks, &n.nextBnode,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	var reserved [6]uint32
	if err := binary.Read(r, binary.LittleEndian, &reserved); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &n.blocks)
}

// bnode continues an inode's block list once blocks[numDirectBlocks] is
// exhausted").
type bnode struct {
	next   uint32
	blocks [numBnodeBlocks]uint32
}

func (n *bnode) marshal() *blockdev.Block {
	var b blockdev.Block
	buf := bytes.NewBuffer(make([]byte, 0, BlockSize))
	_ = binary.Write(buf, binary.LittleEndian, n.next)
	_ = binary.Write(buf, binary.LittleEndian, n.blocks)
	copy(b[:], buf.Bytes())
	return &b
}

func (n *bnode) unmarshal(b *blockdev.Block) error {
	r := bytes.NewReader(b[:])
	if err := binary.Read(r, binary.LittleEndian, &n.next); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &n.blocks)
}

// dirent is one directory entry, 268 bytes fixed. Directory
// inodes store a packed sequence of these as their file content.
type dirent struct {
	ino    uint32
	off    uint32
	reclen uint16
	typ    uint8
	name   [nameMax]byte
}

func newDirent(ino uint32, off uint32, typ uint8, name string) dirent {
	var d dirent
	d.ino = ino
	d.off = off
	d.reclen = direntSize
	d.typ = typ
	copy(d.name[:], name)
	return d
}

func (d *dirent) nameString() string {
	i := bytes.IndexByte(d.name[:], 0)
	if i < 0 {
		i = len(d.name)
	}
	return string(d.name[:i])
}

func (d *dirent) marshal(buf *bytes.Buffer) {
	_ = binary.Write(buf, binary.LittleEndian, d.ino)
	_ = binary.Write(buf, binary.LittleEndian, d.off)
	_ = binary.Write(buf, binary.LittleEndian, d.reclen)
	_ = binary.Write(buf, binary.LittleEndian, d.typ)
	_ = binary.Write(buf, binary.LittleEndian, d.name)
	_ = binary.Write(buf, binary.LittleEndian, uint8(0)) // __reserved
}

func unmarshalDirent(r *bytes.Reader) (dirent, error) {
	var d dirent
	fields := []interface{}{&d.ino, &d.off, &d.reclen, &d.typ}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return d, err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &d.name); err != nil {
		return d, err
	}
	var reserved uint8
	err := binary.Read(r, binary.LittleEndian, &reserved)
	return d, err
}
