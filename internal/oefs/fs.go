// Package oefs implements the on-disk filesystem format and in-memory
// operations of the block-device stack's top layer: a superblock, a
// bitmap-allocated data region, inode and bnode block-pointer chaining,
// and directory entries, exposing stat/open/read/write/seek/mkdir/
// readdir/unlink/rename/link/truncate over an internal/blockdev.Device.
package oefs

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
)

// FS is one mounted OEFS instance over a block device. It is not safe for
// concurrent use; callers serialize access the way internal/fsfacade's
// coarse per-filesystem lock does.
type FS struct {
	dev blockdev.Device

	sb super

	bitmap       []byte
	bitmapBlocks uint32
	dataStart    uint32

	dirty bool
}

// super is the on-disk superblock. The bookkeeping FS derives from it
// (bitmapBlocks/dataStart) lives on FS itself and is recomputed from
// numBlocks on every Open, not stored twice.
type super = superblock

// physical translates a logical data/inode block number (space covered by
// the bitmap, addressed from 0) to the underlying device's block number.
func (fs *FS) physical(logical uint32) uint32 { return fs.dataStart + logical }

func bitmapBlockCount(numBlocks uint32) uint32 {
	return (numBlocks + bitsPerBlock - 1) / bitsPerBlock
}

// Format initializes a fresh OEFS instance over dev, which must already be
// sized for at least 1 (super) + bitmap blocks + numBlocks logical blocks.
// It creates the root directory (inode 1) with "." and ".." entries and
// flushes the superblock and bitmap.
func Format(dev blockdev.Device, numBlocks uint32) (*FS, error) {
	if numBlocks < 2 {
		return nil, ekind.New(ekind.Invalid, "oefs.Format", xerrors.New("numBlocks too small"))
	}
	bitmapBlocks := bitmapBlockCount(numBlocks)
	fs := &FS{
		dev:          dev,
		bitmap:       make([]byte, bitmapBlocks*BlockSize),
		bitmapBlocks: bitmapBlocks,
		dataStart:    1 + bitmapBlocks,
	}
	fs.sb = superblock{magic: superMagic, numBlocks: numBlocks, freeBlocks: numBlocks}

	if err := dev.Begin(); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.Format", err)
	}

	// Logical block 0 is reserved and never allocated.
	fs.setBit(0)
	fs.sb.freeBlocks--

	now := time.Now().Unix()
	root := inode{
		magic: inodeMagic,
		mode:  ModeDir | 0755,
		links: 2,
		atime: now,
		ctime: now,
		mtime: now,
	}
	if err := fs.allocInode(rootIno); err != nil {
		_ = dev.End()
		return nil, err
	}
	if err := fs.putInode(rootIno, &root); err != nil {
		_ = dev.End()
		return nil, err
	}
	if err := fs.appendDirentsRaw(rootIno, &root, []dirent{
		newDirent(rootIno, 0, DTDir, "."),
		newDirent(rootIno, 1, DTDir, ".."),
	}); err != nil {
		_ = dev.End()
		return nil, err
	}

	if err := fs.flush(); err != nil {
		_ = dev.End()
		return nil, err
	}
	if err := dev.End(); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.Format", err)
	}

	return fs, nil
}

// Open mounts an existing OEFS instance from dev.
func Open(dev blockdev.Device) (*FS, error) {
	var blk blockdev.Block
	if err := dev.Get(0, &blk); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.Open", err)
	}
	var sb superblock
	sb.unmarshal(&blk)
	if sb.magic != superMagic {
		return nil, ekind.New(ekind.Invalid, "oefs.Open", xerrors.New("bad superblock magic"))
	}

	bitmapBlocks := bitmapBlockCount(sb.numBlocks)
	fs := &FS{
		dev:          dev,
		sb:           sb,
		bitmap:       make([]byte, bitmapBlocks*BlockSize),
		bitmapBlocks: bitmapBlocks,
		dataStart:    1 + bitmapBlocks,
	}
	for i := uint32(0); i < bitmapBlocks; i++ {
		var b blockdev.Block
		if err := dev.Get(1+i, &b); err != nil {
			return nil, ekind.New(ekind.IO, "oefs.Open", err)
		}
		copy(fs.bitmap[i*BlockSize:(i+1)*BlockSize], b[:])
	}
	return fs, nil
}

// Close releases the underlying device reference. Pending mutations must
// already have been flushed via an explicit Begin/End bracket.
func (fs *FS) Close() error { return fs.dev.Release() }

// AddRef and Release let internal/mount track how many bindings share this
// instance, mirroring the block-device refcounting contract one layer up.
func (fs *FS) AddRef() { fs.dev.AddRef() }

// Release forwards to the underlying device; the last reference torn down
// also tears down everything below it.
func (fs *FS) Release() error { return fs.dev.Release() }

// FreeBlocks reports the current count of unallocated data/inode blocks,
// for tests asserting the bitmap round-trip invariant.
func (fs *FS) FreeBlocks() uint32 { return fs.sb.freeBlocks }

func (fs *FS) bitTest(bit uint32) bool {
	return fs.bitmap[bit/8]&(1<<(bit%8)) != 0
}

func (fs *FS) setBit(bit uint32) {
	fs.bitmap[bit/8] |= 1 << (bit % 8)
	fs.dirty = true
}

func (fs *FS) clearBit(bit uint32) {
	fs.bitmap[bit/8] &^= 1 << (bit % 8)
	fs.dirty = true
}

// allocBlkno finds and claims the first clear bit starting at 1, a
// linear-scan allocation policy.
func (fs *FS) allocBlkno() (uint32, error) {
	for b := uint32(1); b < fs.sb.numBlocks; b++ {
		if !fs.bitTest(b) {
			fs.setBit(b)
			fs.sb.freeBlocks--
			return b, nil
		}
	}
	return 0, ekind.New(ekind.NoSpace, "oefs.allocBlkno", nil)
}

// allocInode claims a specific inode number, used only for the fixed root
// inode at Format time.
func (fs *FS) allocInode(ino uint32) error {
	if fs.bitTest(ino) {
		return ekind.New(ekind.Exists, "oefs.allocInode", nil)
	}
	fs.setBit(ino)
	fs.sb.freeBlocks--
	return nil
}

func (fs *FS) releaseBlkno(b uint32) {
	fs.clearBit(b)
	fs.sb.freeBlocks++
}

// flush writes the bitmap and superblock if dirty. Data/inode/bnode blocks
// are written eagerly by their own accessors; only the shadow metadata is
// deferred.
func (fs *FS) flush() error {
	if !fs.dirty {
		return nil
	}
	for i := uint32(0); i < fs.bitmapBlocks; i++ {
		var b blockdev.Block
		copy(b[:], fs.bitmap[i*BlockSize:(i+1)*BlockSize])
		if err := fs.dev.Put(1+i, &b); err != nil {
			return ekind.New(ekind.IO, "oefs.flush", err)
		}
	}
	if err := fs.dev.Put(0, fs.sb.marshal()); err != nil {
		return ekind.New(ekind.IO, "oefs.flush", err)
	}
	fs.dirty = false
	return nil
}

func (fs *FS) getInode(ino uint32) (*inode, error) {
	var blk blockdev.Block
	if err := fs.dev.Get(fs.physical(ino), &blk); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.getInode", err)
	}
	var nd inode
	if err := nd.unmarshal(&blk); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.getInode", err)
	}
	if nd.magic != inodeMagic {
		return nil, ekind.New(ekind.NotFound, "oefs.getInode", nil)
	}
	return &nd, nil
}

func (fs *FS) putInode(ino uint32, nd *inode) error {
	if err := fs.dev.Put(fs.physical(ino), nd.marshal()); err != nil {
		return ekind.New(ekind.IO, "oefs.putInode", err)
	}
	return nil
}

func (fs *FS) getBnode(logical uint32) (*bnode, error) {
	var blk blockdev.Block
	if err := fs.dev.Get(fs.physical(logical), &blk); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.getBnode", err)
	}
	var bn bnode
	if err := bn.unmarshal(&blk); err != nil {
		return nil, ekind.New(ekind.IO, "oefs.getBnode", err)
	}
	return &bn, nil
}

func (fs *FS) putBnode(logical uint32, bn *bnode) error {
	if err := fs.dev.Put(fs.physical(logical), bn.marshal()); err != nil {
		return ekind.New(ekind.IO, "oefs.putBnode", err)
	}
	return nil
}
