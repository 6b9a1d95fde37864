// Package merkle implements an authenticated Merkle block device: it sits
// between internal/oefs and the lower internal/blockdev
// stack, encrypting every block with AES-256-GCM under a deterministic
// per-block IV and folding each block's GCM tag into a Merkle tree whose
// root is checked on open and updated on every write. A bit flipped in a
// data block, a tag block, or the header's magic, block count or root hash
// surfaces as ekind.Tamper instead of silently returning wrong bytes; the
// rest of the header block is not read.
package merkle

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/keyseal"
)

const (
	magic      = 0xea6a86f99e6a4f83
	tagSize    = 16
	ivSize     = 12
	keySize    = 32
	tagsPerBlk = blockdev.Size / tagSize
)

type tag [tagSize]byte

// TagBlockCount reports how many tag blocks a Merkle device over nblks
// data blocks occupies, so callers sizing the underlying transport (e.g.
// cmd/oefsutil's mkfs) can add header+tags on top of the data region
// without reaching into this package's unexported layout math.
func TagBlockCount(nblks uint32) uint32 {
	return (nblks + tagsPerBlk - 1) / tagsPerBlk
}

// header is the on-disk header block, stored at blkno == nblks on the
// underlying device.
type header struct {
	magic uint64
	nblks uint64
	hash  [32]byte
}

func (h *header) marshal() *blockdev.Block {
	var b blockdev.Block
	binary.LittleEndian.PutUint64(b[0:8], h.magic)
	binary.LittleEndian.PutUint64(b[8:16], h.nblks)
	copy(b[16:48], h.hash[:])
	return &b
}

func (h *header) unmarshal(b *blockdev.Block) {
	h.magic = binary.LittleEndian.Uint64(b[0:8])
	h.nblks = binary.LittleEndian.Uint64(b[8:16])
	copy(h.hash[:], b[16:48])
}

// Device is the authenticated Merkle layer. It is not safe for concurrent
// use without external synchronization, matching every other layer in the
// stack.
type Device struct {
	refs int64
	next blockdev.Device

	key   [keySize]byte
	nblks uint32

	header header

	// merkle holds the internal (non-leaf) nodes of the tree, indexed per
	// the usual binary-heap convention: left(i)=2i+1, right(i)=2i+2,
	// parent(i)=(i-1)/2. Leaves are the per-block GCM tags themselves and
	// are never materialized here.
	merkle []sha256Hash

	tags         []tag
	numTagBlocks uint32
	dirtyTagBlk  []bool
	tagBlkDirty  bool
}

type sha256Hash [32]byte

// Open loads an existing Merkle-protected device. It fails with
// ekind.Tamper if the recomputed root hash does not match the header's
// recorded root, which catches a corrupted tag block. The tree hashes only
// tags, so a wrong key is not detected here; it surfaces as ekind.Tamper
// on the first Get.
func Open(next blockdev.Device, nblks uint32, sealer keyseal.Sealer, keyID string) (*Device, error) {
	d, err := newDevice(next, nblks, sealer, keyID)
	if err != nil {
		return nil, err
	}

	var hb blockdev.Block
	if err := next.Get(nblks, &hb); err != nil {
		return nil, ekind.New(ekind.IO, "merkle.Open", err)
	}
	d.header.unmarshal(&hb)
	if d.header.magic != magic {
		return nil, ekind.New(ekind.Tamper, "merkle.Open", xerrors.New("bad magic"))
	}
	if d.header.nblks != uint64(nblks) {
		return nil, ekind.New(ekind.Tamper, "merkle.Open", xerrors.New("block count mismatch"))
	}

	if err := d.loadTagBlocks(); err != nil {
		return nil, err
	}
	d.computeUpperTree()

	if sha256Hash(d.header.hash) != d.merkle[0] {
		return nil, ekind.New(ekind.Tamper, "merkle.Open", xerrors.New("merkle root mismatch"))
	}

	return d, nil
}

// Initialize formats next as a fresh Merkle-protected device of nblks data
// blocks: every data block decrypts to all zeros, every tag is the GCM tag
// of an all-zero plaintext, and the header's root hash matches the
// resulting tree.
func Initialize(next blockdev.Device, nblks uint32, sealer keyseal.Sealer, keyID string) (*Device, error) {
	d, err := newDevice(next, nblks, sealer, keyID)
	if err != nil {
		return nil, err
	}

	d.header.magic = magic
	d.header.nblks = uint64(nblks)

	d.tags = make([]tag, nblks)
	var zero blockdev.Block
	for b := uint32(0); b < nblks; b++ {
		var enc blockdev.Block
		t, err := d.encrypt(b, &zero, &enc)
		if err != nil {
			return nil, err
		}
		d.tags[b] = t
		if err := next.Put(b, &enc); err != nil {
			return nil, ekind.New(ekind.IO, "merkle.Initialize", err)
		}
	}
	d.markAllTagBlocksDirty()
	d.computeUpperTree()
	if nblks > 0 {
		d.header.hash = d.merkle[0]
	}
	if err := d.flush(); err != nil {
		return nil, err
	}

	return d, nil
}

func newDevice(next blockdev.Device, nblks uint32, sealer keyseal.Sealer, keyID string) (*Device, error) {
	next.AddRef()
	key, err := sealer.Seal(keyID)
	if err != nil {
		return nil, xerrors.Errorf("merkle: seal key: %w", err)
	}
	d := &Device{refs: 1, next: next, key: key, nblks: nblks}
	d.numTagBlocks = (nblks + tagsPerBlk - 1) / tagsPerBlk
	d.dirtyTagBlk = make([]bool, d.numTagBlocks)
	merkleSize := uint32(0)
	if nblks > 0 {
		merkleSize = nblks - 1
	}
	d.merkle = make([]sha256Hash, merkleSize)
	return d, nil
}

// tagBlockBase is the blkno of the first tag block: tag blocks follow the
// header block, which itself follows the nblks data blocks.
func (d *Device) tagBlockBase() uint32 { return d.nblks + 1 }

func (d *Device) loadTagBlocks() error {
	d.tags = make([]tag, d.nblks)
	for i := uint32(0); i < d.numTagBlocks; i++ {
		var blk blockdev.Block
		if err := d.next.Get(d.tagBlockBase()+i, &blk); err != nil {
			return ekind.New(ekind.IO, "merkle.Open", err)
		}
		for j := 0; j < tagsPerBlk; j++ {
			blkno := i*tagsPerBlk + uint32(j)
			if blkno >= d.nblks {
				break
			}
			copy(d.tags[blkno][:], blk[j*tagSize:(j+1)*tagSize])
		}
	}
	return nil
}

func (d *Device) markAllTagBlocksDirty() {
	for i := range d.dirtyTagBlk {
		d.dirtyTagBlk[i] = true
	}
	d.tagBlkDirty = true
}

// leftChild returns the hash a node's left child contributes: another
// internal node if the child index still falls within merkle, otherwise
// the leaf's tag padded to 32 bytes with zeros.
func (d *Device) leftChild(i uint32) sha256Hash  { return d.child(2*i + 1) }
func (d *Device) rightChild(i uint32) sha256Hash { return d.child(2*i + 2) }

func (d *Device) child(index uint32) sha256Hash {
	merkleSize := uint32(len(d.merkle))
	if index < merkleSize {
		return d.merkle[index]
	}
	var h sha256Hash
	blkno := index - merkleSize
	copy(h[:tagSize], d.tags[blkno][:])
	return h
}

func parentIndex(i uint32) (uint32, bool) {
	if i == 0 {
		return 0, false
	}
	return (i - 1) / 2, true
}

func hash2(left, right sha256Hash) sha256Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return sha256.Sum256(buf[:])
}

// computeUpperTree recomputes every internal node bottom-up, matching the
// original's reverse-order pass over the full tree (used only on
// Open/Initialize; per-write updates use updateHashTree instead).
func (d *Device) computeUpperTree() {
	for i := int(len(d.merkle)) - 1; i >= 0; i-- {
		d.merkle[i] = hash2(d.leftChild(uint32(i)), d.rightChild(uint32(i)))
	}
}

// updateHashTree folds a single changed leaf into the tree by walking from
// its parent to the root, recomputing each node from its current children
// to the root"). This is the
// per-Put incremental counterpart to computeUpperTree's full rebuild.
func (d *Device) updateHashTree(blkno uint32, t tag) {
	d.tags[blkno] = t
	d.dirtyTagBlk[blkno/tagsPerBlk] = true
	d.tagBlkDirty = true

	merkleSize := uint32(len(d.merkle))
	index := merkleSize + blkno
	parent, ok := parentIndex(index)
	for ok {
		d.merkle[parent] = hash2(d.leftChild(parent), d.rightChild(parent))
		parent, ok = parentIndex(parent)
	}
	if merkleSize > 0 {
		d.header.hash = d.merkle[0]
	}
}

func (d *Device) iv(blkno uint32) [ivSize]byte {
	khash := sha256.Sum256(d.key[:])
	block, _ := aes.NewCipher(khash[:])
	var in, out [aes.BlockSize]byte
	binary.LittleEndian.PutUint32(in[0:4], blkno)
	block.Encrypt(out[:], in[:])
	var iv [ivSize]byte
	copy(iv[:], out[:ivSize])
	return iv
}

func (d *Device) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(d.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

func (d *Device) encrypt(blkno uint32, in, out *blockdev.Block) (tag, error) {
	var t tag
	gcm, err := d.gcm()
	if err != nil {
		return t, ekind.New(ekind.IO, "merkle.encrypt", err)
	}
	iv := d.iv(blkno)
	sealed := gcm.Seal(nil, iv[:], in[:], nil)
	copy(out[:], sealed[:blockdev.Size])
	copy(t[:], sealed[blockdev.Size:])
	return t, nil
}

func (d *Device) decrypt(blkno uint32, t tag, in *blockdev.Block, out *blockdev.Block) error {
	gcm, err := d.gcm()
	if err != nil {
		return ekind.New(ekind.IO, "merkle.decrypt", err)
	}
	iv := d.iv(blkno)
	ciphertext := make([]byte, 0, blockdev.Size+tagSize)
	ciphertext = append(ciphertext, in[:]...)
	ciphertext = append(ciphertext, t[:]...)
	plain, err := gcm.Open(nil, iv[:], ciphertext, nil)
	if err != nil {
		return ekind.New(ekind.Tamper, "merkle.decrypt", err)
	}
	copy(out[:], plain)
	return nil
}

func (d *Device) checkBlkno(op string, blkno uint32) error {
	if blkno >= d.nblks {
		return ekind.New(ekind.Invalid, op, nil)
	}
	return nil
}

// Get decrypts and authenticates block blkno. A mismatched GCM tag — from a
// tampered ciphertext, a tampered tag, or a wrong key — returns
// ekind.Tamper rather than garbage plaintext.
func (d *Device) Get(blkno uint32, out *blockdev.Block) error {
	if err := d.checkBlkno("merkle.Device.Get", blkno); err != nil {
		return err
	}
	var enc blockdev.Block
	if err := d.next.Get(blkno, &enc); err != nil {
		return ekind.New(ekind.IO, "merkle.Device.Get", err)
	}
	return d.decrypt(blkno, d.tags[blkno], &enc, out)
}

// Put encrypts in under blkno's deterministic IV, folds the resulting tag
// into the Merkle tree, and forwards the ciphertext to the next layer. The
// tree and header are not flushed until End.
func (d *Device) Put(blkno uint32, in *blockdev.Block) error {
	if err := d.checkBlkno("merkle.Device.Put", blkno); err != nil {
		return err
	}
	var enc blockdev.Block
	t, err := d.encrypt(blkno, in, &enc)
	if err != nil {
		return err
	}
	d.updateHashTree(blkno, t)
	if err := d.next.Put(blkno, &enc); err != nil {
		return ekind.New(ekind.IO, "merkle.Device.Put", err)
	}
	return nil
}

func (d *Device) Begin() error { return d.next.Begin() }

// End flushes the dirty tag blocks and header, then delegates to next so
// the whole transaction — data, tags, and root hash — becomes durable
// together.
func (d *Device) End() error {
	if err := d.flush(); err != nil {
		return err
	}
	return d.next.End()
}

func (d *Device) flush() error {
	if !d.tagBlkDirty {
		return nil
	}
	for i := uint32(0); i < d.numTagBlocks; i++ {
		if !d.dirtyTagBlk[i] {
			continue
		}
		var blk blockdev.Block
		for j := 0; j < tagsPerBlk; j++ {
			blkno := i*tagsPerBlk + uint32(j)
			if blkno >= d.nblks {
				break
			}
			copy(blk[j*tagSize:(j+1)*tagSize], d.tags[blkno][:])
		}
		if err := d.next.Put(d.tagBlockBase()+i, &blk); err != nil {
			return ekind.New(ekind.IO, "merkle.Device.flush", err)
		}
		d.dirtyTagBlk[i] = false
	}
	d.tagBlkDirty = false

	if err := d.next.Put(d.nblks, d.header.marshal()); err != nil {
		return ekind.New(ekind.IO, "merkle.Device.flush", err)
	}
	return nil
}

// NumBlocks reports the number of data blocks this Device protects, not
// counting its own header and tag blocks on the underlying device.
func (d *Device) NumBlocks() uint32 { return d.nblks }

func (d *Device) AddRef() { atomic.AddInt64(&d.refs, 1) }

func (d *Device) Release() error {
	if atomic.AddInt64(&d.refs, -1) > 0 {
		return nil
	}
	return d.next.Release()
}

var _ blockdev.Device = (*Device)(nil)
