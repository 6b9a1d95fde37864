package oefs

import (
	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
)

// blockAt returns the logical data block number stored at block index idx
// within nd's chain, and whether that slot has ever been allocated. It
// never allocates.
func (fs *FS) blockAt(nd *inode, idx uint32) (uint32, bool, error) {
	if idx < numDirectBlocks {
		b := nd.blocks[idx]
		return b, b != 0, nil
	}
	rem := idx - numDirectBlocks
	bnodeIdx := rem / numBnodeBlocks
	slot := rem % numBnodeBlocks

	logical := nd.nextBnode
	for i := uint32(0); i < bnodeIdx; i++ {
		if logical == 0 {
			return 0, false, nil
		}
		bn, err := fs.getBnode(logical)
		if err != nil {
			return 0, false, err
		}
		logical = bn.next
	}
	if logical == 0 {
		return 0, false, nil
	}
	bn, err := fs.getBnode(logical)
	if err != nil {
		return 0, false, err
	}
	b := bn.blocks[slot]
	return b, b != 0, nil
}

// ensureBlockAt returns the logical data block at idx, allocating a fresh
// zeroed block (and any intervening bnodes) if the slot is empty. Used by
// Write both for normal appends and for materialising the zero-filled gap
// created by a seek-then-write past the old end of file.
func (fs *FS) ensureBlockAt(ino uint32, nd *inode, idx uint32) (uint32, error) {
	if idx < numDirectBlocks {
		if nd.blocks[idx] != 0 {
			return nd.blocks[idx], nil
		}
		b, err := fs.allocDataBlock()
		if err != nil {
			return 0, err
		}
		nd.blocks[idx] = b
		return b, nil
	}

	rem := idx - numDirectBlocks
	bnodeIdx := rem / numBnodeBlocks
	slot := rem % numBnodeBlocks

	parentNext := &nd.nextBnode
	var bn *bnode
	var bnLogical uint32
	for i := uint32(0); i <= bnodeIdx; i++ {
		if *parentNext == 0 {
			newLogical, err := fs.allocBlkno()
			if err != nil {
				return 0, err
			}
			*parentNext = newLogical
			if bn != nil {
				if err := fs.putBnode(bnLogical, bn); err != nil {
					return 0, err
				}
			}
			bn = &bnode{}
			bnLogical = newLogical
		} else {
			bnLogical = *parentNext
			loaded, err := fs.getBnode(bnLogical)
			if err != nil {
				return 0, err
			}
			bn = loaded
		}
		parentNext = &bn.next
	}

	if bn.blocks[slot] != 0 {
		return bn.blocks[slot], nil
	}
	b, err := fs.allocDataBlock()
	if err != nil {
		return 0, err
	}
	bn.blocks[slot] = b
	if err := fs.putBnode(bnLogical, bn); err != nil {
		return 0, err
	}
	return b, nil
}

// allocDataBlock allocates a block from the bitmap and zeroes it on the
// underlying device, so newly materialised slots never expose stale data.
func (fs *FS) allocDataBlock() (uint32, error) {
	b, err := fs.allocBlkno()
	if err != nil {
		return 0, err
	}
	var zero blockdev.Block
	if err := fs.dev.Put(fs.physical(b), &zero); err != nil {
		return 0, ekind.New(ekind.IO, "oefs.allocDataBlock", err)
	}
	return b, nil
}

// freeBlockChain releases every data block and every bnode chained off nd,
// used by both truncate-to-zero and unlink-to-zero-links.
func (fs *FS) freeBlockChain(nd *inode) error {
	for i := uint32(0); i < numDirectBlocks; i++ {
		if nd.blocks[i] != 0 {
			fs.releaseBlkno(nd.blocks[i])
			nd.blocks[i] = 0
		}
	}
	logical := nd.nextBnode
	nd.nextBnode = 0
	for logical != 0 {
		bn, err := fs.getBnode(logical)
		if err != nil {
			return err
		}
		for _, b := range bn.blocks {
			if b != 0 {
				fs.releaseBlkno(b)
			}
		}
		next := bn.next
		fs.releaseBlkno(logical)
		logical = next
	}
	nd.numBlocks = 0
	nd.size = 0
	return nil
}

// truncateBlocks releases data blocks (and bnodes that become entirely
// empty) from the tail down to keepBlocks, for a shrinking truncate.
func (fs *FS) truncateBlocks(nd *inode, keepBlocks uint32) error {
	if keepBlocks == 0 {
		return fs.freeBlockChain(nd)
	}
	old := nd.numBlocks
	for i := keepBlocks; i < old && i < numDirectBlocks; i++ {
		if nd.blocks[i] != 0 {
			fs.releaseBlkno(nd.blocks[i])
			nd.blocks[i] = 0
		}
	}
	if old <= numDirectBlocks {
		nd.numBlocks = keepBlocks
		return nil
	}

	// Walk the bnode chain, freeing whole bnodes once their first slot
	// falls at or beyond keepBlocks, and freeing the tail slots of the one
	// bnode that straddles the cut.
	rem := uint32(0)
	if keepBlocks > numDirectBlocks {
		rem = keepBlocks - numDirectBlocks
	}
	keepBnodeIdx := rem / numBnodeBlocks
	keepSlot := rem % numBnodeBlocks

	logical := nd.nextBnode
	prevNext := &nd.nextBnode
	for i := uint32(0); logical != 0; i++ {
		bn, err := fs.getBnode(logical)
		if err != nil {
			return err
		}
		if i < keepBnodeIdx {
			prevNext = &bn.next
			logical = bn.next
			continue
		}
		start := uint32(0)
		if i == keepBnodeIdx {
			start = keepSlot
		}
		for j := start; j < numBnodeBlocks; j++ {
			if bn.blocks[j] != 0 {
				fs.releaseBlkno(bn.blocks[j])
				bn.blocks[j] = 0
			}
		}
		next := bn.next
		if i == keepBnodeIdx && start > 0 {
			bn.next = 0
			if err := fs.putBnode(logical, bn); err != nil {
				return err
			}
		} else {
			fs.releaseBlkno(logical)
			*prevNext = 0
		}
		logical = next
	}

	nd.numBlocks = keepBlocks
	return nil
}
