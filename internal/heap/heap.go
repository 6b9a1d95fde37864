// Package heap implements a page-granular virtual-address region
// allocator: a fixed byte arena serves both a break area (growing up from
// its start) and a mmap-style area (growing down from its end). The VAD
// (virtual-address descriptor) records are kept in a Go slice sized by
// Init's capacity argument; no prefix of the arena is reserved for them, so
// the whole arena is available to mappings.
//
// Following design note "Cyclic pointer graphs", VADs are values stored in
// an arena slice addressed by index rather than pointer; the "tree" and the
// "list" are two independent orderings of the same index set, each pointing
// at child/sibling indices instead of raw addresses. This gives the same
// O(log n) interval search and O(1) splice as the original pointer-based
// design (original_source/common/heap.c) without unsafe pointer arithmetic.
package heap

import (
	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/ekind"
)

// PageSize is the granularity of every mapping.
const PageSize = 4096

const nilIndex = -1

// vad is one virtual-address descriptor. addr and size describe the mapped
// region; left/right/parent index the binary search tree keyed by addr;
// prev/next index the ascending-addr doubly-linked list. Both orderings
// must agree at every quiescent point.
type vad struct {
	addr  uint64
	size  uint32 // pages
	prot  uint16
	flags uint16

	left, right, parent int
	prev, next          int

	// free chains this record onto the singly-linked free list when it is
	// not in use; -1 means "not a free-list node".
	free int
}

// Heap is a page-granular region allocator over a fixed arena. The zero
// value is not usable; call Init.
type Heap struct {
	base, end      uint64
	start          uint64 // equal to base: VAD records live in vads, not in the arena
	breakTop       uint64 // grows upward from start
	mappedTop      uint64 // grows downward from end
	vads           []vad
	root           int // tree root index, or nilIndex
	head           int // list head index, or nilIndex
	freeHead       int // free-list head index, or nilIndex
	nextUnassigned int // next never-used slot in vads
}

// Init prepares a Heap over [base, base+size). base and size must be
// page-aligned and size must be positive; capacity bounds the number of
// simultaneous mappings (the VAD "array" of the original design).
func Init(base, size uint64, capacity int) (*Heap, error) {
	if base == 0 || size == 0 {
		return nil, ekind.New(ekind.Invalid, "heap.Init", nil)
	}
	if base%PageSize != 0 || size%PageSize != 0 {
		return nil, ekind.New(ekind.Invalid, "heap.Init", xerrors.New("base/size not page-aligned"))
	}
	if capacity <= 0 {
		return nil, ekind.New(ekind.Invalid, "heap.Init", xerrors.New("capacity must be positive"))
	}
	h := &Heap{
		base:           base,
		end:            base + size,
		start:          base,
		vads:           make([]vad, capacity),
		root:           nilIndex,
		head:           nilIndex,
		freeHead:       nilIndex,
		nextUnassigned: 0,
	}
	h.breakTop = h.start
	h.mappedTop = h.end
	return h, nil
}

// Base, End report the arena bounds.
func (h *Heap) Base() uint64 { return h.base }
func (h *Heap) End() uint64  { return h.end }

func roundUpPages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize * PageSize
}

func (h *Heap) allocVAD() (int, bool) {
	if h.freeHead != nilIndex {
		i := h.freeHead
		h.freeHead = h.vads[i].free
		return i, true
	}
	if h.nextUnassigned < len(h.vads) {
		i := h.nextUnassigned
		h.nextUnassigned++
		return i, true
	}
	return 0, false
}

func (h *Heap) freeVAD(i int) {
	h.vads[i] = vad{}
	h.vads[i].free = h.freeHead
	h.freeHead = i
}

// treeInsert inserts vads[i] into the binary search tree ordered by addr.
// VADs never overlap, so insertion never finds a match.
func (h *Heap) treeInsert(i int) {
	h.vads[i].left, h.vads[i].right, h.vads[i].parent = nilIndex, nilIndex, nilIndex
	if h.root == nilIndex {
		h.root = i
		return
	}
	cur := h.root
	for {
		if h.vads[i].addr < h.vads[cur].addr {
			if h.vads[cur].left == nilIndex {
				h.vads[cur].left = i
				h.vads[i].parent = cur
				return
			}
			cur = h.vads[cur].left
		} else {
			if h.vads[cur].right == nilIndex {
				h.vads[cur].right = i
				h.vads[i].parent = cur
				return
			}
			cur = h.vads[cur].right
		}
	}
}

// treeFind returns the index of the VAD whose [addr, addr+size*Page) range
// strictly contains addr, or nilIndex.
func (h *Heap) treeFind(addr uint64) int {
	cur := h.root
	for cur != nilIndex {
		lo := h.vads[cur].addr
		hi := lo + uint64(h.vads[cur].size)*PageSize
		if addr >= lo && addr < hi {
			return cur
		}
		if addr < lo {
			cur = h.vads[cur].left
		} else {
			cur = h.vads[cur].right
		}
	}
	return nilIndex
}

// treeRemove removes vads[i] from the tree via standard BST deletion,
// relinking children/parent pointers by index.
func (h *Heap) treeRemove(i int) {
	v := &h.vads[i]
	switch {
	case v.left == nilIndex && v.right == nilIndex:
		h.replaceChild(v.parent, i, nilIndex)
	case v.left == nilIndex:
		h.replaceChild(v.parent, i, v.right)
		h.vads[v.right].parent = v.parent
	case v.right == nilIndex:
		h.replaceChild(v.parent, i, v.left)
		h.vads[v.left].parent = v.parent
	default:
		// Successor is the leftmost node of the right subtree.
		succ := v.right
		for h.vads[succ].left != nilIndex {
			succ = h.vads[succ].left
		}
		if h.vads[succ].parent != i {
			h.replaceChild(h.vads[succ].parent, succ, h.vads[succ].right)
			if h.vads[succ].right != nilIndex {
				h.vads[h.vads[succ].right].parent = h.vads[succ].parent
			}
			h.vads[succ].right = v.right
			h.vads[v.right].parent = succ
		}
		h.replaceChild(v.parent, i, succ)
		h.vads[succ].left = v.left
		h.vads[v.left].parent = succ
		h.vads[succ].parent = v.parent
	}
}

func (h *Heap) replaceChild(parent, oldChild, newChild int) {
	if parent == nilIndex {
		h.root = newChild
		return
	}
	if h.vads[parent].left == oldChild {
		h.vads[parent].left = newChild
	} else {
		h.vads[parent].right = newChild
	}
}

func (h *Heap) listInsert(i int) {
	addr := h.vads[i].addr
	if h.head == nilIndex {
		h.head, h.vads[i].prev, h.vads[i].next = i, nilIndex, nilIndex
		return
	}
	prev := nilIndex
	cur := h.head
	for cur != nilIndex && h.vads[cur].addr < addr {
		prev = cur
		cur = h.vads[cur].next
	}
	h.vads[i].next = cur
	h.vads[i].prev = prev
	if cur != nilIndex {
		h.vads[cur].prev = i
	}
	if prev != nilIndex {
		h.vads[prev].next = i
	} else {
		h.head = i
	}
}

func (h *Heap) listRemove(i int) {
	v := h.vads[i]
	if v.prev != nilIndex {
		h.vads[v.prev].next = v.next
	} else {
		h.head = v.next
	}
	if v.next != nilIndex {
		h.vads[v.next].prev = v.prev
	}
}

// findGap mirrors original_source/common/heap.c's _FindRegion: first-fit
// over gaps between consecutive list elements (and before the first / after
// the last), falling back to shrinking mappedTop when no gap fits.
func (h *Heap) findGap(size uint64) (uint64, bool) {
	prev := nilIndex
	for cur := h.head; cur != nilIndex; cur = h.vads[cur].next {
		var start uint64
		if prev == nilIndex {
			start = h.mappedTop
		} else {
			start = h.vads[prev].addr + uint64(h.vads[prev].size)*PageSize
		}
		end := h.vads[cur].addr
		if end >= start && end-start >= size {
			return start, true
		}
		prev = cur
	}
	if prev != nilIndex {
		start := h.vads[prev].addr + uint64(h.vads[prev].size)*PageSize
		if h.end >= start && h.end-start >= size {
			return start, true
		}
	}
	if h.mappedTop < size {
		return 0, false
	}
	start := h.mappedTop - size
	if start < h.breakTop {
		return 0, false
	}
	h.mappedTop = start
	return start, true
}

// Map allocates size bytes (rounded up to a page multiple) and returns the
// mapped address. Only non-fixed mappings are supported: address selection
// is entirely up to the allocator.
func (h *Heap) Map(size uint64, prot, flags uint16) (uint64, error) {
	if size == 0 {
		return 0, ekind.New(ekind.Invalid, "heap.Map", xerrors.New("size must be positive"))
	}
	size = roundUpPages(size)
	idx, ok := h.allocVAD()
	if !ok {
		return 0, ekind.New(ekind.NoSpace, "heap.Map", xerrors.New("VAD array exhausted"))
	}
	addr, ok := h.findGap(size)
	if !ok {
		h.freeVAD(idx)
		return 0, ekind.New(ekind.NoSpace, "heap.Map", xerrors.New("heap exhausted"))
	}
	h.vads[idx].addr = addr
	h.vads[idx].size = uint32(size / PageSize)
	h.vads[idx].prot = prot
	h.vads[idx].flags = flags
	h.treeInsert(idx)
	h.listInsert(idx)
	return addr, nil
}

// Unmap releases the VAD that exactly and strictly contains address.
// Partial or non-matching unmaps fail: overlapping partial unmaps are not
// supported.
func (h *Heap) Unmap(address, size uint64) error {
	if address%PageSize != 0 || size == 0 || size%PageSize != 0 {
		return ekind.New(ekind.Invalid, "heap.Unmap", xerrors.New("bad alignment"))
	}
	idx := h.treeFind(address)
	if idx == nilIndex {
		return ekind.New(ekind.NotFound, "heap.Unmap", xerrors.New("no such mapping"))
	}
	v := h.vads[idx]
	if v.addr != address || uint64(v.size)*PageSize != size {
		return ekind.New(ekind.Invalid, "heap.Unmap", xerrors.New("partial unmap not supported"))
	}
	h.treeRemove(idx)
	h.listRemove(idx)
	h.freeVAD(idx)
	if h.head == nilIndex {
		h.mappedTop = h.end
	}
	return nil
}

// Stat reports the number of VADs currently tracked, for tests and fsck
// style tooling.
func (h *Heap) Stat() (mapped int, breakTop, mappedTop uint64) {
	for cur := h.head; cur != nilIndex; cur = h.vads[cur].next {
		mapped++
	}
	return mapped, h.breakTop, h.mappedTop
}
