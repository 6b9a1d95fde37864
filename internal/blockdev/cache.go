package blockdev

// CacheDevice is an LRU write-through cache in front of another Device. It
// keeps the original design's bound on the active set (MaxEntries) but has
// no fixed-size table or free list: it expresses the lookup with a Go map
// instead of hand-rolled linear probing with wraparound: idiomatic Go
// reaches for map[K]V over open addressing, and the map already gives O(1)
// average lookup without the table-size/load-factor bookkeeping the
// original C needed (see DESIGN.md). The bounded active-set size and LRU
// eviction order are unchanged.
type CacheDevice struct {
	refCounted

	maxEntries int
	table      map[uint32]*cacheEntry
	lruHead    *cacheEntry // most recently used
	lruTail    *cacheEntry // least recently used
}

type cacheEntry struct {
	blkno      uint32
	data       Block
	prev, next *cacheEntry
}

// MaxEntries mirrors the original oefs cache block device's bound on the
// active set.
const MaxEntries = 64

// NewCache wraps next with an LRU cache bounded at MaxEntries blocks.
func NewCache(next Device) *CacheDevice {
	next.AddRef()
	c := &CacheDevice{
		maxEntries: MaxEntries,
		table:      make(map[uint32]*cacheEntry, MaxEntries),
	}
	c.refs = 1
	c.next = next
	return c
}

func (c *CacheDevice) unlink(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.lruHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.lruTail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *CacheDevice) pushFront(e *cacheEntry) {
	e.prev = nil
	e.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = e
	}
	c.lruHead = e
	if c.lruTail == nil {
		c.lruTail = e
	}
}

func (c *CacheDevice) touch(e *cacheEntry) {
	if c.lruHead == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *CacheDevice) evictIfFull() {
	if len(c.table) < c.maxEntries {
		return
	}
	lru := c.lruTail
	if lru == nil {
		return
	}
	c.unlink(lru)
	delete(c.table, lru.blkno)
}

// Get returns the cached block on hit; on miss it fetches from next,
// inserts into the cache (evicting the LRU entry if the active set is
// full), and returns the fetched block.
func (c *CacheDevice) Get(blkno uint32, out *Block) error {
	if e, ok := c.table[blkno]; ok {
		*out = e.data
		c.touch(e)
		return nil
	}
	if err := c.next.Get(blkno, out); err != nil {
		return err
	}
	c.evictIfFull()
	e := &cacheEntry{blkno: blkno, data: *out}
	c.table[blkno] = e
	c.pushFront(e)
	return nil
}

// Put is write-through: it forwards to next first, then updates (or
// inserts) the cached entry. Any block present in the cache
// remains bit-identical to the corresponding block in next.
func (c *CacheDevice) Put(blkno uint32, in *Block) error {
	if err := c.next.Put(blkno, in); err != nil {
		return err
	}
	if e, ok := c.table[blkno]; ok {
		e.data = *in
		c.touch(e)
		return nil
	}
	c.evictIfFull()
	e := &cacheEntry{blkno: blkno, data: *in}
	c.table[blkno] = e
	c.pushFront(e)
	return nil
}

func (c *CacheDevice) Begin() error { return c.next.Begin() }
func (c *CacheDevice) End() error   { return c.next.End() }

func (c *CacheDevice) Release() error {
	if !c.releaseSelf() {
		return nil
	}
	return c.releaseNext()
}

// Len reports the number of blocks currently resident, for tests asserting
// the LRU-list-length invariant.
func (c *CacheDevice) Len() int { return len(c.table) }

var (
	_ Device = (*CacheDevice)(nil)
	_ Device = (*RawDevice)(nil)
)
