package blockdev

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/9176324/openenclave/internal/hostcall"
)

func newRawForTest(t *testing.T, nblks uint32) *RawDevice {
	t.Helper()
	tr, err := hostcall.NewSimTransport(filepath.Join(t.TempDir(), "backing.img"), nblks)
	require.NoError(t, err)
	return NewRaw(tr, nblks)
}

func TestRawGetAfterPut(t *testing.T) {
	raw := newRawForTest(t, 4)

	var in Block
	copy(in[:], "hello raw device")
	require.NoError(t, raw.Put(2, &in))

	var out Block
	require.NoError(t, raw.Get(2, &out))
	require.Equal(t, in, out)
}

func TestRawRejectsOutOfRange(t *testing.T) {
	raw := newRawForTest(t, 4)
	var out Block
	require.Error(t, raw.Get(4, &out))
}

func TestCacheHitReturnsIdenticalBlock(t *testing.T) {
	raw := newRawForTest(t, 4)
	cache := NewCache(raw)

	var in Block
	copy(in[:], "cached content")
	require.NoError(t, cache.Put(1, &in))

	var out Block
	require.NoError(t, cache.Get(1, &out))
	require.Equal(t, in, out)

	// Bypass the cache entirely: the write-through guarantee means the next
	// layer already has the identical block.
	var fromRaw Block
	require.NoError(t, raw.Get(1, &fromRaw))
	require.Equal(t, in, fromRaw)
}

func TestCacheEvictsLRUWhenFull(t *testing.T) {
	raw := newRawForTest(t, MaxEntries+1)
	cache := NewCache(raw)

	var blk Block
	for i := uint32(0); i < MaxEntries; i++ {
		copy(blk[:], []byte{byte(i)})
		require.NoError(t, cache.Put(i, &blk))
	}
	require.Equal(t, MaxEntries, cache.Len())

	// Touch block 0 so it is not the LRU entry, then insert one more block
	// to force an eviction.
	var tmp Block
	require.NoError(t, cache.Get(0, &tmp))

	copy(blk[:], []byte{0xFF})
	require.NoError(t, cache.Put(MaxEntries, &blk))
	require.Equal(t, MaxEntries, cache.Len())

	// Block 0 must have survived the eviction; block 1 (never touched) is
	// the expected victim.
	_, ok := cache.table[0]
	require.True(t, ok)
	_, ok = cache.table[1]
	require.False(t, ok)
}

func TestCacheRefCountingReleasesNext(t *testing.T) {
	raw := newRawForTest(t, 2)
	cache := NewCache(raw)
	cache.AddRef()

	require.NoError(t, cache.Release())
	// raw still has one outstanding ref from NewCache's AddRef plus the
	// original one held by the test; releasing cache once must not have
	// torn it down yet.
	var out Block
	require.NoError(t, raw.Get(0, &out))

	require.NoError(t, cache.Release())
	// The last cache reference is gone, so NewCache's ref on raw has been
	// released, leaving only the test's own.
	require.Equal(t, int64(1), raw.refs)
}
