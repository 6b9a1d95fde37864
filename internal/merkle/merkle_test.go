package merkle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/hostcall"
	"github.com/9176324/openenclave/internal/keyseal"
)

func newBacking(t *testing.T, nblks uint32) blockdev.Device {
	t.Helper()
	// Merkle needs room for nblks data blocks, one header block, and the
	// tag blocks trailing them.
	tagBlocks := (nblks + tagsPerBlk - 1) / tagsPerBlk
	tr, err := hostcall.NewSimTransport(filepath.Join(t.TempDir(), "backing.img"), nblks+1+tagBlocks)
	require.NoError(t, err)
	return blockdev.NewRaw(tr, nblks+1+tagBlocks)
}

func sealerFor(t *testing.T, processID string) keyseal.Sealer {
	t.Helper()
	s, err := keyseal.New(keyseal.Identity{Process: []byte(processID), Signer: []byte("signer")})
	require.NoError(t, err)
	return s
}

func TestInitializeThenOpenRoundTrips(t *testing.T) {
	const nblks = 8
	backing := newBacking(t, nblks)
	sealer := sealerFor(t, "proc-a")

	dev, err := Initialize(backing, nblks, sealer, "oefs-master-key")
	require.NoError(t, err)

	var want blockdev.Block
	copy(want[:], "hello merkle device")
	require.NoError(t, dev.Put(3, &want))
	require.NoError(t, dev.Begin())
	require.NoError(t, dev.End())

	var got blockdev.Block
	require.NoError(t, dev.Get(3, &got))
	require.Equal(t, want, got)

	reopened, err := Open(backing, nblks, sealer, "oefs-master-key")
	require.NoError(t, err)
	var afterReopen blockdev.Block
	require.NoError(t, reopened.Get(3, &afterReopen))
	require.Equal(t, want, afterReopen)
}

func TestInitializeZerosEveryBlock(t *testing.T) {
	const nblks = 4
	backing := newBacking(t, nblks)
	sealer := sealerFor(t, "proc-a")

	dev, err := Initialize(backing, nblks, sealer, "oefs-master-key")
	require.NoError(t, err)

	var zero blockdev.Block
	for b := uint32(0); b < nblks; b++ {
		var out blockdev.Block
		require.NoError(t, dev.Get(b, &out))
		require.Equal(t, zero, out)
	}
}

func TestTamperedTagBlockFailsOpenWithTamper(t *testing.T) {
	const nblks = 8
	backing := newBacking(t, nblks)
	sealer := sealerFor(t, "proc-a")

	dev, err := Initialize(backing, nblks, sealer, "oefs-master-key")
	require.NoError(t, err)

	var blk blockdev.Block
	copy(blk[:], "data")
	require.NoError(t, dev.Put(0, &blk))
	require.NoError(t, dev.Begin())
	require.NoError(t, dev.End())

	// Flip one bit in the first tag block on the backing store.
	var tagBlk blockdev.Block
	require.NoError(t, backing.Get(nblks+1, &tagBlk))
	tagBlk[0] ^= 0x01
	require.NoError(t, backing.Put(nblks+1, &tagBlk))

	_, err = Open(backing, nblks, sealer, "oefs-master-key")
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Tamper))
}

// TestReopenWithDifferentKeyFails checks that opening with the wrong key
// succeeds (the Merkle root check is key-independent, since the tree only
// ever hashes tags, not plaintext), but the first Get then fails with a
// GCM tag mismatch.
func TestReopenWithDifferentKeyFails(t *testing.T) {
	const nblks = 4
	backing := newBacking(t, nblks)
	sealer1 := sealerFor(t, "proc-a")
	sealer2 := sealerFor(t, "proc-b")

	dev, err := Initialize(backing, nblks, sealer1, "oefs-master-key")
	require.NoError(t, err)
	var blk blockdev.Block
	copy(blk[:], "secret")
	require.NoError(t, dev.Put(0, &blk))
	require.NoError(t, dev.Begin())
	require.NoError(t, dev.End())

	reopened, err := Open(backing, nblks, sealer2, "oefs-master-key")
	require.NoError(t, err)

	var out blockdev.Block
	err = reopened.Get(0, &out)
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Tamper))
}

func TestTamperedDataBlockFailsGetWithTamper(t *testing.T) {
	const nblks = 4
	backing := newBacking(t, nblks)
	sealer := sealerFor(t, "proc-a")

	dev, err := Initialize(backing, nblks, sealer, "oefs-master-key")
	require.NoError(t, err)

	var blk blockdev.Block
	copy(blk[:], "authenticated payload")
	require.NoError(t, dev.Put(1, &blk))

	var raw blockdev.Block
	require.NoError(t, backing.Get(1, &raw))
	raw[0] ^= 0x01
	require.NoError(t, backing.Put(1, &raw))

	var out blockdev.Block
	err = dev.Get(1, &out)
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Tamper))
}

func TestPutOutOfRangeRejected(t *testing.T) {
	const nblks = 4
	backing := newBacking(t, nblks)
	sealer := sealerFor(t, "proc-a")

	dev, err := Initialize(backing, nblks, sealer, "oefs-master-key")
	require.NoError(t, err)

	var blk blockdev.Block
	require.Error(t, dev.Put(nblks, &blk))
}
