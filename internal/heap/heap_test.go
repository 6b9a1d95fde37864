package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapUnmapFragmentationReuse(t *testing.T) {
	// Map 3 pages, map 2 pages, unmap the first, map 2 pages again — the
	// third map must reuse the first mapping's address (first-fit gap
	// reuse).
	h, err := Init(0x1000_0000, 16*PageSize, 8)
	require.NoError(t, err)

	a1, err := h.Map(3*PageSize, 0, 0)
	require.NoError(t, err)

	a2, err := h.Map(2*PageSize, 0, 0)
	require.NoError(t, err)
	require.NotEqual(t, a1, a2)

	require.NoError(t, h.Unmap(a1, 3*PageSize))

	a3, err := h.Map(2*PageSize, 0, 0)
	require.NoError(t, err)
	require.Equal(t, a1, a3)
}

func TestMapRoundsUnalignedSizeUpToPage(t *testing.T) {
	h, err := Init(0x2000_0000, 4*PageSize, 4)
	require.NoError(t, err)

	addr, err := h.Map(100, 0, 0)
	require.NoError(t, err) // size rounds up to a page
	require.Equal(t, uint64(0x2000_0000+3*PageSize), addr)
}

func TestUnmapPartialFails(t *testing.T) {
	h, err := Init(0x3000_0000, 4*PageSize, 4)
	require.NoError(t, err)

	addr, err := h.Map(2*PageSize, 0, 0)
	require.NoError(t, err)

	err = h.Unmap(addr, PageSize)
	require.Error(t, err)
}

func TestMapExhaustion(t *testing.T) {
	h, err := Init(0x4000_0000, 2*PageSize, 4)
	require.NoError(t, err)

	_, err = h.Map(2*PageSize, 0, 0)
	require.NoError(t, err)

	_, err = h.Map(PageSize, 0, 0)
	require.Error(t, err)
}

func TestVADArrayExhaustion(t *testing.T) {
	h, err := Init(0x5000_0000, 16*PageSize, 2)
	require.NoError(t, err)

	_, err = h.Map(PageSize, 0, 0)
	require.NoError(t, err)
	_, err = h.Map(PageSize, 0, 0)
	require.NoError(t, err)
	_, err = h.Map(PageSize, 0, 0)
	require.Error(t, err)
}

func TestUnmapUnknownAddress(t *testing.T) {
	h, err := Init(0x6000_0000, 4*PageSize, 4)
	require.NoError(t, err)

	err = h.Unmap(0x6000_0000, PageSize)
	require.Error(t, err)
}
