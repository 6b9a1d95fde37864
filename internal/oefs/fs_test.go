package oefs

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/hostcall"
)

func newFormatted(t *testing.T, numBlocks uint32) *FS {
	t.Helper()
	bitmapBlocks := bitmapBlockCount(numBlocks)
	total := 1 + bitmapBlocks + numBlocks
	tr, err := hostcall.NewSimTransport(filepath.Join(t.TempDir(), "oefs.img"), total)
	require.NoError(t, err)
	dev := blockdev.NewRaw(tr, total)
	fs, err := Format(dev, numBlocks)
	require.NoError(t, err)
	return fs
}

func TestAlphabetWriteReadLoop(t *testing.T) {
	fs := newFormatted(t, 2048)

	h, err := fs.Open("/tmp/alphabet", OCreat|ORdwr, 0644)
	require.Error(t, err) // /tmp does not exist as a directory yet
	_ = h

	require.NoError(t, fs.Mkdir("/tmp", 0755))

	f, err := fs.Open("/tmp/alphabet", OCreat|ORdwr, 0644)
	require.NoError(t, err)

	var want bytes.Buffer
	for i := 0; i < 1600; i++ {
		want.WriteString("abcdefghijklmnopqrstuvwxyz\x00")
	}
	n, err := f.Write(want.Bytes())
	require.NoError(t, err)
	require.Equal(t, want.Len(), n)
	require.Equal(t, 27*1600, want.Len())

	_, err = f.Seek(0, SeekSet)
	require.NoError(t, err)
	got := make([]byte, want.Len())
	n, err = f.Read(got)
	require.NoError(t, err)
	require.Equal(t, want.Len(), n)
	require.True(t, bytes.Equal(want.Bytes(), got))
	require.NoError(t, f.Close())
}

func TestDirectoryEnumerationCreationOrder(t *testing.T) {
	fs := newFormatted(t, 512)
	require.NoError(t, fs.Mkdir("/d", 0755))

	for _, name := range []string{"f1", "f2", "f3"} {
		f, err := fs.Open("/d/"+name, OCreat|OWronly, 0644)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	ents, err := fs.Readdir("/d")
	require.NoError(t, err)
	require.Len(t, ents, 5)
	require.Equal(t, ".", ents[0].Name)
	require.Equal(t, "..", ents[1].Name)
	require.Equal(t, "f1", ents[2].Name)
	require.Equal(t, "f2", ents[3].Name)
	require.Equal(t, "f3", ents[4].Name)
	for _, e := range ents[2:] {
		require.Equal(t, DTReg, e.Type)
	}
}

func TestBitmapFreeBlocksRestoredAfterCreateDelete(t *testing.T) {
	fs := newFormatted(t, 512)
	before := fs.FreeBlocks()

	f, err := fs.Open("/x", OCreat|ORdwr, 0644)
	require.NoError(t, err)
	buf := make([]byte, BlockSize*5)
	_, err = f.Write(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Unlink("/x"))
	require.Equal(t, before, fs.FreeBlocks())
}

func TestMkdirExistingPathFails(t *testing.T) {
	fs := newFormatted(t, 256)
	require.NoError(t, fs.Mkdir("/a", 0755))
	err := fs.Mkdir("/a", 0755)
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Exists))
}

func TestRmdirNonEmptyFails(t *testing.T) {
	fs := newFormatted(t, 256)
	require.NoError(t, fs.Mkdir("/a", 0755))
	f, err := fs.Open("/a/f", OCreat|OWronly, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = fs.Rmdir("/a")
	require.Error(t, err)
}

func TestOpenExclOnExistingFileFails(t *testing.T) {
	fs := newFormatted(t, 256)
	f, err := fs.Open("/x", OCreat|OWronly, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = fs.Open("/x", OCreat|OExcl|OWronly, 0644)
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Exists))
}

func TestSeekNegativeOffsetFails(t *testing.T) {
	fs := newFormatted(t, 256)
	f, err := fs.Open("/x", OCreat|ORdwr, 0644)
	require.NoError(t, err)
	_, err = f.Seek(-1, SeekSet)
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Invalid))
}

func TestWritePastEOFMaterializesZeroGap(t *testing.T) {
	fs := newFormatted(t, 256)
	f, err := fs.Open("/x", OCreat|ORdwr, 0644)
	require.NoError(t, err)

	_, err = f.Seek(BlockSize*2, SeekSet)
	require.NoError(t, err)
	_, err = f.Write([]byte("tail"))
	require.NoError(t, err)

	_, err = f.Seek(0, SeekSet)
	require.NoError(t, err)
	buf := make([]byte, BlockSize*2+4)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.True(t, bytes.Equal(make([]byte, BlockSize*2), buf[:BlockSize*2]))
	require.Equal(t, "tail", string(buf[BlockSize*2:]))
}

func TestRenameWithinFilesystem(t *testing.T) {
	fs := newFormatted(t, 256)
	f, err := fs.Open("/a", OCreat|OWronly, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("/a", "/b"))
	_, _, _, err = fs.resolve("/a")
	require.True(t, ekind.Is(err, ekind.NotFound))

	stat, err := fs.Stat("/b")
	require.NoError(t, err)
	require.Equal(t, uint64(2), stat.Size)
}

func TestRenameDirectoryAcrossParentsFixesDotDotAndLinks(t *testing.T) {
	fs := newFormatted(t, 256)
	require.NoError(t, fs.Mkdir("/src", ModeDir|0755))
	require.NoError(t, fs.Mkdir("/dst", ModeDir|0755))
	require.NoError(t, fs.Mkdir("/src/child", ModeDir|0755))

	srcStat, err := fs.Stat("/src")
	require.NoError(t, err)
	dstStatBefore, err := fs.Stat("/dst")
	require.NoError(t, err)
	require.Equal(t, uint32(3), srcStat.Links) // its entry in "/", its own ".", and "child"'s ".."
	require.Equal(t, uint32(2), dstStatBefore.Links)

	require.NoError(t, fs.Rename("/src/child", "/dst/child"))

	_, _, _, err = fs.resolve("/src/child")
	require.True(t, ekind.Is(err, ekind.NotFound))

	ents, err := fs.Readdir("/dst/child")
	require.NoError(t, err)
	dstStat, err := fs.Stat("/dst")
	require.NoError(t, err)
	found := false
	for _, e := range ents {
		if e.Name == ".." {
			found = true
			require.Equal(t, dstStat.Ino, e.Ino)
		}
	}
	require.True(t, found)

	srcStatAfter, err := fs.Stat("/src")
	require.NoError(t, err)
	require.Equal(t, srcStat.Links-1, srcStatAfter.Links)
	require.Equal(t, dstStatBefore.Links+1, dstStat.Links)
}

func TestNameTooLongRejected(t *testing.T) {
	fs := newFormatted(t, 256)
	long := strings.Repeat("x", 300)
	_, err := fs.Open("/"+long, OCreat|OWronly, 0644)
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.NameTooLong))
}
