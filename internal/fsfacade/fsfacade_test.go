package fsfacade

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/hostcall"
	"github.com/9176324/openenclave/internal/mount"
	"github.com/9176324/openenclave/internal/oefs"
)

func newFacade(t *testing.T) *Facade {
	t.Helper()
	const numBlocks = 512
	total := 1 + (numBlocks+8191)/8192 + numBlocks
	tr, err := hostcall.NewSimTransport(filepath.Join(t.TempDir(), "root.img"), total)
	require.NoError(t, err)
	dev := blockdev.NewRaw(tr, total)
	fs, err := oefs.Format(dev, numBlocks)
	require.NoError(t, err)

	var tbl mount.Table
	require.NoError(t, tbl.Bind(fs, "/"))
	return New(&tbl)
}

func TestOpenWriteCloseReopenRead(t *testing.T) {
	fc := newFacade(t)

	fd, err := fc.Open("/greeting", oefs.OCreat|oefs.ORdwr, 0644)
	require.NoError(t, err)
	n, err := fc.Writev(fd, [][]byte{[]byte("hello, "), []byte("world")})
	require.NoError(t, err)
	require.Equal(t, len("hello, world"), n)
	require.NoError(t, fc.Close(fd))

	fd2, err := fc.Open("/greeting", oefs.ORdonly, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err = fc.Readv(fd2, [][]byte{buf})
	require.NoError(t, err)
	require.Equal(t, "hello, world", string(buf[:n]))
	require.NoError(t, fc.Close(fd2))
}

func TestOpendirReaddirClosedir(t *testing.T) {
	fc := newFacade(t)
	require.NoError(t, fc.Mkdir("/d", 0755))
	for _, name := range []string{"a", "b"} {
		fd, err := fc.Open("/d/"+name, oefs.OCreat|oefs.OWronly, 0644)
		require.NoError(t, err)
		require.NoError(t, fc.Close(fd))
	}

	dfd, err := fc.Opendir("/d")
	require.NoError(t, err)
	var names []string
	for {
		e, ok, err := fc.Readdir(dfd)
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, e.Name)
	}
	require.Equal(t, []string{".", "..", "a", "b"}, names)
	require.NoError(t, fc.Closedir(dfd))
}

func TestGetdentsOnOpenDirectoryFD(t *testing.T) {
	fc := newFacade(t)
	require.NoError(t, fc.Mkdir("/d", 0755))

	fd, err := fc.Open("/d", 0, 0)
	require.NoError(t, err)
	ents, err := fc.Getdents(fd)
	require.NoError(t, err)
	require.Len(t, ents, 2)

	more, err := fc.Getdents(fd)
	require.NoError(t, err)
	require.Empty(t, more)
	require.NoError(t, fc.Close(fd))
}

func TestChdirAndRelativeOpen(t *testing.T) {
	fc := newFacade(t)
	require.NoError(t, fc.Mkdir("/d", 0755))
	require.NoError(t, fc.Chdir("/d"))
	require.Equal(t, "/d", fc.Getcwd())

	fd, err := fc.Open("rel", oefs.OCreat|oefs.OWronly, 0644)
	require.NoError(t, err)
	require.NoError(t, fc.Close(fd))

	st, err := fc.Stat("/d/rel")
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Size)
}

func TestChdirOnFileFails(t *testing.T) {
	fc := newFacade(t)
	fd, err := fc.Open("/f", oefs.OCreat|oefs.OWronly, 0644)
	require.NoError(t, err)
	require.NoError(t, fc.Close(fd))

	err = fc.Chdir("/f")
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.NotDir))
}

func TestCloseUnknownFDFails(t *testing.T) {
	fc := newFacade(t)
	err := fc.Close(999)
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.BadDescriptor))
}

func TestRenameAndUnlinkThroughFacade(t *testing.T) {
	fc := newFacade(t)
	fd, err := fc.Open("/a", oefs.OCreat|oefs.OWronly, 0644)
	require.NoError(t, err)
	require.NoError(t, fc.Close(fd))

	require.NoError(t, fc.Rename("/a", "/b"))
	_, err = fc.Stat("/a")
	require.Error(t, err)

	require.NoError(t, fc.Unlink("/b"))
	_, err = fc.Stat("/b")
	require.Error(t, err)
}
