package mount

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/hostcall"
	"github.com/9176324/openenclave/internal/oefs"
)

func newFS(t *testing.T, name string) *oefs.FS {
	t.Helper()
	const numBlocks = 128
	total := 1 + (numBlocks+8191)/8192 + numBlocks
	tr, err := hostcall.NewSimTransport(filepath.Join(t.TempDir(), name), total)
	require.NoError(t, err)
	dev := blockdev.NewRaw(tr, total)
	fs, err := oefs.Format(dev, numBlocks)
	require.NoError(t, err)
	return fs
}

func TestLongestPrefixMatch(t *testing.T) {
	var tbl Table
	root := newFS(t, "root.img")
	data := newFS(t, "data.img")

	require.NoError(t, tbl.Bind(root, "/"))
	require.NoError(t, tbl.Bind(data, "/mnt/data"))

	cases := []struct {
		path     string
		wantFS   *oefs.FS
		wantRest string
	}{
		{"/etc/passwd", root, "/etc/passwd"},
		{"/mnt/data/file", data, "/file"},
		{"/mnt/data", data, "/"},
		{"/mnt/database", root, "/mnt/database"},
	}
	for _, c := range cases {
		fs, suffix, err := tbl.Lookup(c.path)
		require.NoError(t, err)
		require.Same(t, c.wantFS, fs)
		require.Equal(t, c.wantRest, suffix)
	}
}

func TestBindDuplicatePrefixRejected(t *testing.T) {
	var tbl Table
	fs := newFS(t, "a.img")
	require.NoError(t, tbl.Bind(fs, "/mnt"))
	err := tbl.Bind(fs, "/mnt")
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Exists))
}

func TestBindTableFull(t *testing.T) {
	var tbl Table
	for i := 0; i < MaxMounts; i++ {
		fs := newFS(t, fmt.Sprintf("m%d.img", i))
		require.NoError(t, tbl.Bind(fs, fmt.Sprintf("/m%d", i)))
	}
	over := newFS(t, "over.img")
	err := tbl.Bind(over, "/overflow")
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.NoSpace))
}

func TestUnbindRemovesBindingAndLookupFails(t *testing.T) {
	var tbl Table
	fs := newFS(t, "x.img")
	require.NoError(t, tbl.Bind(fs, "/x"))
	require.NoError(t, tbl.Unbind("/x"))

	_, _, err := tbl.Lookup("/x/anything")
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.NotFound))
}

func TestLookupWithNoRootMountFails(t *testing.T) {
	var tbl Table
	_, _, err := tbl.Lookup("/anything")
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.NotFound))
}

func TestLookupRejectsRelativePath(t *testing.T) {
	var tbl Table
	fs := newFS(t, "root.img")
	require.NoError(t, tbl.Bind(fs, "/"))
	_, _, err := tbl.Lookup("relative/path")
	require.Error(t, err)
	require.True(t, ekind.Is(err, ekind.Invalid))
}
