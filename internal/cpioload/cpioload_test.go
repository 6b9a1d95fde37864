package cpioload

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/go-cpio"
	"github.com/stretchr/testify/require"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/hostcall"
	"github.com/9176324/openenclave/internal/oefs"
)

func newFS(t *testing.T) *oefs.FS {
	t.Helper()
	const numBlocks = 512
	total := 1 + (numBlocks+8191)/8192 + numBlocks
	tr, err := hostcall.NewSimTransport(filepath.Join(t.TempDir(), "seed.img"), total)
	require.NoError(t, err)
	dev := blockdev.NewRaw(tr, total)
	fs, err := oefs.Format(dev, numBlocks)
	require.NoError(t, err)
	return fs
}

func buildArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	wr := cpio.NewWriter(&buf)

	require.NoError(t, wr.WriteHeader(&cpio.Header{Name: "etc/", Mode: cpio.ModeDir | 0755}))
	body := []byte("127.0.0.1 localhost\n")
	require.NoError(t, wr.WriteHeader(&cpio.Header{
		Name: "etc/hosts",
		Mode: cpio.FileMode(0644),
		Size: int64(len(body)),
	}))
	_, err := wr.Write(body)
	require.NoError(t, err)
	require.NoError(t, wr.Close())
	return buf.Bytes()
}

func TestLoadCreatesDirectoriesAndFiles(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, Load(fs, bytes.NewReader(buildArchive(t))))

	st, err := fs.Stat("/etc")
	require.NoError(t, err)
	require.Equal(t, oefs.ModeDir, st.Mode&oefs.ModeType)

	h, err := fs.Open("/etc/hosts", oefs.ORdonly, 0)
	require.NoError(t, err)
	defer h.Close()
	got := make([]byte, 64)
	n, err := h.Read(got)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1 localhost\n", string(got[:n]))
}
