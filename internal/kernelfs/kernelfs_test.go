package kernelfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/fsfacade"
	"github.com/9176324/openenclave/internal/hostcall"
	"github.com/9176324/openenclave/internal/mount"
	"github.com/9176324/openenclave/internal/oefs"
)

func newMountedFacade(t *testing.T) *fsfacade.Facade {
	t.Helper()
	const numBlocks = 512
	total := 1 + (numBlocks+8191)/8192 + numBlocks
	tr, err := hostcall.NewSimTransport(filepath.Join(t.TempDir(), "kfs.img"), total)
	require.NoError(t, err)
	dev := blockdev.NewRaw(tr, total)
	fs, err := oefs.Format(dev, numBlocks)
	require.NoError(t, err)

	var tbl mount.Table
	require.NoError(t, tbl.Bind(fs, "/"))
	return fsfacade.New(&tbl)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := New(newMountedFacade(t))

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "note.txt", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, createOp))
	require.NotZero(t, createOp.Handle)

	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Offset: 0, Data: []byte("hello kernel")}
	require.NoError(t, fs.WriteFile(ctx, writeOp))
	require.NoError(t, fs.FlushFile(ctx, &fuseops.FlushFileOp{Handle: createOp.Handle}))
	require.NoError(t, fs.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "note.txt"}
	require.NoError(t, fs.LookUpInode(ctx, lookupOp))
	require.Equal(t, uint64(len("hello kernel")), lookupOp.Entry.Attributes.Size)

	openOp := &fuseops.OpenFileOp{Inode: lookupOp.Entry.Child}
	require.NoError(t, fs.OpenFile(ctx, openOp))

	readOp := &fuseops.ReadFileOp{Handle: openOp.Handle, Offset: 0, Dst: make([]byte, 64)}
	require.NoError(t, fs.ReadFile(ctx, readOp))
	require.Equal(t, "hello kernel", string(readOp.Dst[:readOp.BytesRead]))
	require.NoError(t, fs.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}))
}

func TestMkDirLookupAndRmDir(t *testing.T) {
	ctx := context.Background()
	fs := New(newMountedFacade(t))

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: os.ModeDir | 0755}
	require.NoError(t, fs.MkDir(ctx, mkdirOp))
	require.NotZero(t, mkdirOp.Entry.Child)

	attrOp := &fuseops.GetInodeAttributesOp{Inode: mkdirOp.Entry.Child}
	require.NoError(t, fs.GetInodeAttributes(ctx, attrOp))
	require.True(t, attrOp.Attributes.Mode&os.ModeDir != 0)

	require.NoError(t, fs.RmDir(ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "sub"}))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"}
	err := fs.LookUpInode(ctx, lookupOp)
	require.Error(t, err)
}

func TestRenameUpdatesLookup(t *testing.T) {
	ctx := context.Background()
	fs := New(newMountedFacade(t))

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "old.txt", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, createOp))
	require.NoError(t, fs.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	require.NoError(t, fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "old.txt",
		NewParent: fuseops.RootInodeID, NewName: "new.txt",
	}))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "new.txt"}
	require.NoError(t, fs.LookUpInode(ctx, lookupOp))
	require.Equal(t, createOp.Entry.Child, lookupOp.Entry.Child)
}
