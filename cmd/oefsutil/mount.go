package main

import (
	"context"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	openenclave "github.com/9176324/openenclave"
	"github.com/9176324/openenclave/internal/fsfacade"
	"github.com/9176324/openenclave/internal/kernelfs"
	"github.com/9176324/openenclave/internal/keyseal"
	"github.com/9176324/openenclave/internal/mount"
)

// cmdMount bridges an OEFS image to a real kernel mountpoint: it composes
// the device stack, binds the resulting filesystem at "/" in an
// internal/mount.Table, wraps that in an internal/fsfacade.Facade, and
// hands the facade to internal/kernelfs's FUSE adapter. SIGINT cancels ctx,
// which unmounts the FUSE filesystem; closing the stack and unmounting are
// also registered with the package-level atExit list.
func cmdMount(ctx context.Context, args []string) error {
	fs, flagsStr := flagSet("mount")
	blocks := fs.Uint("blocks", 4096, "number of logical data blocks the image was formatted with")
	process, signer, keyID := identityFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 2 {
		return xerrors.New("oefsutil mount: usage: mount -flags=... <image> <mountpoint>")
	}
	img, mountpoint := fs.Arg(0), fs.Arg(1)

	flags, err := parseFlags(*flagsStr)
	if err != nil {
		return err
	}

	identity := keyseal.Identity{Process: []byte(*process), Signer: []byte(*signer)}
	s, err := openStack(img, uint32(*blocks), flags, identity, *keyID)
	if err != nil {
		return xerrors.Errorf("oefsutil mount: %w", err)
	}
	openenclave.RegisterAtExit(s.Close)

	var tbl mount.Table
	if err := tbl.Bind(s.fs, "/"); err != nil {
		return xerrors.Errorf("oefsutil mount: %w", err)
	}

	facade := fsfacade.New(&tbl)
	server := fuseutil.NewFileSystemServer(kernelfs.New(facade))

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "oefs",
		ReadOnly: false,
	})
	if err != nil {
		return xerrors.Errorf("oefsutil mount: %w", err)
	}
	openenclave.RegisterAtExit(func() error { return fuse.Unmount(mountpoint) })

	go func() {
		<-ctx.Done()
		_ = fuse.Unmount(mountpoint)
	}()

	if err := mfs.Join(ctx); err != nil {
		return xerrors.Errorf("oefsutil mount: join: %w", err)
	}
	return nil
}
