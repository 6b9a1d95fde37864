package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/cpioload"
	"github.com/9176324/openenclave/internal/keyseal"
)

func identityFlags(fs interface {
	String(name, value, usage string) *string
}) (*string, *string, *string) {
	process := fs.String("process-id", "oefsutil", "platform process identity bound into derived keys")
	signer := fs.String("signer-id", "oefsutil-dev", "platform signer identity bound into derived keys")
	keyID := fs.String("key-id", "oefs-master", "key identifier passed to the sealer")
	return process, signer, keyID
}

func cmdMkfs(ctx context.Context, args []string) error {
	fs, flagsStr := flagSet("mkfs")
	blocks := fs.Uint("blocks", 4096, "number of logical data blocks OEFS manages")
	seed := fs.String("seed", "", "optional CPIO archive to load onto the freshly formatted filesystem")
	process, signer, keyID := identityFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return xerrors.New("oefsutil mkfs: exactly one <image> argument required")
	}
	img := fs.Arg(0)

	flags, err := parseFlags(*flagsStr)
	if err != nil {
		return err
	}
	flags |= flagMkfs

	identity := keyseal.Identity{Process: []byte(*process), Signer: []byte(*signer)}
	s, err := openStack(img, uint32(*blocks), flags, identity, *keyID)
	if err != nil {
		return xerrors.Errorf("oefsutil mkfs: %w", err)
	}
	defer s.Close()

	if *seed != "" {
		f, err := os.Open(*seed)
		if err != nil {
			return xerrors.Errorf("oefsutil mkfs: %w", err)
		}
		defer f.Close()
		if err := cpioload.Load(s.fs, f); err != nil {
			return xerrors.Errorf("oefsutil mkfs: %w", err)
		}
	}

	fmt.Printf("formatted %s: %d data blocks, %d free\n", img, *blocks, s.fs.FreeBlocks())
	return nil
}
