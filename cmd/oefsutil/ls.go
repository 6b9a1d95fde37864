package main

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/keyseal"
	"github.com/9176324/openenclave/internal/oefs"
)

func cmdLs(ctx context.Context, args []string) error {
	fs, flagsStr := flagSet("ls")
	blocks := fs.Uint("blocks", 4096, "number of logical data blocks the image was formatted with")
	process, signer, keyID := identityFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 2 {
		return xerrors.New("oefsutil ls: usage: ls -flags=... <image> <path>")
	}
	img, dir := fs.Arg(0), fs.Arg(1)

	flags, err := parseFlags(*flagsStr)
	if err != nil {
		return err
	}
	flags &^= flagMkfs

	identity := keyseal.Identity{Process: []byte(*process), Signer: []byte(*signer)}
	s, err := openStack(img, uint32(*blocks), flags, identity, *keyID)
	if err != nil {
		return xerrors.Errorf("oefsutil ls: %w", err)
	}
	defer s.Close()

	ents, err := s.fs.Readdir(dir)
	if err != nil {
		return xerrors.Errorf("oefsutil ls: %w", err)
	}
	for _, e := range ents {
		kind := "f"
		if e.Type == oefs.DTDir {
			kind = "d"
		}
		fmt.Printf("%s\t%6d\t%s\n", kind, e.Ino, e.Name)
	}
	return nil
}
