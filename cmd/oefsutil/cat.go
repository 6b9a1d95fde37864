package main

import (
	"context"
	"os"

	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/keyseal"
	"github.com/9176324/openenclave/internal/oefs"
)

func cmdCat(ctx context.Context, args []string) error {
	fs, flagsStr := flagSet("cat")
	blocks := fs.Uint("blocks", 4096, "number of logical data blocks the image was formatted with")
	process, signer, keyID := identityFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 2 {
		return xerrors.New("oefsutil cat: usage: cat -flags=... <image> <path>")
	}
	img, p := fs.Arg(0), fs.Arg(1)

	flags, err := parseFlags(*flagsStr)
	if err != nil {
		return err
	}
	flags &^= flagMkfs

	identity := keyseal.Identity{Process: []byte(*process), Signer: []byte(*signer)}
	s, err := openStack(img, uint32(*blocks), flags, identity, *keyID)
	if err != nil {
		return xerrors.Errorf("oefsutil cat: %w", err)
	}
	defer s.Close()

	h, err := s.fs.Open(p, oefs.ORdonly, 0)
	if err != nil {
		return xerrors.Errorf("oefsutil cat: %w", err)
	}
	defer h.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := h.Read(buf)
		if err != nil {
			return xerrors.Errorf("oefsutil cat: %w", err)
		}
		if n == 0 {
			return nil
		}
		if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
			return werr
		}
	}
}
