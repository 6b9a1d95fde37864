package main

import (
	"context"
	"fmt"
	"path"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/keyseal"
	"github.com/9176324/openenclave/internal/merkle"
	"github.com/9176324/openenclave/internal/oefs"
)

// cmdFsck walks the mounted tree to check it's reachable at all, then — if
// the image carries the authenticated Merkle layer — fans a re-read of
// every data block out across goroutines to re-check its GCM tag
// independently of the single root-hash check merkle.Open already
// performed at mount time. Get on blockdev.RawDevice and merkle.Device
// touches no shared mutable state (only Put does), so concurrent Gets
// against the same opened instances are race-free; the fan-out
// deliberately bypasses any cache layer (fsck wants the authoritative
// block, not a cached one).
func cmdFsck(ctx context.Context, args []string) error {
	fs, flagsStr := flagSet("fsck")
	blocks := fs.Uint("blocks", 4096, "number of logical data blocks the image was formatted with")
	process, signer, keyID := identityFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return xerrors.New("oefsutil fsck: exactly one <image> argument required")
	}
	img := fs.Arg(0)

	flags, err := parseFlags(*flagsStr)
	if err != nil {
		return err
	}
	flags &^= flagMkfs

	identity := keyseal.Identity{Process: []byte(*process), Signer: []byte(*signer)}
	s, err := openStack(img, uint32(*blocks), flags, identity, *keyID)
	if err != nil {
		return xerrors.Errorf("oefsutil fsck: open: %w", err)
	}
	defer s.Close()

	reachable, err := walkReachable(s.fs, "/")
	if err != nil {
		return xerrors.Errorf("oefsutil fsck: tree walk: %w", err)
	}
	fmt.Printf("%s: %d reachable paths, %d free blocks\n", img, reachable, s.fs.FreeBlocks())

	if s.sec == nil {
		return nil
	}

	nblks := s.sec.NumBlocks()
	verifier := s.sec
	if s.cache != nil {
		// s.sec reads through the cache; verify on a second Merkle device
		// opened directly on the raw device instead.
		sealer, err := keyseal.New(identity)
		if err != nil {
			return xerrors.Errorf("oefsutil fsck: %w", err)
		}
		if verifier, err = merkle.Open(s.raw, nblks, sealer, *keyID); err != nil {
			return xerrors.Errorf("oefsutil fsck: verify open: %w", err)
		}
		defer verifier.Release()
	}
	const workers = 8
	g, _ := errgroup.WithContext(ctx)
	shard := (nblks + workers - 1) / workers
	for w := uint32(0); w < workers; w++ {
		lo, hi := w*shard, (w+1)*shard
		if hi > nblks {
			hi = nblks
		}
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			var blk blockdev.Block
			for b := lo; b < hi; b++ {
				if err := verifier.Get(b, &blk); err != nil {
					return xerrors.Errorf("oefsutil fsck: block %d: %w", b, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("%s: %d blocks re-verified\n", img, nblks)
	return nil
}

// walkReachable visits dir and every directory beneath it, counting every
// entry seen (files and subdirectories alike, excluding "." and "..").
// Recursion depth is bounded by the tree's own depth; OEFS has no symlinks
// to create a cycle.
func walkReachable(fsys *oefs.FS, dir string) (int, error) {
	ents, err := fsys.Readdir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range ents {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		count++
		if e.Type == oefs.DTDir {
			sub, err := walkReachable(fsys, path.Join(dir, e.Name))
			if err != nil {
				return 0, err
			}
			count += sub
		}
	}
	return count, nil
}
