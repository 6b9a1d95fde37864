package main

import (
	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/hostcall"
	"github.com/9176324/openenclave/internal/keyseal"
	"github.com/9176324/openenclave/internal/merkle"
	"github.com/9176324/openenclave/internal/oefs"
)

// mountFlags is the bitwise vocabulary mount_oefs accepts: the stack below
// OEFS is composed bottom-up from exactly these bits.
type mountFlags uint32

const (
	flagNone       mountFlags = 0
	flagMkfs       mountFlags = 1 << 0
	flagCrypto     mountFlags = 1 << 1
	flagAuthCrypto mountFlags = 1 << 2
	flagIntegrity  mountFlags = 1 << 3
	flagCaching    mountFlags = 1 << 4
)

// anyCrypto reports whether any bit asking for the authenticated Merkle
// layer is set. The stack carries a single combined encryption+integrity
// device (AES-GCM tags doubling as Merkle leaves); CRYPTO, AUTH_CRYPTO and
// INTEGRITY all select it; see DESIGN.md, "Mount-flag vocabulary" for why a
// plaintext-but-integrity-checked or integrity-free-but-encrypted
// combination isn't offered.
func (f mountFlags) anyCrypto() bool {
	return f&(flagCrypto|flagAuthCrypto|flagIntegrity) != 0
}

func parseFlags(s string) (mountFlags, error) {
	var f mountFlags
	for _, tok := range splitComma(s) {
		switch tok {
		case "", "none":
		case "mkfs":
			f |= flagMkfs
		case "crypto":
			f |= flagCrypto
		case "auth_crypto":
			f |= flagAuthCrypto
		case "integrity":
			f |= flagIntegrity
		case "caching":
			f |= flagCaching
		default:
			return 0, xerrors.Errorf("oefsutil: unknown mount flag %q", tok)
		}
	}
	return f, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// stack is the composed device chain plus the mounted filesystem sitting
// on top of it, bundled so callers have one handle to Close.
type stack struct {
	fs    *oefs.FS
	top   blockdev.Device
	raw   *blockdev.RawDevice
	cache *blockdev.CacheDevice
	sec   *merkle.Device
}

func (s *stack) Close() error {
	return s.fs.Close()
}

// openStack composes the device pipeline bottom-up per flags, then formats
// (flagMkfs) or opens the OEFS layer on top.
//
// Two block counts matter here: numBlocks is what OEFS itself sees (the
// bitmap-addressed data region it formats), while the backing transport
// must additionally cover whatever the layers below OEFS bolt on top of
// that — the Merkle layer's header and tag blocks, when present.
func openStack(imgPath string, numBlocks uint32, flags mountFlags, identity keyseal.Identity, keyID string) (*stack, error) {
	oefsBlocks := 1 + bitmapBlockCount(numBlocks) + numBlocks
	transportBlocks := oefsBlocks
	if flags.anyCrypto() {
		transportBlocks += 1 + merkle.TagBlockCount(oefsBlocks)
	}

	tr, err := hostcall.NewSimTransport(imgPath, transportBlocks)
	if err != nil {
		return nil, err
	}

	s := &stack{raw: blockdev.NewRaw(tr, transportBlocks)}
	var dev blockdev.Device = s.raw

	if flags&flagCaching != 0 {
		s.cache = blockdev.NewCache(dev)
		dev = s.cache
	}

	if flags.anyCrypto() {
		sealer, err := keyseal.New(identity)
		if err != nil {
			return nil, err
		}
		var sec *merkle.Device
		if flags&flagMkfs != 0 {
			sec, err = merkle.Initialize(dev, oefsBlocks, sealer, keyID)
		} else {
			sec, err = merkle.Open(dev, oefsBlocks, sealer, keyID)
		}
		if err != nil {
			return nil, err
		}
		s.sec = sec
		dev = sec
	}

	s.top = dev

	var fs *oefs.FS
	if flags&flagMkfs != 0 {
		fs, err = oefs.Format(dev, numBlocks)
	} else {
		fs, err = oefs.Open(dev)
	}
	if err != nil {
		return nil, err
	}
	s.fs = fs
	return s, nil
}

func bitmapBlockCount(numBlocks uint32) uint32 {
	const bitsPerBlock = blockdev.Size * 8
	return (numBlocks + bitsPerBlock - 1) / bitsPerBlock
}
