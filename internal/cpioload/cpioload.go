// Package cpioload seeds a freshly formatted internal/oefs.FS from a CPIO
// archive, the same collaborator cmd/distri uses (as a writer, via
// github.com/cavaliercoder/go-cpio) to build initramfs images. Here it is
// used the other way around: as a reader, to materialise a filesystem
// fixture without hand-authoring every file and directory call.
package cpioload

import (
	"io"
	"path"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/oefs"
)

var log = logrus.WithField("component", "cpioload")

// Load reads every entry of the CPIO archive r and creates it on fs.
// Directories are created with Mkdir (a second Mkdir of an existing
// directory, from a duplicate or repeated "." entry, is tolerated);
// regular files are created and their content copied; any other entry
// type (symlink, device node, fifo) is skipped with a warning, since OEFS
// has no on-disk representation for it.
func Load(fs *oefs.FS, r io.Reader) error {
	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("cpioload: %w", err)
		}

		name := normalize(hdr.Name)
		if name == "/" || name == "" {
			continue
		}

		switch {
		case hdr.Mode.IsDir():
			if err := fs.Mkdir(name, uint32(hdr.Mode.Perm())); err != nil && !ekind.Is(err, ekind.Exists) {
				return xerrors.Errorf("cpioload: mkdir %s: %w", name, err)
			}
		case hdr.Mode.IsRegular():
			if err := loadFile(fs, name, uint32(hdr.Mode.Perm()), cr); err != nil {
				return err
			}
		default:
			log.WithField("path", name).Warn("skipping non-regular, non-directory cpio entry")
		}
	}
}

func loadFile(fs *oefs.FS, name string, perm uint32, r io.Reader) error {
	h, err := fs.Open(name, oefs.OCreat|oefs.OTrunc|oefs.OWronly, perm)
	if err != nil {
		return xerrors.Errorf("cpioload: open %s: %w", name, err)
	}
	defer h.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return xerrors.Errorf("cpioload: write %s: %w", name, werr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("cpioload: read %s: %w", name, err)
		}
	}
}

// normalize turns a CPIO entry name (commonly "./foo/bar" or "foo/bar")
// into the absolute path OEFS expects.
func normalize(name string) string {
	name = strings.TrimPrefix(name, ".")
	name = strings.TrimSuffix(name, "/")
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return path.Clean(name)
}
