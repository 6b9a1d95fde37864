// Package mount implements the bounded mount table: a set of {prefix, fs}
// bindings dispatched by longest-prefix match. It is the
// resolver the FS Facade (internal/fsfacade) consults before forwarding an
// operation's path suffix to an internal/oefs.FS.
package mount

import (
	"path"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/oefs"
)

// MaxMounts bounds the table the way MAX_FILES bounds the descriptor table
// in internal/fsfacade.
const MaxMounts = 64

type binding struct {
	prefix string
	fs     *oefs.FS
}

// Table is a process-wide mount table. The zero value is ready to use. A
// Table is safe for concurrent use; callers needing a single lock across
// the mount table and the FD table embed
// one of these behind their own mutex instead of relying on this one.
type Table struct {
	mu       sync.Mutex
	bindings []binding
}

// normalize cleans path into the absolute, slash-separated form every
// entry in the table is compared against. The root mount is the prefix
// "/"; every other prefix never carries a trailing slash.
func normalize(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", ekind.WithPath(ekind.Invalid, "mount.normalize", p, xerrors.New("not absolute"))
	}
	clean := path.Clean(p)
	if clean == "." {
		clean = "/"
	}
	return clean, nil
}

// Bind adds fs at prefix, rejecting an exact-prefix collision and a full
// table. It increments
// fs's refcount on success, mirroring the block-device AddRef/Release
// contract one layer down.
func (t *Table) Bind(fs *oefs.FS, prefix string) error {
	norm, err := normalize(prefix)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range t.bindings {
		if b.prefix == norm {
			return ekind.WithPath(ekind.Exists, "mount.Bind", norm, nil)
		}
	}
	if len(t.bindings) >= MaxMounts {
		return ekind.WithPath(ekind.NoSpace, "mount.Bind", norm, nil)
	}

	fs.AddRef()
	t.bindings = append(t.bindings, binding{prefix: norm, fs: fs})
	return nil
}

// Unbind removes the binding at prefix, decrementing the filesystem's
// refcount and removing the entry.
func (t *Table) Unbind(prefix string) error {
	norm, err := normalize(prefix)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, b := range t.bindings {
		if b.prefix == norm {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return b.fs.Release()
		}
	}
	return ekind.WithPath(ekind.NotFound, "mount.Unbind", norm, nil)
}

// Lookup resolves path to the filesystem bound at its longest matching
// prefix and the path's suffix relative to that prefix, following the
// same "iterate bindings, keep the longest matching prefix" rule
// net/http.ServeMux uses for pattern dispatch.
func (t *Table) Lookup(p string) (fs *oefs.FS, suffix string, err error) {
	norm, err := normalize(p)
	if err != nil {
		return nil, "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var best *binding
	for i := range t.bindings {
		b := &t.bindings[i]
		if !prefixMatch(b.prefix, norm) {
			continue
		}
		if best == nil || len(b.prefix) > len(best.prefix) {
			best = b
		}
	}
	if best == nil {
		return nil, "", ekind.WithPath(ekind.NotFound, "mount.Lookup", norm, nil)
	}
	return best.fs, suffixOf(best.prefix, norm), nil
}

// prefixMatch reports whether mountPrefix binds path, requiring a
// component boundary so "/foobar" is never matched by a binding at "/foo".
func prefixMatch(mountPrefix, p string) bool {
	if mountPrefix == "/" {
		return true
	}
	if !strings.HasPrefix(p, mountPrefix) {
		return false
	}
	return len(p) == len(mountPrefix) || p[len(mountPrefix)] == '/'
}

// suffixOf returns p with mountPrefix stripped, always producing an
// absolute path the bound filesystem can resolve from its own root.
func suffixOf(mountPrefix, p string) string {
	if mountPrefix == "/" {
		return p
	}
	rest := strings.TrimPrefix(p, mountPrefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// Len reports the current number of bindings, used by tests asserting the
// MaxMounts boundary.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}
