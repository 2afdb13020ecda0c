// Package bits implements the per-node on-disk application archive store.
// The peer-to-peer transfer of missing archives (spec.md §4.8) is not in
// this package: package appstore fetches from peers and saves the result
// here, and serves peer requests from it.
//
// Grounded on internal/xpkg's FsPackageCache (internal/xpkg/cache_test.go):
// an afero-backed, id-keyed directory cache with Has/Get/Store/Delete. The
// archive payload here is an opaque byte blob rather than an OCI image
// layer — spec.md §1 puts the package format itself out of scope — so
// Store/Get work over io.ReadCloser rather than a parsed image, and the
// go-containerregistry name package is reused only to validate that an
// app's name is a well-formed reference component, not to parse a tarball.
package bits

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/afero"
)

const archiveExt = ".archive"
const activeExt = ".active"

// Cache is the local archive directory: one file per installed app, plus
// an active-flag marker file spec.md §4.8's disk bootstrap reads to decide
// which on-disk apps to reactivate.
type Cache struct {
	dir string
	fs  afero.Fs
}

// NewCache returns a Cache rooted at dir. A nil fs defaults to the real
// filesystem.
func NewCache(dir string, fs afero.Fs) *Cache {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Cache{dir: dir, fs: fs}
}

func validate(appName string) error {
	// Borrow the teacher's reference-validation idiom: an app name must
	// round-trip as an OCI tag component, even though nothing here ever
	// builds a real OCI reference from it.
	if _, err := name.NewTag(appName + ":latest"); err != nil {
		return errors.Wrapf(err, "invalid app name %q", appName)
	}
	return nil
}

func (c *Cache) path(appName, ext string) (string, error) {
	if err := validate(appName); err != nil {
		return "", err
	}
	return filepath.Join(c.dir, appName+ext), nil
}

// Has reports whether appName's archive is present locally.
func (c *Cache) Has(appName string) bool {
	p, err := c.path(appName, archiveExt)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(c.fs, p)
	return ok
}

// Get opens appName's archive for reading.
func (c *Cache) Get(appName string) (io.ReadCloser, error) {
	p, err := c.path(appName, archiveExt)
	if err != nil {
		return nil, err
	}
	return c.fs.Open(p)
}

// GetBytes reads appName's whole archive into memory, for callers (like a
// bits-request handler) that need the payload as a single []byte.
func (c *Cache) GetBytes(appName string) ([]byte, error) {
	p, err := c.path(appName, archiveExt)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(c.fs, p)
}

// Store writes body to appName's archive path, replacing any existing
// content.
func (c *Cache) Store(appName string, body io.Reader) error {
	p, err := c.path(appName, archiveExt)
	if err != nil {
		return err
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating archive cache directory")
	}
	f, err := c.fs.Create(p)
	if err != nil {
		return errors.Wrapf(err, "creating archive for %q", appName)
	}
	defer f.Close() // nolint:errcheck
	if _, err := io.Copy(f, body); err != nil {
		return errors.Wrapf(err, "writing archive for %q", appName)
	}
	return nil
}

// StoreBytes is Store for callers that already have the whole archive in
// memory.
func (c *Cache) StoreBytes(appName string, archive []byte) error {
	return c.Store(appName, strings.NewReader(string(archive)))
}

// Delete removes appName's archive and active marker, if present.
func (c *Cache) Delete(appName string) error {
	p, err := c.path(appName, archiveExt)
	if err != nil {
		return err
	}
	if err := c.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting archive for %q", appName)
	}
	_ = c.SetActive(appName, false)
	return nil
}

// IsActive reports whether appName's active marker file is present.
func (c *Cache) IsActive(appName string) bool {
	p, err := c.path(appName, activeExt)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(c.fs, p)
	return ok
}

// SetActive creates or removes appName's active marker file.
func (c *Cache) SetActive(appName string, active bool) error {
	p, err := c.path(appName, activeExt)
	if err != nil {
		return err
	}
	if !active {
		err := c.fs.Remove(p)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating archive cache directory")
	}
	return afero.WriteFile(c.fs, p, nil, 0o644)
}

// Names lists the apps with an archive currently on disk, for bootstrap to
// walk (spec.md §4.8: "on startup, walk the local archive directory").
func (c *Cache) Names() ([]string, error) {
	infos, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "listing archive cache directory")
	}
	var names []string
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), archiveExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(fi.Name(), archiveExt))
	}
	return names, nil
}
