package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
)

// TmpLockName is the lock file kept inside the debris tmp directory so a
// concurrent scanner can tell the directory is in active use.
const TmpLockName = "lock"

// Debris soft-deletes entries from the sync root into a dated folder,
// <root>/<folder>/<YYYY-MM-DD>/<relative path>, instead of unlinking them.
// The day bucket comes from the injected clock.
type Debris struct {
	root   string
	folder string
	clock  clockwork.Clock
}

// NewDebris creates a debris manager for the sync root at root. folder is
// the debris folder name relative to the root.
func NewDebris(root, folder string, clock clockwork.Clock) *Debris {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debris{root: root, folder: folder, clock: clock}
}

// Folder returns the debris folder name.
func (d *Debris) Folder() string {
	return d.folder
}

// Dir returns the absolute debris directory path.
func (d *Debris) Dir() string {
	return filepath.Join(d.root, d.folder)
}

// Bury moves the entry at the root-relative path rel into today's debris
// bucket, preserving its relative path below the bucket. It returns the
// destination path.
//
// Bury is idempotent: if the source is already gone but the destination is
// present, a previous attempt won and the destination is returned as-is.
// A name collision with byte-identical file content removes the source
// instead of storing a second copy; any other collision gets a numbered
// sibling name so nothing is overwritten.
func (d *Debris) Bury(rel string) (string, error) {
	return d.bury(rel, filepath.Join(d.root, filepath.FromSlash(rel)))
}

// BuryFrom files the content staged at src into today's bucket under rel.
// Used for versions that never sat at their sync-root path, such as a
// remote conflict loser fetched right before it gets overwritten.
func (d *Debris) BuryFrom(rel, src string) (string, error) {
	return d.bury(rel, src)
}

func (d *Debris) bury(rel, src string) (string, error) {
	bucket := filepath.Join(d.Dir(), d.clock.Now().Format("2006-01-02"))
	dst := filepath.Join(bucket, filepath.FromSlash(rel))

	if _, err := os.Lstat(src); os.IsNotExist(err) {
		if _, err := os.Lstat(dst); err == nil {
			return dst, nil
		}
		return "", fmt.Errorf("nothing to bury at %s", rel)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create debris bucket: %w", err)
	}

	if _, err := os.Lstat(dst); err == nil {
		same, err := identicalFiles(src, dst)
		if err == nil && same {
			if err := os.Remove(src); err != nil {
				return "", fmt.Errorf("failed to drop duplicate of %s: %w", rel, err)
			}
			return dst, nil
		}
		dst, err = numberedName(dst)
		if err != nil {
			return "", err
		}
	}

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to bury %s: %w", rel, err)
	}
	return dst, nil
}

// TmpDir ensures the debris tmp directory and its lock file exist and
// returns the directory path. Downloads land here before being renamed
// into place.
func (d *Debris) TmpDir() (string, error) {
	tmp := filepath.Join(d.Dir(), "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", fmt.Errorf("failed to create debris tmp dir: %w", err)
	}

	lock := filepath.Join(tmp, TmpLockName)
	f, err := os.OpenFile(lock, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create debris lock file: %w", err)
	}
	f.Close()

	return tmp, nil
}

// identicalFiles reports whether two paths are byte-identical regular
// files. Folders never count as identical.
func identicalFiles(a, b string) (bool, error) {
	ia, err := os.Lstat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Lstat(b)
	if err != nil {
		return false, err
	}
	if !ia.Mode().IsRegular() || !ib.Mode().IsRegular() {
		return false, nil
	}
	return fingerprint.IdenticalFiles(a, b)
}

// numberedName finds the first free " (n)" variant of path, keeping the
// extension in place for files.
func numberedName(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; n < 1000; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free debris name for %s", path)
}
