// Package persist saves and restores mirror trees so a restart can resume
// from the last agreed state instead of re-transferring everything. A
// snapshot is a gzip-compressed stream of JSON lines: one header, then one
// record per node in depth-first order.
package persist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/pgzip"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/driftsync/pkg/mirror"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

const snapshotVersion = 1

// ErrBadSnapshot means the file is not a readable snapshot at all; a
// truncated tail, by contrast, is tolerated and yields the prefix.
var ErrBadSnapshot = errors.New("unreadable snapshot")

type header struct {
	Version    int           `json:"version"`
	RootHandle remote.Handle `json:"root_handle"`
	SavedAt    int64         `json:"saved_at"`
}

// Record is one persisted mirror node.
type Record struct {
	Path        string                  `json:"path"`
	Kind        string                  `json:"kind"`
	Fingerprint fingerprint.Fingerprint `json:"fp"`
	Handle      remote.Handle           `json:"handle,omitempty"`
}

// Save writes a snapshot of the tree to path, atomically via a temp file.
// Only the agreed baseline is persisted: every node is recorded with its
// matched handle and fingerprint, and pending states are dropped, to be
// re-derived by the startup rescan.
func Save(path string, t *mirror.Tree, savedAt int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}

	if err := writeSnapshot(f, t, savedAt); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

func writeSnapshot(w io.Writer, t *mirror.Tree, savedAt int64) error {
	zw := pgzip.NewWriter(w)
	enc := json.NewEncoder(zw)

	hdr := header{
		Version:    snapshotVersion,
		RootHandle: t.Root().RemoteHandle,
		SavedAt:    savedAt,
	}
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("failed to encode snapshot header: %w", err)
	}

	var encodeErr error
	t.Root().Walk(func(n *mirror.Node) bool {
		if n.Parent() == nil {
			return true // root carried in the header
		}
		rec := Record{
			Path:        n.Path(),
			Kind:        n.Kind().String(),
			Fingerprint: n.Fingerprint,
			Handle:      n.RemoteHandle,
		}
		if err := enc.Encode(rec); err != nil {
			encodeErr = err
			return false
		}
		return true
	})
	if encodeErr != nil {
		return fmt.Errorf("failed to encode snapshot record: %w", encodeErr)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish snapshot stream: %w", err)
	}
	return nil
}

// Load rebuilds a tree from the snapshot at path. All restored nodes are
// marked Synced; differences accumulated while the process was down are
// found by the startup rescan. A snapshot cut short by a crash loads its
// intact prefix; the missing entries simply look new to the rescan.
func Load(path, localPath string) (*mirror.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: missing header", ErrBadSnapshot)
	}
	var hdr header
	if err := json.Unmarshal(scanner.Bytes(), &hdr); err != nil {
		return nil, fmt.Errorf("%w: bad header: %v", ErrBadSnapshot, err)
	}
	if hdr.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, hdr.Version)
	}

	t := mirror.NewTree(localPath)
	t.Root().RemoteHandle = hdr.RootHandle

	log := logging.GetGlobalLogger().WithComponent("persist")
	loaded := 0
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			log.Warn("snapshot tail unreadable, keeping prefix", map[string]interface{}{
				"records": loaded,
			})
			return t, nil
		}

		kind := mirror.File
		if rec.Kind == mirror.Folder.String() {
			kind = mirror.Folder
		}
		node, err := t.Insert(rec.Path, kind)
		if err != nil {
			return nil, fmt.Errorf("%w: inconsistent record for %s: %v", ErrBadSnapshot, rec.Path, err)
		}
		node.Fingerprint = rec.Fingerprint
		node.RemoteHandle = rec.Handle
		node.State = mirror.Synced
		loaded++
	}
	if err := scanner.Err(); err != nil {
		log.Warn("snapshot stream ended early, keeping prefix", map[string]interface{}{
			"records": loaded,
		})
	}

	return t, nil
}
