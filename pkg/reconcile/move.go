package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/mirror"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// grave is a locally vanished entry held back from deletion for the move
// window, so that a matching appearance elsewhere can claim it as a move
// instead of a delete plus re-create.
type grave struct {
	path string
	node *mirror.Node
	sig  string
	seen time.Time
}

// fileSig is the move-matching identity of a file: size and content CRCs.
// Modification time is excluded, a rename never touches content but some
// tools re-stamp times.
func fileSig(fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("f:%d:%08x%08x%08x%08x", fp.Size, fp.CRC[0], fp.CRC[1], fp.CRC[2], fp.CRC[3])
}

// mirrorSig is the move-matching identity of a mirror subtree. The node's
// own name is excluded so a rename still matches; child names and file
// identities are included so only structurally equal folders pair up.
func mirrorSig(n *mirror.Node) string {
	if n.Kind() == mirror.File {
		return fileSig(n.Fingerprint)
	}

	parts := make([]string, 0, n.ChildCount())
	for _, child := range n.Children() {
		parts = append(parts, child.Name()+"="+mirrorSig(child))
	}
	return "d[" + strings.Join(parts, ",") + "]"
}

// localSig computes the same identity from the live filesystem, for the
// appearance side of a candidate move.
func localSig(path string, kind mirror.Kind) (string, error) {
	if kind == mirror.File {
		fp, err := fingerprint.OfFile(path)
		if err != nil {
			return "", err
		}
		return fileSig(fp), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}

	// os.ReadDir returns entries sorted by filename, the same ordering
	// mirrorSig gets from Children(); sorting the concatenated name=sig
	// strings instead would diverge for sibling names around '='.
	var parts []string
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		var childSig string
		switch {
		case info.IsDir():
			childSig, err = localSig(filepath.Join(path, entry.Name()), mirror.Folder)
		case info.Mode().IsRegular():
			childSig, err = localSig(filepath.Join(path, entry.Name()), mirror.File)
		default:
			continue
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, entry.Name()+"="+childSig)
	}
	return "d[" + strings.Join(parts, ",") + "]", nil
}

// stageGrave records a local disappearance, keeping the earliest sighting.
func (r *Reconciler) stageGrave(obs observation) *grave {
	if g, exists := r.graves[obs.path]; exists {
		return g
	}
	g := &grave{
		path: obs.path,
		node: obs.node,
		sig:  mirrorSig(obs.node),
		seen: r.clock.Now(),
	}
	r.graves[obs.path] = g
	return g
}

// claimGrave finds and removes the grave matching sig, oldest path first
// for determinism when several candidates carry the same identity.
func (r *Reconciler) claimGrave(sig string) *grave {
	var best *grave
	for _, g := range r.graves {
		if g.sig != sig {
			continue
		}
		if g.node.RemoteHandle == remote.None || g.node.State.Pending() {
			continue
		}
		if best == nil || g.path < best.path {
			best = g
		}
	}
	if best != nil {
		delete(r.graves, best.path)
	}
	return best
}

// expired reports whether the grave has outlived the move window.
func (r *Reconciler) expired(g *grave) bool {
	return r.clock.Since(g.seen) >= r.moveWindow
}
