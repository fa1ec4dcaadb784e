package reconcile

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/workers"
	"github.com/TheEntropyCollective/driftsync/pkg/mirror"
	"github.com/TheEntropyCollective/driftsync/pkg/notify"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// scanParallelism bounds concurrent fingerprint reads during a directory
// observation.
const scanParallelism = 4

// localEntry is what the filesystem shows for one name.
type localEntry struct {
	kind mirror.Kind
	fp   fingerprint.Fingerprint
}

// observation is one name slot seen across the three trees: the live
// filesystem, the mirror, and the remote view. Any of the three sides may
// be absent.
type observation struct {
	parent       *mirror.Node
	parentHandle remote.Handle
	path         string // root-relative slash path

	local *localEntry
	node  *mirror.Node
	rem   *remote.NodeInfo
}

// observe walks the synced folder tri-wise and returns the flattened slots
// where at least one side has something. Folders that are synced on all
// three sides are descended into; folders with a pending or conflicted
// mirror node are left alone, deferring their subtree until the ancestor
// settles.
func (r *Reconciler) observe() ([]observation, error) {
	var out []observation
	err := r.observeDir(r.tree.Root(), r.tree.LocalPath(), r.view.Root(), 0, &out)
	return out, err
}

func (r *Reconciler) observeDir(node *mirror.Node, dir string, h remote.Handle, depth int, out *[]observation) error {
	locals, err := r.readLocal(dir, depth)
	if err != nil {
		return err
	}

	remotes, err := r.readRemote(h, depth)
	if err != nil {
		return err
	}

	names := make(map[string]bool)
	for name := range locals {
		names[name] = true
	}
	for name := range remotes {
		names[name] = true
	}
	for _, child := range node.Children() {
		if !r.skipName(child.Name(), depth) {
			names[child.Name()] = true
		}
	}

	for name := range names {
		obs := observation{
			parent:       node,
			parentHandle: h,
			path:         joinRel(node, name),
			node:         node.Child(name),
		}
		if le, ok := locals[name]; ok {
			obs.local = &le
		}
		if ri, ok := remotes[name]; ok {
			obs.rem = &ri
		}

		if r.descendable(obs) {
			if err := r.observeDir(obs.node, filepath.Join(dir, name), obs.rem.Handle, depth+1, out); err != nil {
				return err
			}
			continue
		}

		*out = append(*out, obs)
	}

	return nil
}

// observeScoped observes only the subtrees this round's backlog and freshly
// completed actions touched. Every dirty path is widened to its nearest
// settled ancestor folder; a path that widens all the way up turns the round
// into a full observation. The backlog's removal lane was popped first, so
// subtrees with pending deletions enter the round ahead of plain changes.
func (r *Reconciler) observeScoped(batch []notify.Event) ([]observation, error) {
	anchors := make(map[string]*mirror.Node)
	for _, ev := range batch {
		node := r.scanAnchor(parentPath(ev.Path))
		anchors[node.Path()] = node
	}
	for rel := range r.dirty {
		node := r.scanAnchor(rel)
		anchors[node.Path()] = node
	}
	r.dirty = make(map[string]bool)

	if len(anchors) == 0 {
		return nil, nil
	}
	if _, ok := anchors["."]; ok {
		r.lastFull = r.clock.Now()
		return r.observe()
	}

	var out []observation
	for rel, node := range anchors {
		if coveredBy(anchors, rel) {
			continue
		}
		if err := r.observeDir(node, r.abs(rel), node.RemoteHandle, pathDepth(rel), &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// scanAnchor widens rel to the nearest ancestor folder that can be observed
// in isolation: synced in the mirror, still carrying its live remote
// handle, and still a directory on disk. The tree root always qualifies.
func (r *Reconciler) scanAnchor(rel string) *mirror.Node {
	for rel != "." && rel != "" {
		node := r.tree.Lookup(rel)
		if node != nil && node.Kind() == mirror.Folder &&
			!node.State.Pending() && node.State != mirror.Conflicted &&
			node.RemoteHandle != remote.None {
			if info, ok := r.view.Lookup(node.RemoteHandle); ok && info.Kind == remote.FolderNode {
				if st, err := os.Stat(r.abs(rel)); err == nil && st.IsDir() {
					return node
				}
			}
		}
		rel = parentPath(rel)
	}
	return r.tree.Root()
}

// coveredBy reports whether another anchor already contains rel.
func coveredBy(anchors map[string]*mirror.Node, rel string) bool {
	for other := range anchors {
		if other != rel && strings.HasPrefix(rel, other+"/") {
			return true
		}
	}
	return false
}

// parentPath returns the parent of a root-relative slash path, "." at the
// top level.
func parentPath(rel string) string {
	return path.Dir(rel)
}

// pathDepth counts how many levels below the root rel sits.
func pathDepth(rel string) int {
	if rel == "." || rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

// descendable reports whether a slot is a folder agreed on all three sides,
// whose contents should be compared rather than the folder itself.
func (r *Reconciler) descendable(obs observation) bool {
	return obs.local != nil && obs.local.kind == mirror.Folder &&
		obs.node != nil && obs.node.Kind() == mirror.Folder &&
		!obs.node.State.Pending() && obs.node.State != mirror.Conflicted &&
		obs.rem != nil && obs.rem.Kind == remote.FolderNode &&
		obs.node.RemoteHandle == obs.rem.Handle
}

// readLocal lists and fingerprints one local directory. Non-regular
// entries and files that vanish mid-scan are skipped.
func (r *Reconciler) readLocal(dir string, depth int) (map[string]localEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	out := make(map[string]localEntry, len(entries))
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if r.skipName(name, depth) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.IsDir() {
			out[name] = localEntry{kind: mirror.Folder}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}

	fps, err := workers.FingerprintFiles(context.Background(), scanParallelism, files)
	if err != nil {
		return nil, err
	}
	for path, fp := range fps {
		out[filepath.Base(path)] = localEntry{kind: mirror.File, fp: fp}
	}
	return out, nil
}

// readRemote lists one remote folder. Same-name siblings, a cross-actor
// race the graph permits, are collapsed to the lowest handle so repeated
// scans pick the same one.
func (r *Reconciler) readRemote(h remote.Handle, depth int) (map[string]remote.NodeInfo, error) {
	children, err := r.view.ChildrenOf(h)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote folder: %w", err)
	}

	out := make(map[string]remote.NodeInfo, len(children))
	for _, child := range children {
		if r.skipName(child.Name, depth) {
			continue
		}
		if prev, exists := out[child.Name]; exists && prev.Handle < child.Handle {
			continue
		}
		out[child.Name] = child
	}
	return out, nil
}

// skipName filters the debris folder at the root level and volatile names
// everywhere.
func (r *Reconciler) skipName(name string, depth int) bool {
	if depth == 0 && name == r.debrisFolder {
		return true
	}
	return false
}

// joinRel builds the root-relative slash path of a child of node.
func joinRel(node *mirror.Node, name string) string {
	if node.Parent() == nil {
		return name
	}
	return path.Join(node.Path(), name)
}
