package mirror

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// CompareOpts controls tree comparison.
type CompareOpts struct {
	// IgnoreDebris skips the debris folder at the sync root.
	IgnoreDebris bool
	DebrisFolder string

	// IgnoreNames are volatile entries (lock files) skipped at any depth.
	IgnoreNames []string
}

func (o CompareOpts) skip(name string, depth int) bool {
	if o.IgnoreDebris && depth == 0 && name == o.DebrisFolder {
		return true
	}
	for _, ignore := range o.IgnoreNames {
		if name == ignore {
			return true
		}
	}
	return false
}

// ConfirmLocal verifies that the tree and the live filesystem under the
// tree's local path are structurally equal: same names, kinds, and file
// fingerprints at every level. The root's own name is not compared.
func (t *Tree) ConfirmLocal(opts CompareOpts) error {
	return confirmLocal(t.root, t.localPath, opts, 0)
}

func confirmLocal(node *Node, dir string, opts CompareOpts, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if opts.skip(name, depth) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", filepath.Join(dir, name), err)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			continue // non-regular entries are excluded from sync
		}

		child := node.Child(name)
		if child == nil {
			return fmt.Errorf("filesystem has %s, mirror does not", filepath.Join(dir, name))
		}
		seen[name] = true

		if info.IsDir() {
			if child.Kind() != Folder {
				return fmt.Errorf("%s is a directory, mirror has a file", filepath.Join(dir, name))
			}
			if err := confirmLocal(child, filepath.Join(dir, name), opts, depth+1); err != nil {
				return err
			}
			continue
		}

		if child.Kind() != File {
			return fmt.Errorf("%s is a file, mirror has a folder", filepath.Join(dir, name))
		}
		fp, err := fingerprint.OfFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to fingerprint %s: %w", filepath.Join(dir, name), err)
		}
		if !fp.Equal(child.Fingerprint) {
			return fmt.Errorf("%s differs: filesystem %s, mirror %s", filepath.Join(dir, name), fp, child.Fingerprint)
		}
	}

	for _, child := range node.Children() {
		if opts.skip(child.Name(), depth) {
			continue
		}
		if !seen[child.Name()] {
			return fmt.Errorf("mirror has %s, filesystem does not", child.Path())
		}
	}

	return nil
}

// ConfirmRemote verifies that the tree and the remote subtree below the
// root's matched handle are structurally equal. Matching uses multiset
// semantics per directory level: same-name remote siblings may exist
// transiently during a rename race, and a level matches only if every
// mirror child can be paired with a distinct remote child whose whole
// subtree matches recursively. The root's own name is not compared.
func (t *Tree) ConfirmRemote(view *remote.View, opts CompareOpts) error {
	if t.root.RemoteHandle == remote.None {
		return fmt.Errorf("mirror root has no remote handle")
	}
	return confirmRemote(t.root, view, t.root.RemoteHandle, opts, 0)
}

func confirmRemote(node *Node, view *remote.View, h remote.Handle, opts CompareOpts, depth int) error {
	children, err := view.ChildrenOf(h)
	if err != nil {
		return fmt.Errorf("failed to list remote children of %s: %w", node.Path(), err)
	}

	// Group remote children by name; each group is a candidate multiset.
	byName := make(map[string][]remote.NodeInfo)
	total := 0
	for _, child := range children {
		if opts.skip(child.Name, depth) {
			continue
		}
		byName[child.Name] = append(byName[child.Name], child)
		total++
	}

	matched := 0
	for _, child := range node.Children() {
		if opts.skip(child.Name(), depth) {
			continue
		}

		candidates := byName[child.Name()]
		found := false
		for i, candidate := range candidates {
			if matchesRemote(child, view, candidate, opts, depth) {
				// Consume the candidate so a sibling cannot reuse it.
				byName[child.Name()] = append(candidates[:i:i], candidates[i+1:]...)
				found = true
				matched++
				break
			}
		}
		if !found {
			return fmt.Errorf("mirror has %s, no matching remote child", child.Path())
		}
	}

	if matched != total {
		return fmt.Errorf("remote has %d unmatched children under %s", total-matched, node.Path())
	}

	return nil
}

// matchesRemote reports whether a mirror subtree equals a remote subtree.
func matchesRemote(node *Node, view *remote.View, info remote.NodeInfo, opts CompareOpts, depth int) bool {
	switch node.Kind() {
	case File:
		return info.Kind == remote.FileNode && fingerprint.Equivalent(node.Fingerprint, info.Fingerprint)
	case Folder:
		if info.Kind != remote.FolderNode {
			return false
		}
		return confirmRemote(node, view, info.Handle, opts, depth+1) == nil
	default:
		return false
	}
}
