package mirror

import (
	"fmt"
	"strings"

	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// Tree is the mirror of one synced local subtree. It has exactly one root,
// bound to the configured local sync path. The tree is mutated only by the
// reconciler and the executor's completion handling, both running on the
// sync root's single loop; it needs no internal locking.
type Tree struct {
	root      *Node
	localPath string
}

// NewTree creates an empty tree bound to localPath.
func NewTree(localPath string) *Tree {
	return &Tree{
		root: &Node{
			kind:     Folder,
			children: make(map[string]*Node),
		},
		localPath: localPath,
	}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node {
	return t.root
}

// LocalPath returns the local sync path the tree is bound to.
func (t *Tree) LocalPath() string {
	return t.localPath
}

// Lookup returns the node at the given root-relative slash path, or nil.
// "." or "" address the root.
func (t *Tree) Lookup(rel string) *Node {
	cur := t.root
	for _, part := range splitPath(rel) {
		cur = cur.children[part]
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Insert creates a node at rel, creating intermediate folders as needed.
// Inserting an existing path returns the existing node when kinds agree
// and an error when they do not.
func (t *Tree) Insert(rel string, kind Kind) (*Node, error) {
	parts := splitPath(rel)
	if len(parts) == 0 {
		return nil, fmt.Errorf("cannot insert the root")
	}

	cur := t.root
	for i, part := range parts {
		last := i == len(parts)-1

		child := cur.children[part]
		if child == nil {
			childKind := Folder
			if last {
				childKind = kind
			}
			child = &Node{
				name:     part,
				kind:     childKind,
				parent:   cur,
				children: make(map[string]*Node),
			}
			cur.children[part] = child
		} else if last && child.kind != kind {
			return nil, fmt.Errorf("%w: %s exists as %s, cannot insert as %s", remote.ErrConflict, rel, child.kind, kind)
		} else if !last && child.kind != Folder {
			return nil, fmt.Errorf("%s is a file, cannot descend", child.Path())
		}

		cur = child
	}

	return cur, nil
}

// Remove detaches the subtree at rel from the tree.
func (t *Tree) Remove(rel string) error {
	node := t.Lookup(rel)
	if node == nil {
		return fmt.Errorf("no node at %s", rel)
	}
	if node.parent == nil {
		return fmt.Errorf("cannot remove the root")
	}

	delete(node.parent.children, node.name)
	node.parent = nil
	return nil
}

// Move relocates the subtree at oldRel to newRel, creating intermediate
// folders along the destination as needed.
func (t *Tree) Move(oldRel, newRel string) error {
	node := t.Lookup(oldRel)
	if node == nil {
		return fmt.Errorf("no node at %s", oldRel)
	}
	if node.parent == nil {
		return fmt.Errorf("cannot move the root")
	}

	parts := splitPath(newRel)
	if len(parts) == 0 {
		return fmt.Errorf("cannot move onto the root")
	}
	parentRel := strings.Join(parts[:len(parts)-1], "/")
	newName := parts[len(parts)-1]

	var parent *Node
	if parentRel == "" {
		parent = t.root
	} else {
		var err error
		parent, err = t.Insert(parentRel, Folder)
		if err != nil {
			return err
		}
	}
	if existing := parent.children[newName]; existing != nil && existing != node {
		return fmt.Errorf("%s already exists", newRel)
	}

	delete(node.parent.children, node.name)
	node.parent = parent
	node.name = newName
	parent.children[newName] = node
	return nil
}

// Len returns the number of nodes in the tree, root excluded.
func (t *Tree) Len() int {
	count := -1
	t.root.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

// ConflictedPaths returns the paths of all Conflicted nodes, for external
// observers; one conflicted node never blocks progress elsewhere.
func (t *Tree) ConflictedPaths() []string {
	var paths []string
	t.root.Walk(func(n *Node) bool {
		if n.State == Conflicted {
			paths = append(paths, n.Path())
		}
		return true
	})
	return paths
}

// PendingCount returns the number of nodes with an outstanding action.
func (t *Tree) PendingCount() int {
	count := 0
	t.root.Walk(func(n *Node) bool {
		if n.State.Pending() {
			count++
		}
		return true
	})
	return count
}

// splitPath splits a root-relative slash path into its elements.
func splitPath(rel string) []string {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return nil
	}
	return strings.Split(rel, "/")
}
