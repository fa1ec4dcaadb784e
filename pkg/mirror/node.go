// Package mirror maintains the in-memory tree paralleling the synced local
// subtree. Each node caches the last agreed fingerprint, its sync state,
// and the handle of its matched remote object, if any. Parents own their
// children; children hold only a non-owning back-reference.
package mirror

import (
	"sort"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// Kind distinguishes files from folders.
type Kind int8

const (
	File Kind = iota
	Folder
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Folder:
		return "folder"
	default:
		return "unknown"
	}
}

// SyncState is the per-node reconciliation state.
type SyncState int8

const (
	Synced SyncState = iota
	PendingCreate
	PendingTransfer
	PendingMove
	PendingDelete
	Conflicted
)

// String returns the string representation of the sync state
func (s SyncState) String() string {
	switch s {
	case Synced:
		return "synced"
	case PendingCreate:
		return "pending_create"
	case PendingTransfer:
		return "pending_transfer"
	case PendingMove:
		return "pending_move"
	case PendingDelete:
		return "pending_delete"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// Pending reports whether the node has an outstanding action.
func (s SyncState) Pending() bool {
	switch s {
	case PendingCreate, PendingTransfer, PendingMove, PendingDelete:
		return true
	default:
		return false
	}
}

// Node is one element of the mirror tree. Name, kind and tree linkage are
// managed by Tree to preserve the sibling-uniqueness invariant; the cached
// attributes are mutated freely by the reconciler and executor callbacks.
type Node struct {
	name string
	kind Kind

	Fingerprint  fingerprint.Fingerprint
	RemoteHandle remote.Handle
	State        SyncState

	parent   *Node
	children map[string]*Node
}

// Name returns the node's name within its parent.
func (n *Node) Name() string {
	return n.name
}

// Kind returns whether the node is a file or folder.
func (n *Node) Kind() Kind {
	return n.kind
}

// Parent returns the owning parent, nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Child returns the named child, or nil.
func (n *Node) Child(name string) *Node {
	return n.children[name]
}

// Children returns the node's children ordered by name.
func (n *Node) Children() []*Node {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, n.children[name])
	}
	return out
}

// ChildCount returns the number of direct children.
func (n *Node) ChildCount() int {
	return len(n.children)
}

// Path returns the node's root-relative slash path; "." for the root.
func (n *Node) Path() string {
	if n.parent == nil {
		return "."
	}

	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	// parts are leaf-first
	path := parts[len(parts)-1]
	for i := len(parts) - 2; i >= 0; i-- {
		path += "/" + parts[i]
	}
	return path
}

// Walk visits the node and all descendants depth-first, children in name
// order. Returning false from fn stops the walk.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, child := range n.Children() {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}
