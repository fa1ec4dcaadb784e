// Package remote projects the subset of the remote storage graph rooted at
// a sync point: children and handle lookups, plus asynchronous mutation
// primitives correlated by caller-supplied request tags. The graph's own
// persistence and transport are external; this core only holds handles and
// a cached shadow of the attributes it needs.
package remote

import (
	"errors"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
)

// Handle is an opaque reference to a remote object. Zero means none.
type Handle uint64

// None is the absent handle.
const None Handle = 0

// NodeKind distinguishes remote files from folders.
type NodeKind int8

const (
	FileNode NodeKind = iota
	FolderNode
)

// String returns the string representation of the node kind
func (k NodeKind) String() string {
	switch k {
	case FileNode:
		return "file"
	case FolderNode:
		return "folder"
	default:
		return "unknown"
	}
}

// NodeInfo is the cached shadow of a remote object's attributes.
type NodeInfo struct {
	Handle      Handle
	Name        string
	Kind        NodeKind
	Parent      Handle
	Fingerprint fingerprint.Fingerprint

	// ModSeq is the remote modification marker: strictly increasing per
	// mutation, comparable across nodes of the same graph.
	ModSeq int64
}

// ChangeKind tags entries of the remote change-notification stream.
type ChangeKind int8

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
	ChangeRenamed
	ChangeMoved
	ChangeUpdated
)

// String returns the string representation of the change kind
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeRenamed:
		return "renamed"
	case ChangeMoved:
		return "moved"
	case ChangeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Change is one entry of the remote change stream.
type Change struct {
	Kind      ChangeKind
	Node      NodeInfo
	OldParent Handle
	OldName   string
}

// Completion reports the outcome of an asynchronous mutation, correlated to
// its request by Tag. Handle carries the created node where applicable.
type Completion struct {
	Tag    uint64
	Handle Handle
	Err    error
}

// Remote error taxonomy. Transient and integrity errors are retried with
// backoff by the executor; the rest are permanent for the affected node.
var (
	ErrTransient  = errors.New("remote temporarily unavailable")
	ErrNotFound   = errors.New("remote object not found")
	ErrQuota      = errors.New("remote quota exceeded")
	ErrNameExists = errors.New("remote name already exists")

	// ErrIntegrity means transferred bytes did not match the fingerprint
	// the graph advertises for the node.
	ErrIntegrity = errors.New("remote content failed integrity check")

	// ErrConflict means two sides hold irreconcilable shapes or versions
	// for the same slot.
	ErrConflict = errors.New("conflicting versions")

	// ErrPermanent wraps every terminal action failure, so callers can
	// classify without enumerating the causes.
	ErrPermanent = errors.New("permanent failure")
)

// Graph is the contract the external storage graph must provide: mutation
// primitives keyed by opaque handles, asynchronous completions correlated
// by request tag, and a change-notification stream.
type Graph interface {
	// Get returns the current attributes of a node, if it exists.
	Get(h Handle) (NodeInfo, bool)

	// Children returns the children of a folder. Same-name siblings are
	// possible: the graph does not enforce name uniqueness.
	Children(h Handle) ([]NodeInfo, error)

	// Mutations. Each submits one remote call and returns immediately;
	// the outcome arrives on Completions with the given tag.
	Create(tag uint64, parent Handle, name string, kind NodeKind)
	Rename(tag uint64, h Handle, newName string)
	Move(tag uint64, h Handle, newParent Handle, newName string, overwrite bool)
	Unlink(tag uint64, h Handle)

	Completions() <-chan Completion
	Changes() <-chan Change
}
