// Package executor carries out the actions the reconciler schedules:
// folder creation, transfers, moves, renames, and soft-deletes into dated
// debris, with retry, backoff, and idempotence by identity token.
package executor

import (
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// Kind is the kind of scheduled action.
type Kind int8

const (
	Upload Kind = iota
	Download
	CreateFolder
	Move
	Rename
	Delete
)

// String returns the string representation of the action kind
func (k Kind) String() string {
	switch k {
	case Upload:
		return "upload"
	case Download:
		return "download"
	case CreateFolder:
		return "create_folder"
	case Move:
		return "move"
	case Rename:
		return "rename"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Side says where the action takes effect. An action propagating a local
// change applies on the remote side, and vice versa.
type Side int8

const (
	OnLocal Side = iota
	OnRemote
)

// String returns the string representation of the side
func (s Side) String() string {
	switch s {
	case OnLocal:
		return "local"
	case OnRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Action is one scheduled unit of convergence work. Actions are idempotent
// by Token: re-issuing the same token after a crash must not duplicate the
// effect.
type Action struct {
	Kind Kind
	Side Side

	// Target is the root-relative path the action affects; for moves and
	// renames it is the destination, Source the origin.
	Target string
	Source string

	// Token is the identity of this action across restarts.
	Token string

	// Remote references, where applicable: Handle is the acted-on node,
	// Parent the destination folder, Existing an upload-overwrite target.
	Handle   remote.Handle
	Parent   remote.Handle
	Existing remote.Handle

	// Overwrite permits a move to displace a same-named destination.
	Overwrite bool

	// BuryFirst makes a download soft-delete an existing local file into
	// debris before taking its place, preserving the losing version.
	BuryFirst bool

	// PreserveFirst makes an overwriting upload fetch the displaced remote
	// version into debris before the new bytes replace it.
	PreserveFirst bool

	// KeepBothAs makes a download compare the received bytes with the
	// current local file and, when they differ, set the local version aside
	// under this root-relative name instead of discarding it.
	KeepBothAs string
}

// Result reports the terminal outcome of an action. Transient failures are
// retried internally and never surface here.
type Result struct {
	Action Action

	// Handle is the created or uploaded node's handle, when applicable.
	Handle remote.Handle

	// BuriedAt is the debris destination of a soft-deleted or displaced
	// version, local or remote.
	BuriedAt string

	// KeptAt is the root-relative name the local version was set aside
	// under when a KeepBothAs download found diverging bytes.
	KeptAt string

	Err       error
	Permanent bool
}
