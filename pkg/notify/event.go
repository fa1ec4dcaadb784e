// Package notify observes the local filesystem and produces a de-duplicated,
// priority-ordered backlog of paths requiring rescan.
package notify

import "time"

// Op is the kind of change observed at a path.
type Op int8

const (
	Added Op = iota
	Removed
	Changed
)

// String returns the string representation of the op
func (o Op) String() string {
	switch o {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// RescanAll is the path of the synthetic event substituted when the backlog
// exceeds its sanity limit: rescan the whole root.
const RescanAll = "."

// Event records that a path, relative to the sync root, is believed to have
// changed. The queue guarantees no more than "eventually every changed path
// is rescanned at least once"; consumers must tolerate redundant rescans.
type Event struct {
	Path string
	Op   Op
	When time.Time
}
