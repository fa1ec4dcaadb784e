package notify

import (
	"sync"
)

// Queue is the change-notification backlog: two priority lanes (removals
// ahead of everything else, so destructive actions are not starved behind a
// flood of additions), coalesced by path, bounded by a sanity limit above
// which the whole backlog collapses into a single full-root rescan.
type Queue struct {
	mu          sync.Mutex
	sanityLimit int
	removes     lane
	changes     lane
	overflowed  bool
}

// lane is an insertion-ordered set of events keyed by path.
type lane struct {
	order  []string
	byPath map[string]Event
}

func (l *lane) push(e Event) {
	if l.byPath == nil {
		l.byPath = make(map[string]Event)
	}
	if _, exists := l.byPath[e.Path]; !exists {
		l.order = append(l.order, e.Path)
	}
	l.byPath[e.Path] = e
}

func (l *lane) remove(path string) {
	if _, exists := l.byPath[path]; !exists {
		return
	}
	delete(l.byPath, path)
	for i, p := range l.order {
		if p == path {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *lane) pop() (Event, bool) {
	for len(l.order) > 0 {
		path := l.order[0]
		l.order = l.order[1:]
		if e, exists := l.byPath[path]; exists {
			delete(l.byPath, path)
			return e, true
		}
	}
	return Event{}, false
}

func (l *lane) len() int {
	return len(l.byPath)
}

func (l *lane) reset() {
	l.order = nil
	l.byPath = nil
}

// NewQueue creates a queue that collapses into a full rescan once more than
// sanityLimit distinct paths are pending.
func NewQueue(sanityLimit int) *Queue {
	if sanityLimit < 1 {
		sanityLimit = 1
	}
	return &Queue{sanityLimit: sanityLimit}
}

// Push adds an event to the backlog, coalescing by path.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.overflowed {
		return // a full rescan is already pending, nothing to add
	}

	switch e.Op {
	case Removed:
		q.changes.remove(e.Path)
		q.removes.push(e)
	default:
		if _, pending := q.removes.byPath[e.Path]; pending {
			// Keep the removal priority; the rescan sees current reality.
			q.removes.push(e)
		} else {
			q.changes.push(e)
		}
	}

	if q.removes.len()+q.changes.len() > q.sanityLimit {
		q.removes.reset()
		q.changes.reset()
		q.overflowed = true
		q.changes.push(Event{Path: RescanAll, Op: Changed, When: e.When})
	}
}

// PopBatch removes and returns up to max events, removal lane first.
func (q *Queue) PopBatch(max int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []Event
	for len(batch) < max {
		e, ok := q.removes.pop()
		if !ok {
			break
		}
		batch = append(batch, e)
	}
	for len(batch) < max {
		e, ok := q.changes.pop()
		if !ok {
			break
		}
		if e.Path == RescanAll {
			q.overflowed = false
		}
		batch = append(batch, e)
	}

	return batch
}

// Len returns the number of pending paths.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removes.len() + q.changes.len()
}

// Overflowed reports whether the queue collapsed into a full-root rescan
// that has not yet been popped.
func (q *Queue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowed
}
