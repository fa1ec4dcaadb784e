package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// View is a read/write projection of the remote graph scoped to one sync
// root. Mutations are submitted asynchronously; the view correlates each
// locally generated request tag with its eventual completion and surfaces
// the outcome without blocking the caller.
type View struct {
	graph Graph
	root  Handle

	tags atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]chan Completion

	changes chan Change
	done    chan struct{}
	once    sync.Once
}

// NewView creates a view over graph rooted at root and starts relaying
// completions and subtree-scoped changes.
func NewView(graph Graph, root Handle) (*View, error) {
	if _, ok := graph.Get(root); !ok {
		return nil, fmt.Errorf("sync root handle %d: %w", root, ErrNotFound)
	}

	v := &View{
		graph:   graph,
		root:    root,
		waiters: make(map[uint64]chan Completion),
		changes: make(chan Change, 256),
		done:    make(chan struct{}),
	}

	go v.pumpCompletions()
	go v.pumpChanges()

	return v, nil
}

// Root returns the handle the view is rooted at.
func (v *View) Root() Handle {
	return v.root
}

// Lookup returns the attributes of a node by handle.
func (v *View) Lookup(h Handle) (NodeInfo, bool) {
	return v.graph.Get(h)
}

// ChildrenOf returns the children of a folder.
func (v *View) ChildrenOf(parent Handle) ([]NodeInfo, error) {
	return v.graph.Children(parent)
}

// ChildByName returns one child of parent with the given name. When
// same-name siblings exist (a known cross-actor race) the one with the
// lowest handle is returned so that repeated lookups are deterministic.
func (v *View) ChildByName(parent Handle, name string) (NodeInfo, bool) {
	children, err := v.graph.Children(parent)
	if err != nil {
		return NodeInfo{}, false
	}

	var best NodeInfo
	found := false
	for _, child := range children {
		if child.Name != name {
			continue
		}
		if !found || child.Handle < best.Handle {
			best = child
			found = true
		}
	}
	return best, found
}

// Create submits an asynchronous create and returns its request tag.
func (v *View) Create(parent Handle, name string, kind NodeKind) uint64 {
	tag := v.register()
	v.graph.Create(tag, parent, name, kind)
	return tag
}

// Rename submits an asynchronous rename and returns its request tag.
func (v *View) Rename(h Handle, newName string) uint64 {
	tag := v.register()
	v.graph.Rename(tag, h, newName)
	return tag
}

// Move submits an asynchronous move and returns its request tag.
func (v *View) Move(h Handle, newParent Handle, newName string, overwrite bool) uint64 {
	tag := v.register()
	v.graph.Move(tag, h, newParent, newName, overwrite)
	return tag
}

// Unlink submits an asynchronous unlink and returns its request tag.
// Remote-side trash semantics are owned by the graph.
func (v *View) Unlink(h Handle) uint64 {
	tag := v.register()
	v.graph.Unlink(tag, h)
	return tag
}

// Wait blocks until the completion for tag arrives or ctx is done.
func (v *View) Wait(ctx context.Context, tag uint64) (Completion, error) {
	v.mu.Lock()
	ch, exists := v.waiters[tag]
	v.mu.Unlock()
	if !exists {
		return Completion{}, fmt.Errorf("unknown request tag: %d", tag)
	}

	select {
	case c := <-ch:
		return c, nil
	case <-v.done:
		return Completion{}, fmt.Errorf("view closed while waiting for tag %d", tag)
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Changes returns the subtree-scoped remote change stream.
func (v *View) Changes() <-chan Change {
	return v.changes
}

// Close stops the view's relay goroutines.
func (v *View) Close() {
	v.once.Do(func() {
		close(v.done)
	})
}

// register allocates a request tag and its completion slot. The counter is
// owned by the view, so independent sync roots never share a tag namespace.
func (v *View) register() uint64 {
	tag := v.tags.Add(1)

	v.mu.Lock()
	v.waiters[tag] = make(chan Completion, 1)
	v.mu.Unlock()

	return tag
}

// pumpCompletions routes graph completions to their registered waiters.
func (v *View) pumpCompletions() {
	for {
		select {
		case <-v.done:
			return
		case c, ok := <-v.graph.Completions():
			if !ok {
				return
			}

			v.mu.Lock()
			ch, exists := v.waiters[c.Tag]
			if exists {
				delete(v.waiters, c.Tag)
			}
			v.mu.Unlock()

			if exists {
				ch <- c
			}
		}
	}
}

// pumpChanges relays changes whose subject lies within the view's subtree.
func (v *View) pumpChanges() {
	defer close(v.changes)

	for {
		select {
		case <-v.done:
			return
		case c, ok := <-v.graph.Changes():
			if !ok {
				return
			}
			if !v.inSubtree(c) {
				continue
			}
			select {
			case v.changes <- c:
			case <-v.done:
				return
			}
		}
	}
}

// inSubtree reports whether a change affects the view's subtree. Removed
// nodes are judged by their last known parent.
func (v *View) inSubtree(c Change) bool {
	start := c.Node.Parent
	if c.Kind == ChangeMoved && v.ancestorOf(c.OldParent) {
		return true
	}
	if c.Node.Handle == v.root {
		return true
	}
	return v.ancestorOf(start)
}

// ancestorOf reports whether the view root is h or one of its ancestors.
func (v *View) ancestorOf(h Handle) bool {
	for h != None {
		if h == v.root {
			return true
		}
		info, ok := v.graph.Get(h)
		if !ok {
			return false
		}
		h = info.Parent
	}
	return false
}
