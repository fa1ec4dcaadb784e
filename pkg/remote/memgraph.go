package remote

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
)

// MemGraph is an in-memory Graph used by tests and the CLI's dry-run mode.
// It applies mutations asynchronously like a real remote, supports injected
// latency and failures, and exposes synchronous "external actor" mutations
// that only appear on the change stream, exactly as another client sharing
// the subtree would.
type MemGraph struct {
	mu         sync.Mutex
	nodes      map[Handle]*memNode
	content    map[Handle][]byte
	nextHandle Handle
	modSeq     int64
	latency    time.Duration
	injected   []error

	completions chan Completion
	changes     chan Change
}

type memNode struct {
	info     NodeInfo
	children map[Handle]bool
}

// NewMemGraph creates a graph containing only a root folder.
func NewMemGraph() *MemGraph {
	g := &MemGraph{
		nodes:       make(map[Handle]*memNode),
		content:     make(map[Handle][]byte),
		nextHandle:  1,
		completions: make(chan Completion, 256),
		changes:     make(chan Change, 1024),
	}

	root := g.newNodeLocked(None, "root", FolderNode)
	g.nodes[root.info.Handle] = root

	return g
}

// Root returns the root folder handle.
func (g *MemGraph) Root() Handle {
	return 1
}

// SetLatency sets an artificial delay applied to asynchronous mutations.
func (g *MemGraph) SetLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latency = d
}

// InjectError queues an error returned by the next asynchronous mutation.
func (g *MemGraph) InjectError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.injected = append(g.injected, err)
}

// Get returns the current attributes of a node.
func (g *MemGraph) Get(h Handle) (NodeInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[h]
	if !exists {
		return NodeInfo{}, false
	}
	return node.info, true
}

// Children returns the children of a folder, ordered by handle.
func (g *MemGraph) Children(h Handle) ([]NodeInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[h]
	if !exists {
		return nil, fmt.Errorf("handle %d: %w", h, ErrNotFound)
	}
	if node.info.Kind != FolderNode {
		return nil, fmt.Errorf("handle %d is not a folder", h)
	}

	infos := make([]NodeInfo, 0, len(node.children))
	for child := range node.children {
		if cn, ok := g.nodes[child]; ok {
			infos = append(infos, cn.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Handle < infos[j].Handle })
	return infos, nil
}

// Completions returns the asynchronous completion stream.
func (g *MemGraph) Completions() <-chan Completion {
	return g.completions
}

// Changes returns the change-notification stream.
func (g *MemGraph) Changes() <-chan Change {
	return g.changes
}

// Create submits an asynchronous create.
func (g *MemGraph) Create(tag uint64, parent Handle, name string, kind NodeKind) {
	g.submit(tag, func() (Handle, []Change, error) {
		p, exists := g.nodes[parent]
		if !exists || p.info.Kind != FolderNode {
			return None, nil, fmt.Errorf("create %q: parent %d: %w", name, parent, ErrNotFound)
		}

		// Name uniqueness is deliberately not enforced: two actors
		// racing a same-name create both succeed, and reconciliation
		// surfaces the collision.
		node := g.newNodeLocked(parent, name, kind)
		g.nodes[node.info.Handle] = node
		p.children[node.info.Handle] = true

		return node.info.Handle, []Change{{Kind: ChangeAdded, Node: node.info}}, nil
	})
}

// Rename submits an asynchronous rename.
func (g *MemGraph) Rename(tag uint64, h Handle, newName string) {
	g.submit(tag, func() (Handle, []Change, error) {
		node, exists := g.nodes[h]
		if !exists {
			return None, nil, fmt.Errorf("rename %d: %w", h, ErrNotFound)
		}

		oldName := node.info.Name
		node.info.Name = newName
		node.info.ModSeq = g.bumpLocked()

		return h, []Change{{Kind: ChangeRenamed, Node: node.info, OldParent: node.info.Parent, OldName: oldName}}, nil
	})
}

// Move submits an asynchronous move, optionally overwriting a same-named
// target in the destination folder.
func (g *MemGraph) Move(tag uint64, h Handle, newParent Handle, newName string, overwrite bool) {
	g.submit(tag, func() (Handle, []Change, error) {
		node, exists := g.nodes[h]
		if !exists {
			return None, nil, fmt.Errorf("move %d: %w", h, ErrNotFound)
		}
		dest, exists := g.nodes[newParent]
		if !exists || dest.info.Kind != FolderNode {
			return None, nil, fmt.Errorf("move %d: destination %d: %w", h, newParent, ErrNotFound)
		}
		if g.isDescendantLocked(newParent, h) {
			return None, nil, fmt.Errorf("move %d: destination is inside the moved subtree", h)
		}

		var emitted []Change
		if existing := g.childByNameLocked(newParent, newName); existing != None && existing != h {
			if !overwrite {
				return None, nil, fmt.Errorf("move %d to %q: %w", h, newName, ErrNameExists)
			}
			emitted = append(emitted, g.unlinkLocked(existing)...)
		}

		oldParent := node.info.Parent
		oldName := node.info.Name
		if op, ok := g.nodes[oldParent]; ok {
			delete(op.children, h)
		}
		dest.children[h] = true
		node.info.Parent = newParent
		node.info.Name = newName
		node.info.ModSeq = g.bumpLocked()

		emitted = append(emitted, Change{Kind: ChangeMoved, Node: node.info, OldParent: oldParent, OldName: oldName})
		return h, emitted, nil
	})
}

// Unlink submits an asynchronous unlink of a node and its subtree.
func (g *MemGraph) Unlink(tag uint64, h Handle) {
	g.submit(tag, func() (Handle, []Change, error) {
		if _, exists := g.nodes[h]; !exists {
			return None, nil, fmt.Errorf("unlink %d: %w", h, ErrNotFound)
		}
		return h, g.unlinkLocked(h), nil
	})
}

// External-actor mutations: applied synchronously, no completion, change
// stream only. These simulate another client sharing the remote subtree.

// MkdirNow creates a folder as an external actor would.
func (g *MemGraph) MkdirNow(parent Handle, name string) Handle {
	g.mu.Lock()
	node := g.newNodeLocked(parent, name, FolderNode)
	g.nodes[node.info.Handle] = node
	g.nodes[parent].children[node.info.Handle] = true
	info := node.info
	g.mu.Unlock()

	g.changes <- Change{Kind: ChangeAdded, Node: info}
	return info.Handle
}

// PutFileNow creates or updates a file as an external actor would.
func (g *MemGraph) PutFileNow(parent Handle, name string, data []byte, mtime int64) Handle {
	fp, _ := fingerprint.OfReader(bytes.NewReader(data), int64(len(data)), mtime)

	g.mu.Lock()
	var info NodeInfo
	var kind ChangeKind
	if existing := g.childByNameLocked(parent, name); existing != None && g.nodes[existing].info.Kind == FileNode {
		node := g.nodes[existing]
		node.info.Fingerprint = fp
		node.info.ModSeq = g.bumpLocked()
		g.content[existing] = append([]byte(nil), data...)
		info = node.info
		kind = ChangeUpdated
	} else {
		node := g.newNodeLocked(parent, name, FileNode)
		node.info.Fingerprint = fp
		g.nodes[node.info.Handle] = node
		g.nodes[parent].children[node.info.Handle] = true
		g.content[node.info.Handle] = append([]byte(nil), data...)
		info = node.info
		kind = ChangeAdded
	}
	g.mu.Unlock()

	g.changes <- Change{Kind: kind, Node: info}
	return info.Handle
}

// UnlinkNow removes a subtree as an external actor would.
func (g *MemGraph) UnlinkNow(h Handle) {
	g.mu.Lock()
	emitted := g.unlinkLocked(h)
	g.mu.Unlock()

	for _, c := range emitted {
		g.changes <- c
	}
}

// MoveNow relocates a node as an external actor would.
func (g *MemGraph) MoveNow(h Handle, newParent Handle, newName string) {
	g.mu.Lock()
	node, exists := g.nodes[h]
	if !exists {
		g.mu.Unlock()
		return
	}
	oldParent := node.info.Parent
	oldName := node.info.Name
	if op, ok := g.nodes[oldParent]; ok {
		delete(op.children, h)
	}
	g.nodes[newParent].children[h] = true
	node.info.Parent = newParent
	node.info.Name = newName
	node.info.ModSeq = g.bumpLocked()
	info := node.info
	g.mu.Unlock()

	g.changes <- Change{Kind: ChangeMoved, Node: info, OldParent: oldParent, OldName: oldName}
}

// RenameNow renames a node as an external actor would.
func (g *MemGraph) RenameNow(h Handle, newName string) {
	g.mu.Lock()
	node, exists := g.nodes[h]
	if !exists {
		g.mu.Unlock()
		return
	}
	oldName := node.info.Name
	node.info.Name = newName
	node.info.ModSeq = g.bumpLocked()
	info := node.info
	g.mu.Unlock()

	g.changes <- Change{Kind: ChangeRenamed, Node: info, OldParent: info.Parent, OldName: oldName}
}

// Transfer-side content access.

// PutContent stores file bytes, either updating existing in place (handle
// preserved) or creating a new child of parent.
func (g *MemGraph) PutContent(parent, existing Handle, name string, data []byte, fp fingerprint.Fingerprint) (Handle, error) {
	g.mu.Lock()

	var info NodeInfo
	var kind ChangeKind
	if existing != None {
		node, ok := g.nodes[existing]
		if !ok {
			g.mu.Unlock()
			return None, fmt.Errorf("upload target %d: %w", existing, ErrNotFound)
		}
		node.info.Fingerprint = fp
		node.info.ModSeq = g.bumpLocked()
		g.content[existing] = append([]byte(nil), data...)
		info = node.info
		kind = ChangeUpdated
	} else {
		p, ok := g.nodes[parent]
		if !ok || p.info.Kind != FolderNode {
			g.mu.Unlock()
			return None, fmt.Errorf("upload to parent %d: %w", parent, ErrNotFound)
		}
		node := g.newNodeLocked(parent, name, FileNode)
		node.info.Fingerprint = fp
		g.nodes[node.info.Handle] = node
		p.children[node.info.Handle] = true
		g.content[node.info.Handle] = append([]byte(nil), data...)
		info = node.info
		kind = ChangeAdded
	}
	g.mu.Unlock()

	g.changes <- Change{Kind: kind, Node: info}
	return info.Handle, nil
}

// GetContent returns file bytes and attributes.
func (g *MemGraph) GetContent(h Handle) ([]byte, NodeInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[h]
	if !exists || node.info.Kind != FileNode {
		return nil, NodeInfo{}, fmt.Errorf("download %d: %w", h, ErrNotFound)
	}
	return append([]byte(nil), g.content[h]...), node.info, nil
}

// NodeCount returns the number of nodes in the graph, root included.
func (g *MemGraph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// submit runs an asynchronous mutation after the configured latency.
func (g *MemGraph) submit(tag uint64, apply func() (Handle, []Change, error)) {
	go func() {
		g.mu.Lock()
		latency := g.latency
		g.mu.Unlock()
		if latency > 0 {
			time.Sleep(latency)
		}

		g.mu.Lock()
		if err := g.takeInjectedLocked(); err != nil {
			g.mu.Unlock()
			g.completions <- Completion{Tag: tag, Err: err}
			return
		}
		h, emitted, err := apply()
		g.mu.Unlock()

		g.completions <- Completion{Tag: tag, Handle: h, Err: err}
		for _, c := range emitted {
			g.changes <- c
		}
	}()
}

func (g *MemGraph) takeInjectedLocked() error {
	if len(g.injected) == 0 {
		return nil
	}
	err := g.injected[0]
	g.injected = g.injected[1:]
	return err
}

func (g *MemGraph) newNodeLocked(parent Handle, name string, kind NodeKind) *memNode {
	h := g.nextHandle
	g.nextHandle++

	return &memNode{
		info: NodeInfo{
			Handle: h,
			Name:   name,
			Kind:   kind,
			Parent: parent,
			ModSeq: g.bumpLocked(),
		},
		children: make(map[Handle]bool),
	}
}

func (g *MemGraph) bumpLocked() int64 {
	g.modSeq++
	return g.modSeq
}

// childByNameLocked returns the lowest-handle child with the given name.
func (g *MemGraph) childByNameLocked(parent Handle, name string) Handle {
	p, exists := g.nodes[parent]
	if !exists {
		return None
	}

	best := None
	for child := range p.children {
		if cn, ok := g.nodes[child]; ok && cn.info.Name == name {
			if best == None || child < best {
				best = child
			}
		}
	}
	return best
}

// unlinkLocked removes a subtree and returns the change to emit. Only the
// top of the removed subtree is reported, matching real graph streams.
func (g *MemGraph) unlinkLocked(h Handle) []Change {
	node, exists := g.nodes[h]
	if !exists {
		return nil
	}

	var drop func(Handle)
	drop = func(target Handle) {
		n, ok := g.nodes[target]
		if !ok {
			return
		}
		for child := range n.children {
			drop(child)
		}
		delete(g.nodes, target)
		delete(g.content, target)
	}

	if parent, ok := g.nodes[node.info.Parent]; ok {
		delete(parent.children, h)
	}
	info := node.info
	drop(h)

	return []Change{{Kind: ChangeRemoved, Node: info}}
}

// isDescendantLocked reports whether candidate lies under ancestor.
func (g *MemGraph) isDescendantLocked(candidate, ancestor Handle) bool {
	for candidate != None {
		if candidate == ancestor {
			return true
		}
		node, exists := g.nodes[candidate]
		if !exists {
			return false
		}
		candidate = node.info.Parent
	}
	return false
}
