// Package reconcile drives the three-tree comparison at the core of the
// engine: the live local filesystem, the mirror of the last agreed state,
// and the remote graph projection. Each Tick observes all three, decides
// what moved, changed, appeared, or vanished on which side, and schedules
// the actions that bring the sides back together.
package reconcile

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheEntropyCollective/driftsync/pkg/executor"
	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/driftsync/pkg/mirror"
	"github.com/TheEntropyCollective/driftsync/pkg/notify"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// ErrSyncRootLost means the local sync folder or the remote root node is
// gone. The sync must stop rather than interpret the loss as a mass delete.
var ErrSyncRootLost = errors.New("sync root lost")

// Options configures a Reconciler.
type Options struct {
	Tree  *mirror.Tree
	View  *remote.View
	Exec  *executor.Executor
	Queue *notify.Queue

	Direction    config.Direction
	DebrisFolder string
	MoveWindow   time.Duration

	// FullSweep is the cadence for full tri-walk observation rounds. In
	// between, a round observes only the subtrees named by the backlog and
	// by freshly completed actions. Zero sweeps fully every round.
	FullSweep time.Duration

	Clock  clockwork.Clock
	Logger *logging.Logger
}

// Reconciler owns the mirror tree. All methods must be called from one
// goroutine; the executor runs actions concurrently but reports back only
// through the Results channel drained here.
type Reconciler struct {
	tree  *mirror.Tree
	view  *remote.View
	exec  *executor.Executor
	queue *notify.Queue

	direction    config.Direction
	debrisFolder string
	moveWindow   time.Duration
	fullSweep    time.Duration
	clock        clockwork.Clock
	logger       *logging.Logger

	graves   map[string]*grave
	dirty    map[string]bool
	lastFull time.Time
	inflight int
	seq      uint64
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger().WithComponent("reconcile")
	}
	if opts.Direction == "" {
		opts.Direction = config.DirectionTwoWay
	}
	return &Reconciler{
		tree:         opts.Tree,
		view:         opts.View,
		exec:         opts.Exec,
		queue:        opts.Queue,
		direction:    opts.Direction,
		debrisFolder: opts.DebrisFolder,
		moveWindow:   opts.MoveWindow,
		fullSweep:    opts.FullSweep,
		clock:        opts.Clock,
		logger:       opts.Logger,
		graves:       make(map[string]*grave),
		dirty:        make(map[string]bool),
	}
}

// Tree returns the mirror tree the reconciler owns.
func (r *Reconciler) Tree() *mirror.Tree {
	return r.tree
}

// InFlight returns the number of scheduled actions without a result yet.
func (r *Reconciler) InFlight() int {
	return r.inflight
}

// Settled reports whether there is nothing left to do: no backlog, no
// in-flight actions, no staged graves, no pending mirror nodes.
func (r *Reconciler) Settled() bool {
	return r.queue.Len() == 0 && r.inflight == 0 && len(r.graves) == 0 &&
		r.tree.PendingCount() == 0
}

// popBatchLimit bounds how many backlog entries one round absorbs.
const popBatchLimit = 1 << 20

// Tick runs one reconciliation round: absorb finished actions, drain the
// notification backlog, observe the three trees, and schedule whatever
// convergence work the differences call for. The popped backlog scopes the
// observation to the touched subtrees; a full tri-walk runs on the sweep
// cadence and whenever the backlog collapsed into a full-root rescan.
// Returns ErrSyncRootLost when either root is gone.
func (r *Reconciler) Tick() error {
	if err := r.checkRoots(); err != nil {
		return err
	}

	r.drainResults()
	batch := r.queue.PopBatch(popBatchLimit)

	full := r.fullSweep <= 0 || r.clock.Since(r.lastFull) >= r.fullSweep
	for _, ev := range batch {
		if ev.Path == notify.RescanAll {
			full = true
			break
		}
	}

	var (
		observations []observation
		err          error
	)
	if full {
		r.lastFull = r.clock.Now()
		r.dirty = make(map[string]bool)
		observations, err = r.observe()
	} else {
		observations, err = r.observeScoped(batch)
	}
	if err != nil {
		return err
	}
	r.resolve(observations)
	return nil
}

// checkRoots verifies both sync roots still exist.
func (r *Reconciler) checkRoots() error {
	info, err := os.Stat(r.tree.LocalPath())
	if err != nil || !info.IsDir() {
		return fmt.Errorf("local folder %s: %w", r.tree.LocalPath(), ErrSyncRootLost)
	}
	if _, ok := r.view.Lookup(r.view.Root()); !ok {
		return fmt.Errorf("remote handle %d: %w", r.view.Root(), ErrSyncRootLost)
	}
	return nil
}

func (r *Reconciler) up() bool   { return r.direction != config.DirectionDown }
func (r *Reconciler) down() bool { return r.direction != config.DirectionUp }

// resolve turns one round of observations into scheduled actions.
// Disappearances are cross-matched with appearances before either end is
// treated as a delete or a create: local pairs via content signatures and
// the move window, remote pairs via the surviving handle. Ordering matters,
// a remote move must claim its destination slot before the new-remote
// handler would schedule a download for it.
func (r *Reconciler) resolve(observations []observation) {
	var goneLocal, newLocal, goneRemote, newRemote, rest []observation
	livePaths := make(map[string]bool)

	for _, obs := range observations {
		if obs.node != nil && (obs.node.State.Pending() || obs.node.State == mirror.Conflicted) {
			continue
		}
		switch {
		case obs.local == nil && obs.node != nil && obs.rem != nil:
			goneLocal = append(goneLocal, obs)
		case obs.local != nil && obs.node == nil && obs.rem == nil:
			newLocal = append(newLocal, obs)
		case obs.local != nil && obs.node != nil && obs.rem == nil:
			goneRemote = append(goneRemote, obs)
		case obs.local == nil && obs.node == nil && obs.rem != nil:
			newRemote = append(newRemote, obs)
		default:
			rest = append(rest, obs)
		}
		if obs.local != nil {
			livePaths[obs.path] = true
		}
	}

	// Drop graves whose path is alive again or whose node left the tree.
	for path, g := range r.graves {
		if livePaths[path] || r.tree.Lookup(path) != g.node {
			delete(r.graves, path)
		}
	}

	if r.up() {
		for _, obs := range goneLocal {
			r.stageGrave(obs)
		}
		newLocal = r.pairMoves(newLocal)
	} else {
		// No local-to-remote propagation, so nothing to hold back.
		rest = append(rest, goneLocal...)
	}

	for _, obs := range goneRemote {
		r.applyRemoteGone(obs)
	}
	for _, obs := range newRemote {
		r.applyNewRemote(obs)
	}
	for _, obs := range newLocal {
		r.applyNewLocal(obs)
	}
	for _, obs := range rest {
		r.apply(obs)
	}
	r.reapGraves()
}

// pairMoves claims graves for matching appearances and returns the
// appearances that did not match any grave.
func (r *Reconciler) pairMoves(newLocal []observation) []observation {
	var unmatched []observation
	for _, obs := range newLocal {
		sig, err := localSig(r.abs(obs.path), obs.local.kind)
		if err != nil {
			continue // vanished mid-scan, next tick sees reality
		}

		g := r.claimGrave(sig)
		if g == nil {
			unmatched = append(unmatched, obs)
			continue
		}

		if err := r.tree.Move(g.path, obs.path); err != nil {
			r.logger.Warn("move bookkeeping failed", map[string]interface{}{
				"from": g.path, "to": obs.path, "error": err.Error(),
			})
			unmatched = append(unmatched, obs)
			continue
		}

		node := r.tree.Lookup(obs.path)
		r.submit(executor.Action{
			Kind:   executor.Move,
			Side:   executor.OnRemote,
			Target: obs.path,
			Source: g.path,
			Handle: node.RemoteHandle,
			Parent: obs.parentHandle,
		}, node, mirror.PendingMove)
	}
	return unmatched
}

// applyNewLocal handles an appearance that is not a move.
func (r *Reconciler) applyNewLocal(obs observation) {
	if !r.up() {
		// The remote side is authoritative; a local extra is soft-deleted.
		node, err := r.tree.Insert(obs.path, obs.local.kind)
		if err != nil {
			return
		}
		r.submit(executor.Action{
			Kind:   executor.Delete,
			Side:   executor.OnLocal,
			Target: obs.path,
		}, node, mirror.PendingDelete)
		return
	}

	node, err := r.tree.Insert(obs.path, obs.local.kind)
	if err != nil {
		r.logger.Warn("cannot mirror new local entry", map[string]interface{}{
			"path": obs.path, "error": err.Error(),
		})
		return
	}

	if obs.local.kind == mirror.Folder {
		r.submit(executor.Action{
			Kind:   executor.CreateFolder,
			Side:   executor.OnRemote,
			Target: obs.path,
			Parent: obs.parentHandle,
		}, node, mirror.PendingCreate)
		return
	}

	node.Fingerprint = obs.local.fp
	r.submit(executor.Action{
		Kind:   executor.Upload,
		Side:   executor.OnRemote,
		Target: obs.path,
		Parent: obs.parentHandle,
	}, node, mirror.PendingTransfer)
}

// apply handles the slots left after the appearance and disappearance
// buckets are taken out.
func (r *Reconciler) apply(obs observation) {
	switch {
	case obs.local != nil && obs.node != nil && obs.rem != nil:
		r.applyTriple(obs)
	case obs.local == nil && obs.node != nil && obs.rem != nil:
		// Reached only when local changes do not propagate.
		r.applyLocalGoneRestore(obs)
	case obs.local != nil && obs.node == nil && obs.rem != nil:
		r.applyAdoption(obs)
	case obs.local == nil && obs.node != nil && obs.rem == nil:
		// Both sides dropped it; the mirror just catches up.
		delete(r.graves, obs.path)
		if err := r.tree.Remove(obs.path); err == nil {
			r.logger.Debug("forgot doubly removed entry", map[string]interface{}{"path": obs.path})
		}
	}
}

// applyTriple reconciles a slot present on all three sides.
func (r *Reconciler) applyTriple(obs observation) {
	node := obs.node

	if obs.local.kind != node.Kind() || kindsDisagree(obs.local.kind, obs.rem.Kind) {
		r.resolveKindClash(obs)
		return
	}

	if obs.local.kind == mirror.Folder {
		// A replaced remote folder keeps its slot; adopt the new handle and
		// let the next round compare the contents.
		if node.RemoteHandle != obs.rem.Handle {
			node.RemoteHandle = obs.rem.Handle
		}
		node.State = mirror.Synced
		return
	}

	if node.RemoteHandle == remote.None {
		node.RemoteHandle = obs.rem.Handle
	}

	localChanged := !obs.local.fp.Equal(node.Fingerprint)
	remoteChanged := !fingerprint.Equivalent(node.Fingerprint, obs.rem.Fingerprint) ||
		node.RemoteHandle != obs.rem.Handle

	switch {
	case !localChanged && !remoteChanged:
		node.RemoteHandle = obs.rem.Handle
		node.State = mirror.Synced

	case localChanged && !remoteChanged:
		if r.up() {
			node.Fingerprint = obs.local.fp
			r.submit(executor.Action{
				Kind:     executor.Upload,
				Side:     executor.OnRemote,
				Target:   obs.path,
				Parent:   obs.parentHandle,
				Existing: obs.rem.Handle,
			}, node, mirror.PendingTransfer)
		} else {
			r.restoreFromRemote(obs, true)
		}

	case !localChanged && remoteChanged:
		if r.down() {
			r.restoreFromRemote(obs, false)
		} else {
			// The remote edit loses to the authoritative side; keep its
			// version recoverable from debris.
			node.Fingerprint = obs.local.fp
			r.submit(executor.Action{
				Kind:          executor.Upload,
				Side:          executor.OnRemote,
				Target:        obs.path,
				Parent:        obs.parentHandle,
				Existing:      obs.rem.Handle,
				PreserveFirst: true,
			}, node, mirror.PendingTransfer)
		}

	default:
		r.resolveEditClash(obs)
	}
}

// resolveEditClash handles a file changed on both sides since agreement.
// Whichever way it falls, the losing version lands in debris or under a
// conflict name first; an edit clash never silently discards bytes.
func (r *Reconciler) resolveEditClash(obs observation) {
	node := obs.node

	// Both sides may have arrived at the same bytes independently, but an
	// equivalent fingerprint can also hide a checksum collision. Fetch the
	// remote bytes and let the byte comparison decide: identical content
	// settles in place, a collision sets the local version aside.
	if fingerprint.Equivalent(obs.local.fp, obs.rem.Fingerprint) {
		node.RemoteHandle = obs.rem.Handle
		r.submit(executor.Action{
			Kind:       executor.Download,
			Side:       executor.OnLocal,
			Target:     obs.path,
			Handle:     obs.rem.Handle,
			KeepBothAs: conflictName(obs.path, r.clock.Now()),
		}, node, mirror.PendingTransfer)
		return
	}

	localWins := false
	switch r.direction {
	case config.DirectionUp:
		localWins = true
	case config.DirectionDown:
		localWins = false
	default:
		if obs.local.fp.MTime == obs.rem.Fingerprint.MTime {
			node.State = mirror.Conflicted
			r.logger.Warn("edit clash with equal timestamps", map[string]interface{}{"path": obs.path})
			return
		}
		localWins = obs.local.fp.MTime > obs.rem.Fingerprint.MTime
	}

	if localWins {
		node.Fingerprint = obs.local.fp
		r.submit(executor.Action{
			Kind:          executor.Upload,
			Side:          executor.OnRemote,
			Target:        obs.path,
			Parent:        obs.parentHandle,
			Existing:      obs.rem.Handle,
			PreserveFirst: true,
		}, node, mirror.PendingTransfer)
	} else {
		r.restoreFromRemote(obs, true)
	}
}

// conflictName derives the set-aside name for a collision loser, a dated
// sibling of the original.
func conflictName(rel string, now time.Time) string {
	ext := path.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	return fmt.Sprintf("%s (conflict %s)%s", stem, now.Format("2006-01-02"), ext)
}

// resolveKindClash handles a file standing where a folder should be, or the
// reverse. The authoritative side's shape is reinstated; with no authority
// the slot is flagged and left alone.
func (r *Reconciler) resolveKindClash(obs observation) {
	switch r.direction {
	case config.DirectionUp:
		r.submit(executor.Action{
			Kind:   executor.Delete,
			Side:   executor.OnRemote,
			Target: obs.path,
			Handle: obs.rem.Handle,
		}, obs.node, mirror.PendingDelete)
	case config.DirectionDown:
		r.submit(executor.Action{
			Kind:   executor.Delete,
			Side:   executor.OnLocal,
			Target: obs.path,
		}, obs.node, mirror.PendingDelete)
	default:
		obs.node.State = mirror.Conflicted
		r.logger.Warn("kind clash", map[string]interface{}{
			"path":   obs.path,
			"local":  obs.local.kind.String(),
			"remote": obs.rem.Kind.String(),
		})
	}
}

// restoreFromRemote downloads the remote version over the local slot.
// buryExisting preserves the displaced local file in debris.
func (r *Reconciler) restoreFromRemote(obs observation, buryExisting bool) {
	node := obs.node
	node.RemoteHandle = obs.rem.Handle
	r.submit(executor.Action{
		Kind:      executor.Download,
		Side:      executor.OnLocal,
		Target:    obs.path,
		Handle:    obs.rem.Handle,
		BuryFirst: buryExisting,
	}, node, mirror.PendingTransfer)
}

// applyRemoteGone handles a slot that vanished remotely while still present
// locally: a remote move claims it by handle, a remote delete propagates,
// and a local edit since agreement survives the delete by re-uploading.
func (r *Reconciler) applyRemoteGone(obs observation) {
	node := obs.node

	if node.RemoteHandle != remote.None && r.down() {
		if newPath, ok := r.remotePathOf(node.RemoteHandle); ok {
			r.applyRemoteMove(obs, newPath)
			return
		}
	}

	locallyEdited := node.Kind() == mirror.File && !obs.local.fp.Equal(node.Fingerprint)

	if r.up() && (r.direction == config.DirectionUp || locallyEdited) {
		// Resurrect: either this side is authoritative, or the local edit
		// outranks the remote delete.
		node.RemoteHandle = remote.None
		if node.Kind() == mirror.Folder {
			r.submit(executor.Action{
				Kind:   executor.CreateFolder,
				Side:   executor.OnRemote,
				Target: obs.path,
				Parent: obs.parentHandle,
			}, node, mirror.PendingCreate)
		} else {
			node.Fingerprint = obs.local.fp
			r.submit(executor.Action{
				Kind:   executor.Upload,
				Side:   executor.OnRemote,
				Target: obs.path,
				Parent: obs.parentHandle,
			}, node, mirror.PendingTransfer)
		}
		return
	}

	r.submit(executor.Action{
		Kind:   executor.Delete,
		Side:   executor.OnLocal,
		Target: obs.path,
	}, node, mirror.PendingDelete)
}

// applyRemoteMove replays a remote relocation locally, keeping the mirror
// subtree and its handles attached.
func (r *Reconciler) applyRemoteMove(obs observation, newPath string) {
	if existing := r.tree.Lookup(newPath); existing != nil && existing != obs.node {
		// Destination slot is still occupied in the mirror; wait for it to
		// settle rather than fight over the name.
		return
	}
	if err := r.tree.Move(obs.path, newPath); err != nil {
		r.logger.Warn("remote move bookkeeping failed", map[string]interface{}{
			"from": obs.path, "to": newPath, "error": err.Error(),
		})
		return
	}

	node := r.tree.Lookup(newPath)
	r.submit(executor.Action{
		Kind:   executor.Move,
		Side:   executor.OnLocal,
		Target: newPath,
		Source: obs.path,
	}, node, mirror.PendingMove)
}

// applyLocalGoneRestore reinstates a locally vanished entry from the
// remote, used when local changes are not propagated.
func (r *Reconciler) applyLocalGoneRestore(obs observation) {
	node := obs.node
	if node.Kind() == mirror.Folder {
		r.submit(executor.Action{
			Kind:   executor.CreateFolder,
			Side:   executor.OnLocal,
			Target: obs.path,
		}, node, mirror.PendingCreate)
		return
	}
	r.restoreFromRemote(obs, false)
}

// applyAdoption matches a slot present locally and remotely but missing
// from the mirror, the normal case right after a resume rescan.
func (r *Reconciler) applyAdoption(obs observation) {
	if r.tree.Lookup(obs.path) != nil {
		return
	}
	if kindsDisagree(obs.local.kind, obs.rem.Kind) {
		node, err := r.tree.Insert(obs.path, obs.local.kind)
		if err == nil {
			node.State = mirror.Conflicted
		}
		r.logger.Warn("kind clash on adoption", map[string]interface{}{"path": obs.path})
		return
	}

	node, err := r.tree.Insert(obs.path, obs.local.kind)
	if err != nil {
		return
	}
	node.RemoteHandle = obs.rem.Handle

	if obs.local.kind == mirror.Folder {
		node.State = mirror.Synced
		return
	}

	if fingerprint.Equivalent(obs.local.fp, obs.rem.Fingerprint) {
		node.Fingerprint = obs.local.fp
		node.State = mirror.Synced
		return
	}

	// Contents diverged while unobserved; settle it like an edit clash,
	// with a zero baseline so both sides count as changed.
	r.resolveEditClash(obs.withNode(node))
}

// applyNewRemote handles a slot only the remote has.
func (r *Reconciler) applyNewRemote(obs observation) {
	if r.tree.Lookup(obs.path) != nil {
		// A remote move claimed this slot earlier in the round.
		return
	}
	if !r.down() {
		// The local side is authoritative; a remote extra is unlinked.
		node, err := r.tree.Insert(obs.path, kindOf(obs.rem.Kind))
		if err != nil {
			return
		}
		node.RemoteHandle = obs.rem.Handle
		r.submit(executor.Action{
			Kind:   executor.Delete,
			Side:   executor.OnRemote,
			Target: obs.path,
			Handle: obs.rem.Handle,
		}, node, mirror.PendingDelete)
		return
	}

	node, err := r.tree.Insert(obs.path, kindOf(obs.rem.Kind))
	if err != nil {
		r.logger.Warn("cannot mirror new remote entry", map[string]interface{}{
			"path": obs.path, "error": err.Error(),
		})
		return
	}
	node.RemoteHandle = obs.rem.Handle

	if obs.rem.Kind == remote.FolderNode {
		r.submit(executor.Action{
			Kind:   executor.CreateFolder,
			Side:   executor.OnLocal,
			Target: obs.path,
		}, node, mirror.PendingCreate)
		return
	}

	r.submit(executor.Action{
		Kind:   executor.Download,
		Side:   executor.OnLocal,
		Target: obs.path,
		Handle: obs.rem.Handle,
	}, node, mirror.PendingTransfer)
}

// reapGraves turns graves past the move window into remote deletions. A
// remote edit since agreement outranks the local delete and is restored
// instead.
func (r *Reconciler) reapGraves() {
	for path, g := range r.graves {
		if !r.expired(g) {
			continue
		}
		delete(r.graves, path)

		node := g.node
		if node.Kind() == mirror.File && r.down() {
			if info, ok := r.view.Lookup(node.RemoteHandle); ok &&
				!fingerprint.Equivalent(node.Fingerprint, info.Fingerprint) {
				r.restoreFromRemote(observation{
					path: path,
					node: node,
					rem:  &info,
				}, false)
				continue
			}
		}

		r.submit(executor.Action{
			Kind:   executor.Delete,
			Side:   executor.OnRemote,
			Target: path,
			Handle: node.RemoteHandle,
		}, node, mirror.PendingDelete)
	}
}

// drainResults absorbs every finished action into the mirror.
func (r *Reconciler) drainResults() {
	for {
		select {
		case res, ok := <-r.exec.Results():
			if !ok {
				return
			}
			r.inflight--
			r.applyResult(res)
		default:
			return
		}
	}
}

func (r *Reconciler) applyResult(res executor.Result) {
	a := res.Action
	node := r.tree.Lookup(a.Target)

	if res.Err != nil {
		r.logger.Error("action failed", map[string]interface{}{
			"action": a.Kind.String(),
			"target": a.Target,
			"error":  res.Err.Error(),
		})
		if node != nil {
			node.State = mirror.Conflicted
		}
		return
	}

	switch a.Kind {
	case executor.CreateFolder:
		if node == nil {
			return
		}
		if a.Side == executor.OnRemote {
			node.RemoteHandle = res.Handle
		}
		node.State = mirror.Synced
		// The folder's contents have not been compared yet; revisit it even
		// when the next rounds are scoped.
		r.dirty[a.Target] = true

	case executor.Upload:
		if node == nil {
			return
		}
		if res.BuriedAt != "" {
			r.logger.Info("overwritten remote version preserved", map[string]interface{}{
				"path": a.Target, "debris": res.BuriedAt,
			})
		}
		node.RemoteHandle = res.Handle
		if info, ok := r.view.Lookup(res.Handle); ok {
			node.Fingerprint = info.Fingerprint
		}
		node.State = mirror.Synced

	case executor.Download:
		if node == nil {
			return
		}
		if res.KeptAt != "" {
			r.logger.Warn("fingerprint collision, kept both versions", map[string]interface{}{
				"path": a.Target, "kept": res.KeptAt,
			})
			// The set-aside copy is a fresh local file; make sure a scoped
			// round sees it.
			r.dirty[parentPath(res.KeptAt)] = true
		}
		node.RemoteHandle = a.Handle
		if info, ok := r.view.Lookup(a.Handle); ok {
			node.Fingerprint = info.Fingerprint
		}
		node.State = mirror.Synced

	case executor.Move, executor.Rename:
		if node == nil {
			return
		}
		node.State = mirror.Synced

	case executor.Delete:
		if res.BuriedAt != "" {
			r.logger.Info("soft-deleted", map[string]interface{}{
				"path": a.Target, "debris": res.BuriedAt,
			})
		}
		if err := r.tree.Remove(a.Target); err != nil {
			r.logger.Debug("delete target already unlinked from mirror", map[string]interface{}{
				"path": a.Target,
			})
		}
	}
}

// submit hands one action to the executor and marks the mirror node.
func (r *Reconciler) submit(a executor.Action, node *mirror.Node, state mirror.SyncState) {
	r.seq++
	a.Token = fmt.Sprintf("%d:%s:%s", r.seq, a.Kind, a.Target)
	if node != nil {
		node.State = state
	}
	r.inflight++
	r.exec.Submit(a)

	r.logger.Debug("scheduled", map[string]interface{}{
		"action": a.Kind.String(),
		"side":   a.Side.String(),
		"target": a.Target,
	})
}

// remotePathOf resolves a handle to its current root-relative path, if the
// node still lives under the view's root.
func (r *Reconciler) remotePathOf(h remote.Handle) (string, bool) {
	var parts []string
	for h != r.view.Root() {
		info, ok := r.view.Lookup(h)
		if !ok {
			return "", false
		}
		parts = append(parts, info.Name)
		h = info.Parent
		if h == remote.None {
			return "", false
		}
	}

	path := ""
	for i := len(parts) - 1; i >= 0; i-- {
		if path == "" {
			path = parts[i]
		} else {
			path += "/" + parts[i]
		}
	}
	if path == "" {
		return "", false
	}
	return path, true
}

func (r *Reconciler) abs(rel string) string {
	return filepath.Join(r.tree.LocalPath(), filepath.FromSlash(rel))
}

// withNode returns a copy of the observation bound to a different mirror
// node.
func (obs observation) withNode(node *mirror.Node) observation {
	out := obs
	out.node = node
	return out
}

func kindsDisagree(local mirror.Kind, rem remote.NodeKind) bool {
	return (local == mirror.File) != (rem == remote.FileNode)
}

func kindOf(k remote.NodeKind) mirror.Kind {
	if k == remote.FolderNode {
		return mirror.Folder
	}
	return mirror.File
}
