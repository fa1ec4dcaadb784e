package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheEntropyCollective/driftsync/pkg/executor"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/driftsync/pkg/mirror"
	"github.com/TheEntropyCollective/driftsync/pkg/notify"
	"github.com/TheEntropyCollective/driftsync/pkg/persist"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// ChangeSource is the minimal change-notification contract the engine
// needs; both notify.Watcher and notify.Poller satisfy it.
type ChangeSource interface {
	Events() <-chan notify.Event
	Close() error
}

// EngineOptions assembles one sync root.
type EngineOptions struct {
	Root     config.RootConfig
	Graph    remote.Graph
	Transfer executor.Transfer

	// StateDir is where the mirror snapshot lives; empty disables
	// persistence.
	StateDir string

	// Source overrides the change source; nil means a native watcher, or a
	// poller when the watcher cannot start.
	Source ChangeSource

	// TickInterval paces reconciliation rounds. Zero means 100ms.
	TickInterval time.Duration

	Clock  clockwork.Clock
	Logger *logging.Logger
}

// Engine runs one sync root end to end: it feeds filesystem notifications
// into the queue, ticks the reconciler, and snapshots the mirror on a
// cadence and at shutdown.
type Engine struct {
	root   config.RootConfig
	view   *remote.View
	queue  *notify.Queue
	source ChangeSource
	exec   *executor.Executor
	rec    *Reconciler

	snapshotPath string
	tickInterval time.Duration
	clock        clockwork.Clock
	logger       *logging.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine builds the full stack for one sync root and resumes from its
// snapshot when one exists.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger().WithComponent("engine")
	}
	rc := opts.Root

	view, err := remote.NewView(opts.Graph, remote.Handle(rc.RemoteRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to open remote view: %w", err)
	}

	var snapshotPath string
	if opts.StateDir != "" {
		snapshotPath = filepath.Join(opts.StateDir, rc.ID+".snapshot")
	}
	tree := resumeTree(snapshotPath, rc.LocalPath, view.Root(), opts.Logger)

	debris := executor.NewDebris(rc.LocalPath, rc.DebrisFolder, opts.Clock)
	exec := executor.New(executor.Options{
		LocalRoot:    rc.LocalPath,
		View:         view,
		Transfer:     opts.Transfer,
		Debris:       debris,
		MaxTransfers: rc.MaxTransfers,
		MaxRetries:   rc.MaxRetries,
		Clock:        opts.Clock,
		Logger:       opts.Logger.WithComponent("executor"),
	})

	queue := notify.NewQueue(rc.QueueSanityLimit)

	source := opts.Source
	if source == nil {
		watcher, err := notify.NewWatcher(rc.LocalPath, notify.WatcherOptions{
			Debounce:    rc.Debounce(),
			IgnoreNames: []string{rc.DebrisFolder},
			Clock:       opts.Clock,
			Logger:      opts.Logger.WithComponent("notify"),
		})
		if err != nil {
			opts.Logger.Warn("native watcher unavailable, polling instead", map[string]interface{}{
				"root":  rc.ID,
				"error": err.Error(),
			})
			source = notify.NewPoller(rc.LocalPath, rc.Debounce()*4, []string{rc.DebrisFolder}, opts.Clock)
		} else {
			source = watcher
		}
	}

	rec := New(Options{
		Tree:         tree,
		View:         view,
		Exec:         exec,
		Queue:        queue,
		Direction:    rc.Direction,
		DebrisFolder: rc.DebrisFolder,
		MoveWindow:   rc.MoveWindow(),
		FullSweep:    rc.RescanInterval(),
		Clock:        opts.Clock,
		Logger:       opts.Logger.WithComponent("reconcile"),
	})

	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}

	return &Engine{
		root:         rc,
		view:         view,
		queue:        queue,
		source:       source,
		exec:         exec,
		rec:          rec,
		snapshotPath: snapshotPath,
		tickInterval: tickInterval,
		clock:        opts.Clock,
		logger:       opts.Logger,
		done:         make(chan struct{}),
	}, nil
}

// resumeTree loads the snapshot when it matches the configured pair; any
// mismatch or read failure falls back to an empty mirror and a full
// first-round rescan.
func resumeTree(snapshotPath, localPath string, root remote.Handle, logger *logging.Logger) *mirror.Tree {
	if snapshotPath != "" {
		tree, err := persist.Load(snapshotPath, localPath)
		if err == nil && tree.Root().RemoteHandle == root {
			logger.Info("resumed from snapshot", map[string]interface{}{
				"snapshot": snapshotPath,
				"nodes":    tree.Len(),
			})
			return tree
		}
		if err != nil && !os.IsNotExist(err) {
			logger.Warn("snapshot unusable, starting fresh", map[string]interface{}{
				"snapshot": snapshotPath,
				"error":    err.Error(),
			})
		}
	}

	tree := mirror.NewTree(localPath)
	tree.Root().RemoteHandle = root
	return tree
}

// Reconciler exposes the engine's reconciler, mainly for inspection.
func (e *Engine) Reconciler() *Reconciler {
	return e.rec
}

// Run ticks the engine until ctx is done or a root is lost. The mirror is
// snapshotted on the configured cadence and once more on the way out.
func (e *Engine) Run(ctx context.Context) error {
	e.wg.Add(1)
	go e.pumpEvents()

	ticker := e.clock.NewTicker(e.tickInterval)
	defer ticker.Stop()

	var snapshotC <-chan time.Time
	if e.snapshotPath != "" {
		snapshotTicker := e.clock.NewTicker(e.root.SnapshotInterval())
		defer snapshotTicker.Stop()
		snapshotC = snapshotTicker.Chan()
	}

	e.logger.Info("sync running", map[string]interface{}{
		"root":      e.root.ID,
		"local":     e.root.LocalPath,
		"direction": string(e.root.Direction),
	})

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case <-snapshotC:
			e.snapshot()

		case <-ticker.Chan():
			if err := e.rec.Tick(); err != nil {
				if errors.Is(err, ErrSyncRootLost) {
					e.logger.Error("stopping: sync root lost", map[string]interface{}{
						"root":  e.root.ID,
						"error": err.Error(),
					})
					e.shutdown()
					return err
				}
				e.logger.Warn("reconciliation round failed", map[string]interface{}{
					"root":  e.root.ID,
					"error": err.Error(),
				})
			}
		}
	}
}

// pumpEvents moves change notifications into the priority queue.
func (e *Engine) pumpEvents() {
	defer e.wg.Done()

	changes := e.view.Changes()
	for {
		select {
		case <-e.done:
			return
		case event, ok := <-e.source.Events():
			if !ok {
				return
			}
			e.queue.Push(event)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			// Remote changes carry handles, not local paths; fold them
			// into one full observation on the next round. The queue
			// coalesces by path, so a burst costs a single entry.
			e.queue.Push(notify.Event{Path: notify.RescanAll, Op: notify.Changed})
		}
	}
}

func (e *Engine) shutdown() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.source.Close()
	e.wg.Wait()
	e.exec.Close()
	e.rec.drainResults()
	e.snapshot()
	e.view.Close()
}

func (e *Engine) snapshot() {
	if e.snapshotPath == "" {
		return
	}
	if err := persist.Save(e.snapshotPath, e.rec.Tree(), e.clock.Now().Unix()); err != nil {
		e.logger.Error("snapshot failed", map[string]interface{}{
			"snapshot": e.snapshotPath,
			"error":    err.Error(),
		})
		return
	}
	e.logger.Debug("snapshot written", map[string]interface{}{
		"snapshot": e.snapshotPath,
		"nodes":    e.rec.Tree().Len(),
	})
}
