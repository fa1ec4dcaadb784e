package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

// Transfer moves file bytes between the local filesystem and the remote
// store. remote.GraphTransfer satisfies it for the in-memory graph.
//
// Download must verify the received bytes against the node's advertised
// fingerprint and report remote.ErrIntegrity on a mismatch; the executor
// retries integrity failures like any transient fault.
type Transfer interface {
	Upload(ctx context.Context, localPath string, parent, existing remote.Handle, name string) (remote.Handle, error)
	Download(ctx context.Context, h remote.Handle, destPath string) error
}

// Options configures an Executor.
type Options struct {
	// LocalRoot is the absolute path of the synced local subtree.
	LocalRoot string

	View     *remote.View
	Transfer Transfer
	Debris   *Debris

	// MaxTransfers bounds concurrently running uploads and downloads.
	// Non-transfer actions are not counted against it.
	MaxTransfers int

	// MaxRetries is the retry budget for transient failures.
	MaxRetries int

	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration

	Clock  clockwork.Clock
	Logger *logging.Logger
}

// Executor runs actions asynchronously. Actions touching the same path are
// serialized; independent actions run concurrently, with transfers bounded
// by MaxTransfers. Transient failures are retried with exponential backoff;
// terminal outcomes are delivered on Results.
type Executor struct {
	localRoot   string
	view        *remote.View
	transfer    Transfer
	debris      *Debris
	maxRetries  int
	backoffBase time.Duration
	clock       clockwork.Clock
	logger      *logging.Logger

	sem     *semaphore.Weighted
	results chan Result

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
	completed map[string]Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.MaxTransfers <= 0 {
		opts.MaxTransfers = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger().WithComponent("executor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		localRoot:   opts.LocalRoot,
		view:        opts.View,
		transfer:    opts.Transfer,
		debris:      opts.Debris,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		clock:       opts.Clock,
		logger:      opts.Logger,
		sem:         semaphore.NewWeighted(int64(opts.MaxTransfers)),
		results:     make(chan Result, 256),
		pathLocks:   make(map[string]*sync.Mutex),
		completed:   make(map[string]Result),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Results returns the terminal outcome stream. The channel is closed by
// Close after all in-flight actions have finished.
func (e *Executor) Results() <-chan Result {
	return e.results
}

// Submit schedules an action. A token that already completed is answered
// with its recorded result instead of being executed again.
func (e *Executor) Submit(a Action) {
	e.mu.Lock()
	if prev, done := e.completed[a.Token]; done && a.Token != "" {
		e.mu.Unlock()
		e.emit(prev)
		return
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(a)
	}()
}

// Close waits for in-flight actions and closes the result stream.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
	close(e.results)
}

func (e *Executor) run(a Action) {
	for _, key := range a.lockKeys() {
		lock := e.pathLock(key)
		lock.Lock()
		defer lock.Unlock()
	}

	var (
		res Result
		err error
	)
	res.Action = a

	for attempt := 0; ; attempt++ {
		err = e.execute(a, &res)
		if err == nil {
			break
		}
		if permanent(err) || e.ctx.Err() != nil {
			res.Err = errors.Join(remote.ErrPermanent, err)
			res.Permanent = true
			break
		}
		if attempt >= e.maxRetries {
			res.Err = errors.Join(remote.ErrPermanent, fmt.Errorf("retry budget exhausted: %w", err))
			res.Permanent = true
			break
		}

		delay := e.backoffBase << uint(attempt)
		e.logger.WithFields(map[string]interface{}{
			"action":  a.Kind.String(),
			"target":  a.Target,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn(fmt.Sprintf("action failed, retrying: %v", err))

		select {
		case <-e.ctx.Done():
			res.Err = errors.Join(remote.ErrPermanent, e.ctx.Err())
			res.Permanent = true
		case <-e.clock.After(delay):
			continue
		}
		break
	}

	if res.Err != nil {
		e.logger.WithFields(map[string]interface{}{
			"action": a.Kind.String(),
			"side":   a.Side.String(),
			"target": a.Target,
		}).Error(fmt.Sprintf("action failed permanently: %v", res.Err))
	} else {
		e.logger.WithFields(map[string]interface{}{
			"action": a.Kind.String(),
			"side":   a.Side.String(),
			"target": a.Target,
		}).Debug("action completed")
	}

	e.mu.Lock()
	if a.Token != "" {
		e.completed[a.Token] = res
	}
	e.mu.Unlock()

	e.emit(res)
}

func (e *Executor) emit(res Result) {
	select {
	case e.results <- res:
	case <-e.ctx.Done():
		// Drop on shutdown; the next startup rescan re-derives the state.
	}
}

func (e *Executor) execute(a Action, res *Result) error {
	switch a.Kind {
	case CreateFolder:
		h, err := e.createFolder(a)
		res.Handle = h
		return err
	case Upload:
		h, buried, err := e.upload(a)
		res.Handle, res.BuriedAt = h, buried
		return err
	case Download:
		kept, err := e.download(a)
		res.KeptAt = kept
		return err
	case Move, Rename:
		return e.relocate(a)
	case Delete:
		buried, err := e.remove(a)
		res.BuriedAt = buried
		return err
	default:
		return fmt.Errorf("unknown action kind %d", a.Kind)
	}
}

func (e *Executor) createFolder(a Action) (remote.Handle, error) {
	if a.Side == OnLocal {
		if err := os.MkdirAll(e.abs(a.Target), 0755); err != nil {
			return remote.None, fmt.Errorf("failed to create local folder: %w", err)
		}
		return remote.None, nil
	}

	name := path.Base(a.Target)
	tag := e.view.Create(a.Parent, name, remote.FolderNode)
	c, err := e.view.Wait(e.ctx, tag)
	if err != nil {
		return remote.None, err
	}
	if errors.Is(c.Err, remote.ErrNameExists) {
		// A previous attempt, or another client, already made it; adopt.
		if info, ok := e.view.ChildByName(a.Parent, name); ok && info.Kind == remote.FolderNode {
			return info.Handle, nil
		}
	}
	if c.Err != nil {
		return remote.None, c.Err
	}
	return c.Handle, nil
}

func (e *Executor) upload(a Action) (remote.Handle, string, error) {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return remote.None, "", err
	}
	defer e.sem.Release(1)

	buried := ""
	if a.PreserveFirst && a.Existing != remote.None {
		b, err := e.preserveRemote(a)
		if err != nil {
			return remote.None, "", err
		}
		buried = b
	}

	h, err := e.transfer.Upload(e.ctx, e.abs(a.Target), a.Parent, a.Existing, path.Base(a.Target))
	return h, buried, err
}

// preserveRemote fetches the remote version an upload is about to overwrite
// and files it into today's debris bucket. A remote that vanished in the
// meantime leaves nothing to preserve.
func (e *Executor) preserveRemote(a Action) (string, error) {
	tmpDir, err := e.debris.TmpDir()
	if err != nil {
		return "", err
	}
	staged := filepath.Join(tmpDir, fmt.Sprintf("ov-%d-%s", a.Existing, path.Base(a.Target)))

	if err := e.transfer.Download(e.ctx, a.Existing, staged); err != nil {
		os.Remove(staged)
		if errors.Is(err, remote.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return e.debris.BuryFrom(a.Target, staged)
}

// download stages the bytes in the debris tmp directory and renames into
// place, so a crash mid-transfer never leaves a half-written file at the
// target path.
func (e *Executor) download(a Action) (string, error) {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return "", err
	}
	defer e.sem.Release(1)

	tmpDir, err := e.debris.TmpDir()
	if err != nil {
		return "", err
	}
	staged := filepath.Join(tmpDir, fmt.Sprintf("dl-%d-%s", a.Handle, path.Base(a.Target)))

	if err := e.transfer.Download(e.ctx, a.Handle, staged); err != nil {
		os.Remove(staged)
		return "", err
	}

	dst := e.abs(a.Target)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("failed to create download parent: %w", err)
	}

	kept := ""
	if a.KeepBothAs != "" {
		kept, err = e.keepBoth(a, staged, dst)
		if err != nil {
			os.Remove(staged)
			return "", err
		}
	}
	if a.BuryFirst {
		if _, err := os.Lstat(dst); err == nil {
			if _, err := e.debris.Bury(a.Target); err != nil {
				os.Remove(staged)
				return "", err
			}
		}
	}
	if err := os.Rename(staged, dst); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("failed to place download: %w", err)
	}
	return kept, nil
}

// keepBoth compares the staged download with the current local file. Equal
// bytes confirm the fingerprints told the truth and the download proceeds
// as an overwrite; diverging bytes mean a checksum collision, so the local
// version moves aside to the KeepBothAs name before the remote bytes land.
func (e *Executor) keepBoth(a Action, staged, dst string) (string, error) {
	if _, err := os.Lstat(dst); err != nil {
		return "", nil
	}
	same, err := identicalFiles(dst, staged)
	if err != nil || same {
		return "", err
	}

	alt := e.abs(a.KeepBothAs)
	if _, err := os.Lstat(alt); err == nil {
		alt, err = numberedName(alt)
		if err != nil {
			return "", err
		}
	}
	if err := os.Rename(dst, alt); err != nil {
		return "", fmt.Errorf("failed to set aside local version: %w", err)
	}

	rel, err := filepath.Rel(e.localRoot, alt)
	if err != nil {
		return a.KeepBothAs, nil
	}
	return filepath.ToSlash(rel), nil
}

func (e *Executor) relocate(a Action) error {
	if a.Side == OnLocal {
		src, dst := e.abs(a.Source), e.abs(a.Target)
		if _, err := os.Lstat(src); os.IsNotExist(err) {
			if _, err := os.Lstat(dst); err == nil {
				return nil // a previous attempt won
			}
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to create move destination parent: %w", err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move %s: %w", a.Source, err)
		}
		return nil
	}

	var tag uint64
	if a.Kind == Rename {
		tag = e.view.Rename(a.Handle, path.Base(a.Target))
	} else {
		tag = e.view.Move(a.Handle, a.Parent, path.Base(a.Target), a.Overwrite)
	}
	c, err := e.view.Wait(e.ctx, tag)
	if err != nil {
		return err
	}
	return c.Err
}

func (e *Executor) remove(a Action) (string, error) {
	if a.Side == OnLocal {
		return e.debris.Bury(a.Target)
	}

	tag := e.view.Unlink(a.Handle)
	c, err := e.view.Wait(e.ctx, tag)
	if err != nil {
		return "", err
	}
	if errors.Is(c.Err, remote.ErrNotFound) {
		return "", nil // already gone
	}
	return "", c.Err
}

func (e *Executor) abs(rel string) string {
	return filepath.Join(e.localRoot, filepath.FromSlash(rel))
}

func (e *Executor) pathLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.pathLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.pathLocks[key] = lock
	}
	return lock
}

// lockKeys returns the paths an action must hold, sorted so that two
// actions contending on the same pair always acquire in the same order.
func (a Action) lockKeys() []string {
	keys := []string{a.Target}
	if a.Source != "" && a.Source != a.Target {
		keys = append(keys, a.Source)
	}
	sort.Strings(keys)
	return keys
}

// permanent reports whether an error is not worth retrying.
func permanent(err error) bool {
	switch {
	case errors.Is(err, remote.ErrNotFound),
		errors.Is(err, remote.ErrQuota),
		errors.Is(err, remote.ErrNameExists),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}
