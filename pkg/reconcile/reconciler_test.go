package reconcile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/driftsync/pkg/executor"
	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/driftsync/pkg/mirror"
	"github.com/TheEntropyCollective/driftsync/pkg/notify"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

const testMoveWindow = 2 * time.Second

type harness struct {
	t     *testing.T
	dir   string
	graph *remote.MemGraph
	view  *remote.View
	exec  *executor.Executor
	queue *notify.Queue
	clock *clockwork.FakeClock
	rec   *Reconciler
}

func newHarness(t *testing.T, direction config.Direction) *harness {
	t.Helper()
	return newHarnessSweep(t, direction, 0)
}

// newHarnessSweep builds a harness with a full-sweep cadence; the default
// harness sweeps fully on every round so direct Tick tests never depend on
// the backlog.
func newHarnessSweep(t *testing.T, direction config.Direction, fullSweep time.Duration) *harness {
	t.Helper()

	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))

	graph := remote.NewMemGraph()
	view, err := remote.NewView(graph, graph.Root())
	require.NoError(t, err)

	exec := executor.New(executor.Options{
		LocalRoot:    dir,
		View:         view,
		Transfer:     remote.NewGraphTransfer(graph),
		Debris:       executor.NewDebris(dir, ".debris", clock),
		MaxTransfers: 4,
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
	})

	tree := mirror.NewTree(dir)
	tree.Root().RemoteHandle = view.Root()

	queue := notify.NewQueue(64)
	rec := New(Options{
		Tree:         tree,
		View:         view,
		Exec:         exec,
		Queue:        queue,
		Direction:    direction,
		DebrisFolder: ".debris",
		MoveWindow:   testMoveWindow,
		FullSweep:    fullSweep,
		Clock:        clock,
	})

	t.Cleanup(func() {
		exec.Close()
		view.Close()
	})

	return &harness{
		t:     t,
		dir:   dir,
		graph: graph,
		view:  view,
		exec:  exec,
		queue: queue,
		clock: clock,
		rec:   rec,
	}
}

func (h *harness) put(rel, content string, mtime int64) {
	h.t.Helper()
	path := filepath.Join(h.dir, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644))
	stamp := time.Unix(mtime, 0)
	require.NoError(h.t, os.Chtimes(path, stamp, stamp))
}

func (h *harness) mkdir(rel string) {
	h.t.Helper()
	require.NoError(h.t, os.MkdirAll(filepath.Join(h.dir, filepath.FromSlash(rel)), 0755))
}

func (h *harness) read(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, filepath.FromSlash(rel)))
	require.NoError(h.t, err)
	return string(data)
}

// settle ticks until nothing is pending anywhere, failing the test if the
// trees never come to rest.
func (h *harness) settle() {
	h.t.Helper()
	h.settleFor(10 * time.Second)
}

func (h *harness) settleFor(budget time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		require.NoError(h.t, h.rec.Tick())
		if h.rec.Settled() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("trees did not settle: inflight=%d graves=%d pending=%d",
		h.rec.InFlight(), len(h.rec.graves), h.rec.Tree().PendingCount())
}

func (h *harness) confirm() {
	h.t.Helper()
	opts := mirror.CompareOpts{IgnoreDebris: true, DebrisFolder: ".debris"}
	assert.NoError(h.t, h.rec.Tree().ConfirmLocal(opts), "local drift")
	assert.NoError(h.t, h.rec.Tree().ConfirmRemote(h.view, opts), "remote drift")
}

// remoteByPath resolves a slash path below the remote root.
func (h *harness) remoteByPath(rel string) (remote.NodeInfo, bool) {
	h.t.Helper()
	cur := h.view.Root()
	var info remote.NodeInfo
	var ok bool
	for _, part := range splitSlash(rel) {
		info, ok = h.view.ChildByName(cur, part)
		if !ok {
			return remote.NodeInfo{}, false
		}
		cur = info.Handle
	}
	return info, ok
}

func splitSlash(rel string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(rel); i++ {
		if i == len(rel) || rel[i] == '/' {
			if i > start {
				parts = append(parts, rel[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

func TestInitialUploadSync(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)

	h.put("top.txt", "top", 100)
	h.put("f/one.txt", "one", 101)
	h.put("f/f_2/two.txt", "two", 102)
	h.put("f/f_2/f_2_1/deep.txt", "deep", 103)

	h.settle()
	h.confirm()

	// root + 3 folders + 4 files
	assert.Equal(t, 8, h.graph.NodeCount())
	assert.Equal(t, 7, h.rec.Tree().Len())
}

func TestInitialDownloadSync(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)

	folder := h.graph.MkdirNow(h.graph.Root(), "docs")
	h.graph.PutFileNow(h.graph.Root(), "readme.txt", []byte("hello"), 100)
	h.graph.PutFileNow(folder, "inner.txt", []byte("inner"), 101)

	h.settle()
	h.confirm()

	assert.Equal(t, "hello", h.read("readme.txt"))
	assert.Equal(t, "inner", h.read("docs/inner.txt"))
}

func TestTwoWayMerge(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)

	h.put("local.txt", "from disk", 100)
	h.graph.PutFileNow(h.graph.Root(), "remote.txt", []byte("from graph"), 101)

	h.settle()
	h.confirm()

	assert.Equal(t, "from graph", h.read("remote.txt"))
	if _, ok := h.remoteByPath("local.txt"); !ok {
		t.Error("local file not uploaded")
	}
}

func TestSettledTreesScheduleNothing(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("a.txt", "a", 100)
	h.put("d/b.txt", "b", 101)
	h.settle()

	nodes := h.graph.NodeCount()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.rec.Tick())
		assert.Zero(t, h.rec.InFlight(), "settled trees must schedule nothing")
	}
	assert.Equal(t, nodes, h.graph.NodeCount())
}

func TestLocalEditPropagates(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("doc.txt", "version one", 100)
	h.settle()

	before, ok := h.remoteByPath("doc.txt")
	require.True(t, ok)

	h.put("doc.txt", "version two, longer", 200)
	h.settle()
	h.confirm()

	after, ok := h.remoteByPath("doc.txt")
	require.True(t, ok)
	assert.Equal(t, before.Handle, after.Handle, "overwrite upload must keep the handle")
	assert.NotEqual(t, before.Fingerprint.CRC, after.Fingerprint.CRC)
}

func TestRemoteEditPropagates(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("doc.txt", "version one", 100)
	h.settle()

	h.graph.PutFileNow(h.graph.Root(), "doc.txt", []byte("rewritten remotely"), 200)
	h.settle()
	h.confirm()

	assert.Equal(t, "rewritten remotely", h.read("doc.txt"))
}

func TestLocalRenameKeepsRemoteHandle(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("old-name.txt", "stable content", 100)
	h.settle()

	before, ok := h.remoteByPath("old-name.txt")
	require.True(t, ok)

	require.NoError(t, os.Rename(
		filepath.Join(h.dir, "old-name.txt"),
		filepath.Join(h.dir, "new-name.txt"),
	))
	h.settle()
	h.confirm()

	after, ok := h.remoteByPath("new-name.txt")
	require.True(t, ok)
	assert.Equal(t, before.Handle, after.Handle, "rename must move, not recreate")
	if _, ok := h.remoteByPath("old-name.txt"); ok {
		t.Error("old name still present remotely")
	}
}

func TestLocalFolderMoveKeepsHandles(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("src/a.txt", "aaa", 100)
	h.put("src/sub/b.txt", "bbb", 101)
	h.mkdir("dest")
	h.settle()

	folderBefore, ok := h.remoteByPath("src")
	require.True(t, ok)
	fileBefore, ok := h.remoteByPath("src/sub/b.txt")
	require.True(t, ok)

	require.NoError(t, os.Rename(
		filepath.Join(h.dir, "src"),
		filepath.Join(h.dir, "dest", "moved"),
	))
	h.settle()
	h.confirm()

	folderAfter, ok := h.remoteByPath("dest/moved")
	require.True(t, ok)
	assert.Equal(t, folderBefore.Handle, folderAfter.Handle)

	fileAfter, ok := h.remoteByPath("dest/moved/sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, fileBefore.Handle, fileAfter.Handle, "descendants ride along on a folder move")
}

func TestFolderMoveWithEqualSignSiblings(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("box/x", "one", 100)
	h.put("box/x!y", "two", 101)
	h.settle()

	before, ok := h.remoteByPath("box")
	require.True(t, ok)

	require.NoError(t, os.Rename(
		filepath.Join(h.dir, "box"),
		filepath.Join(h.dir, "crate"),
	))
	h.settle()
	h.confirm()

	// "x" sorts before "x!y" by name but after it once "=<sig>" is
	// appended; the content signatures must still pair the move.
	after, ok := h.remoteByPath("crate")
	require.True(t, ok)
	assert.Equal(t, before.Handle, after.Handle, "folder move must keep the handle")
}

func TestLocalDeleteWaitsForMoveWindow(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("gone.txt", "bye", 100)
	h.settle()

	require.NoError(t, os.Remove(filepath.Join(h.dir, "gone.txt")))
	require.NoError(t, h.rec.Tick())

	// Within the window nothing is deleted remotely.
	if _, ok := h.remoteByPath("gone.txt"); !ok {
		t.Fatal("remote delete fired before the move window elapsed")
	}

	h.clock.Advance(testMoveWindow + time.Second)
	h.settle()
	h.confirm()

	if _, ok := h.remoteByPath("gone.txt"); ok {
		t.Error("remote copy should be gone after the window")
	}
}

func TestRemoteDeleteBuriesLocal(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("doomed.txt", "precious", 100)
	h.settle()

	info, ok := h.remoteByPath("doomed.txt")
	require.True(t, ok)
	h.graph.UnlinkNow(info.Handle)

	h.settle()
	h.confirm()

	buried := filepath.Join(h.dir, ".debris", "2026-08-30", "doomed.txt")
	data, err := os.ReadFile(buried)
	require.NoError(t, err, "deleted file must be recoverable from debris")
	assert.Equal(t, "precious", string(data))
}

func TestRemoteMoveAppliesLocally(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("wander.txt", "walking", 100)
	h.mkdir("target")
	h.settle()

	info, ok := h.remoteByPath("wander.txt")
	require.True(t, ok)
	targetInfo, ok := h.remoteByPath("target")
	require.True(t, ok)

	h.graph.MoveNow(info.Handle, targetInfo.Handle, "arrived.txt")
	h.settle()
	h.confirm()

	assert.Equal(t, "walking", h.read("target/arrived.txt"))
	node := h.rec.Tree().Lookup("target/arrived.txt")
	require.NotNil(t, node)
	assert.Equal(t, info.Handle, node.RemoteHandle, "mirror keeps the moved node's handle")
}

func TestEditClashNewerWins(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("clash.txt", "base", 100)
	h.settle()

	// Local edit is older than the remote edit.
	h.put("clash.txt", "local edit", 200)
	h.graph.PutFileNow(h.graph.Root(), "clash.txt", []byte("remote edit"), 300)

	h.settle()
	h.confirm()

	assert.Equal(t, "remote edit", h.read("clash.txt"))

	// The losing local edit is preserved in debris.
	buried := filepath.Join(h.dir, ".debris", "2026-08-30", "clash.txt")
	data, err := os.ReadFile(buried)
	require.NoError(t, err, "losing version must land in debris")
	assert.Equal(t, "local edit", string(data))
}

func TestEditClashLocalNewerWins(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("clash.txt", "base", 100)
	h.settle()

	h.graph.PutFileNow(h.graph.Root(), "clash.txt", []byte("remote edit"), 200)
	h.put("clash.txt", "local edit", 300)

	h.settle()
	h.confirm()

	info, ok := h.remoteByPath("clash.txt")
	require.True(t, ok)
	fp, err := fingerprint.OfFile(filepath.Join(h.dir, "clash.txt"))
	require.NoError(t, err)
	assert.True(t, fingerprint.Equivalent(fp, info.Fingerprint), "remote should carry the local winner")
	assert.Equal(t, "local edit", h.read("clash.txt"))
}

func TestEditClashLocalWinsBuriesRemoteLoser(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("clash.txt", "base", 100)
	h.settle()

	h.graph.PutFileNow(h.graph.Root(), "clash.txt", []byte("remote edit"), 200)
	h.put("clash.txt", "local edit wins", 300)

	h.settle()
	h.confirm()

	info, ok := h.remoteByPath("clash.txt")
	require.True(t, ok)
	assert.Equal(t, int64(len("local edit wins")), info.Fingerprint.Size)

	// The overwritten remote edit is preserved in debris.
	buried := filepath.Join(h.dir, ".debris", "2026-08-30", "clash.txt")
	data, err := os.ReadFile(buried)
	require.NoError(t, err, "losing version must land in debris")
	assert.Equal(t, "remote edit", string(data))
}

func TestEditClashSameBytesSettlesByVerification(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("same.txt", "base", 100)
	h.settle()

	// Both sides wrote identical bytes at different times. The round fetches
	// the remote copy, finds no divergence, and settles without leaving a
	// conflict copy behind.
	h.graph.PutFileNow(h.graph.Root(), "same.txt", []byte("converged bytes"), 200)
	h.put("same.txt", "converged bytes", 300)

	h.settle()
	h.confirm()

	assert.Equal(t, "converged bytes", h.read("same.txt"))
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "conflict")
	}
}

func TestEditClashEqualTimesConflicts(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("tie.txt", "base", 100)
	h.put("bystander.txt", "fine", 100)
	h.settle()

	h.put("tie.txt", "local tie", 500)
	h.graph.PutFileNow(h.graph.Root(), "tie.txt", []byte("remote tie"), 500)

	h.settle()

	conflicted := h.rec.Tree().ConflictedPaths()
	require.Equal(t, []string{"tie.txt"}, conflicted)

	// Neither side was clobbered.
	assert.Equal(t, "local tie", h.read("tie.txt"))
	info, ok := h.remoteByPath("tie.txt")
	require.True(t, ok)
	assert.Equal(t, int64(10), info.Fingerprint.Size)

	// The conflict does not block the bystander.
	h.put("bystander.txt", "still syncing", 600)
	h.settle()
	after, ok := h.remoteByPath("bystander.txt")
	require.True(t, ok)
	assert.Equal(t, int64(len("still syncing")), after.Fingerprint.Size)
}

func TestRemoteDeleteLosesToLocalEdit(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("contested.txt", "base", 100)
	h.settle()

	info, ok := h.remoteByPath("contested.txt")
	require.True(t, ok)

	h.put("contested.txt", "edited after the delete", 200)
	h.graph.UnlinkNow(info.Handle)

	h.settle()
	h.confirm()

	// The edit survives as a fresh upload.
	revived, ok := h.remoteByPath("contested.txt")
	require.True(t, ok, "edited file must be resurrected remotely")
	assert.NotEqual(t, info.Handle, revived.Handle)
	assert.Equal(t, "edited after the delete", h.read("contested.txt"))
}

func TestUploadOnlyIgnoresNothingAndRestoresRemote(t *testing.T) {
	h := newHarness(t, config.DirectionUp)
	h.put("mine.txt", "authoritative", 100)
	h.settle()
	h.confirm()

	// A remote extra is removed; the local side is the source of truth.
	h.graph.PutFileNow(h.graph.Root(), "foreign.txt", []byte("intruder"), 200)
	h.settle()

	if _, ok := h.remoteByPath("foreign.txt"); ok {
		t.Error("upload-only sync should remove remote extras")
	}
	if _, err := os.Stat(filepath.Join(h.dir, "foreign.txt")); !os.IsNotExist(err) {
		t.Error("remote extra must not be downloaded")
	}

	// A remote edit is overwritten with the local content.
	h.graph.PutFileNow(h.graph.Root(), "mine.txt", []byte("remote tamper"), 300)
	h.settle()
	info, ok := h.remoteByPath("mine.txt")
	require.True(t, ok)
	fp, err := fingerprint.OfFile(filepath.Join(h.dir, "mine.txt"))
	require.NoError(t, err)
	assert.True(t, fingerprint.Equivalent(fp, info.Fingerprint), "local content restored remotely")
}

func TestDownloadOnlyBuriesLocalExtras(t *testing.T) {
	h := newHarness(t, config.DirectionDown)
	h.graph.PutFileNow(h.graph.Root(), "official.txt", []byte("published"), 100)
	h.settle()
	assert.Equal(t, "published", h.read("official.txt"))

	// Local extra is soft-deleted, not uploaded.
	h.put("scratch.txt", "notes", 200)
	h.settle()

	if _, ok := h.remoteByPath("scratch.txt"); ok {
		t.Error("download-only sync must not upload")
	}
	if _, err := os.Stat(filepath.Join(h.dir, "scratch.txt")); !os.IsNotExist(err) {
		t.Error("local extra should be buried")
	}
	buried := filepath.Join(h.dir, ".debris", "2026-08-30", "scratch.txt")
	if _, err := os.Stat(buried); err != nil {
		t.Errorf("local extra should be recoverable from debris: %v", err)
	}

	// Local edit is rolled back to the remote version.
	h.put("official.txt", "defaced", 300)
	h.settle()
	assert.Equal(t, "published", h.read("official.txt"))
}

func TestScopedRoundsFollowTheBacklog(t *testing.T) {
	const sweep = time.Hour
	h := newHarnessSweep(t, config.DirectionTwoWay, sweep)

	h.put("d/b.txt", "1", 100)
	h.settle()

	// An edit no event reported stays invisible to scoped rounds.
	h.put("d/b.txt", "grown quietly", 200)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.rec.Tick())
	}
	info, ok := h.remoteByPath("d/b.txt")
	require.True(t, ok)
	assert.Equal(t, int64(1), info.Fingerprint.Size, "scoped rounds must not revisit quiet subtrees")

	// Once the backlog names the path, the next rounds pick it up.
	h.queue.Push(notify.Event{Path: "d/b.txt", Op: notify.Changed})
	h.settle()
	info, ok = h.remoteByPath("d/b.txt")
	require.True(t, ok)
	assert.Equal(t, int64(len("grown quietly")), info.Fingerprint.Size)

	// Another quiet change waits for the cadence full walk.
	h.put("d/c.txt", "late", 300)
	require.NoError(t, h.rec.Tick())
	if _, ok := h.remoteByPath("d/c.txt"); ok {
		t.Fatal("quiet create should wait for the full sweep")
	}

	h.clock.Advance(sweep + time.Second)
	h.settle()
	h.confirm()
	if _, ok := h.remoteByPath("d/c.txt"); !ok {
		t.Error("full sweep should pick up the quiet create")
	}
}

func TestFloodCollapsesAndConverges(t *testing.T) {
	h := newHarnessSweep(t, config.DirectionTwoWay, time.Hour)

	const floodSize = 16000

	// Far more events than the queue tolerates: the backlog collapses into
	// one full rescan and the trees still converge.
	for i := 0; i < floodSize; i++ {
		rel := fmt.Sprintf("flood/f-%05d.txt", i)
		h.put(rel, fmt.Sprintf("content %d", i), int64(100+i))
		h.queue.Push(notify.Event{Path: rel, Op: notify.Added})
	}
	require.True(t, h.queue.Overflowed(), "queue should have collapsed")

	h.settleFor(2 * time.Minute)
	h.confirm()

	// root + flood folder + the files
	assert.Equal(t, floodSize+2, h.graph.NodeCount())
	assert.False(t, h.queue.Overflowed())
}

func TestSyncRootLost(t *testing.T) {
	h := newHarness(t, config.DirectionTwoWay)
	h.put("a.txt", "a", 100)
	h.settle()

	require.NoError(t, os.RemoveAll(h.dir))

	err := h.rec.Tick()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyncRootLost), "expected ErrSyncRootLost, got %v", err)

	// Nothing was propagated as a mass delete.
	assert.Greater(t, h.graph.NodeCount(), 1)
}
