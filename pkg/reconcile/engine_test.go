package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

func testRoot(t *testing.T, dir string) config.RootConfig {
	t.Helper()
	rc := config.DefaultRootConfig("test", dir, 0)
	rc.DebounceMs = 10
	rc.MoveWindowMs = 200
	rc.SnapshotSeconds = 3600
	return rc
}

func startEngine(t *testing.T, opts EngineOptions) (*Engine, context.CancelFunc, <-chan error) {
	t.Helper()

	engine, err := NewEngine(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- engine.Run(ctx) }()
	return engine, cancel, errc
}

func stopEngine(t *testing.T, cancel context.CancelFunc, errc <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errc:
		require.True(t, errors.Is(err, context.Canceled), "expected clean shutdown, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	stateDir := t.TempDir()

	graph := remote.NewMemGraph()
	rc := testRoot(t, dir)
	rc.RemoteRoot = uint64(graph.Root())

	_, cancel, errc := startEngine(t, EngineOptions{
		Root:         rc,
		Graph:        graph,
		Transfer:     remote.NewGraphTransfer(graph),
		StateDir:     stateDir,
		TickInterval: 20 * time.Millisecond,
	})

	// Local writes flow up through the watcher and the tick loop.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("beta"), 0644))

	// root + docs + a.txt + b.txt
	waitFor(t, "upload convergence", func() bool { return graph.NodeCount() == 4 })

	// A remote write flows back down.
	graph.PutFileNow(graph.Root(), "c.txt", []byte("gamma"), time.Now().Unix())
	waitFor(t, "download convergence", func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "c.txt"))
		return err == nil && string(data) == "gamma"
	})

	stopEngine(t, cancel, errc)

	// Shutdown leaves a snapshot behind.
	if _, err := os.Stat(filepath.Join(stateDir, "test.snapshot")); err != nil {
		t.Fatalf("expected a shutdown snapshot: %v", err)
	}
}

func TestEngineResumesFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	stateDir := t.TempDir()

	graph := remote.NewMemGraph()
	rc := testRoot(t, dir)
	rc.RemoteRoot = uint64(graph.Root())

	opts := EngineOptions{
		Root:         rc,
		Graph:        graph,
		Transfer:     remote.NewGraphTransfer(graph),
		StateDir:     stateDir,
		TickInterval: 20 * time.Millisecond,
	}

	_, cancel, errc := startEngine(t, opts)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.txt"), []byte("kept"), 0644))
	waitFor(t, "first run convergence", func() bool { return graph.NodeCount() == 2 })
	stopEngine(t, cancel, errc)

	// The second engine picks the mirror up from the snapshot.
	second, err := NewEngine(opts)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Reconciler().Tree().Len(), "mirror should resume, not rescan from zero")
	node := second.Reconciler().Tree().Lookup("kept.txt")
	require.NotNil(t, node)
	assert.NotEqual(t, remote.None, node.RemoteHandle)
	second.view.Close()
	second.exec.Close()
	second.source.Close()
}

func TestEngineConvergesDeletionMissedWhileDown(t *testing.T) {
	dir := t.TempDir()
	stateDir := t.TempDir()

	graph := remote.NewMemGraph()
	rc := testRoot(t, dir)
	rc.RemoteRoot = uint64(graph.Root())

	opts := EngineOptions{
		Root:         rc,
		Graph:        graph,
		Transfer:     remote.NewGraphTransfer(graph),
		StateDir:     stateDir,
		TickInterval: 20 * time.Millisecond,
	}

	_, cancel, errc := startEngine(t, opts)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.txt"), []byte("kept"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doomed.txt"), []byte("doomed"), 0644))
	waitFor(t, "first run convergence", func() bool { return graph.NodeCount() == 3 })
	stopEngine(t, cancel, errc)

	// The deletion happens while no watcher is running; only the resumed
	// mirror knows the file ever existed.
	require.NoError(t, os.Remove(filepath.Join(dir, "doomed.txt")))

	_, cancel, errc = startEngine(t, opts)
	waitFor(t, "offline deletion to propagate", func() bool { return graph.NodeCount() == 2 })
	stopEngine(t, cancel, errc)

	assert.Equal(t, "kept", string(mustRead(t, filepath.Join(dir, "kept.txt"))))
	if _, ok := childByName(graph, "doomed.txt"); ok {
		t.Error("deletion missed while down should reach the remote side")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func childByName(g *remote.MemGraph, name string) (remote.NodeInfo, bool) {
	children, err := g.Children(g.Root())
	if err != nil {
		return remote.NodeInfo{}, false
	}
	for _, c := range children {
		if c.Name == name {
			return c, true
		}
	}
	return remote.NodeInfo{}, false
}

func TestEngineStopsWhenRootVanishes(t *testing.T) {
	dir := t.TempDir()

	graph := remote.NewMemGraph()
	rc := testRoot(t, dir)
	rc.RemoteRoot = uint64(graph.Root())

	_, cancel, errc := startEngine(t, EngineOptions{
		Root:         rc,
		Graph:        graph,
		Transfer:     remote.NewGraphTransfer(graph),
		TickInterval: 20 * time.Millisecond,
	})
	defer cancel()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	waitFor(t, "initial convergence", func() bool { return graph.NodeCount() == 2 })

	require.NoError(t, os.RemoveAll(dir))

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrSyncRootLost), "expected ErrSyncRootLost, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after losing its root")
	}

	// The loss was not misread as a mass delete.
	assert.Equal(t, 2, graph.NodeCount())
}
