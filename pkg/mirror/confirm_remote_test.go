package mirror

import (
	"bytes"
	"testing"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

func fpOf(t *testing.T, data string, mtime int64) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.OfReader(bytes.NewReader([]byte(data)), int64(len(data)), mtime)
	if err != nil {
		t.Fatalf("fingerprint failed: %v", err)
	}
	return fp
}

func TestConfirmRemoteMatches(t *testing.T) {
	g := remote.NewMemGraph()
	folder := g.MkdirNow(g.Root(), "f")
	fileA := g.PutFileNow(g.Root(), "a.txt", []byte("alpha"), 100)
	fileB := g.PutFileNow(folder, "b.txt", []byte("beta"), 200)

	view, err := remote.NewView(g, g.Root())
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	defer view.Close()

	tr := NewTree("/tmp/sync")
	tr.Root().RemoteHandle = g.Root()

	a, _ := tr.Insert("a.txt", File)
	a.Fingerprint = fpOf(t, "alpha", 100)
	a.RemoteHandle = fileA

	f, _ := tr.Insert("f", Folder)
	f.RemoteHandle = folder

	b, _ := tr.Insert("f/b.txt", File)
	b.Fingerprint = fpOf(t, "beta", 200)
	b.RemoteHandle = fileB

	if err := tr.ConfirmRemote(view, CompareOpts{}); err != nil {
		t.Errorf("expected match, got: %v", err)
	}
}

func TestConfirmRemoteFindsDrift(t *testing.T) {
	g := remote.NewMemGraph()
	g.PutFileNow(g.Root(), "a.txt", []byte("alpha"), 100)

	view, err := remote.NewView(g, g.Root())
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	defer view.Close()

	tr := NewTree("/tmp/sync")
	tr.Root().RemoteHandle = g.Root()
	a, _ := tr.Insert("a.txt", File)
	a.Fingerprint = fpOf(t, "different bytes", 100)

	if err := tr.ConfirmRemote(view, CompareOpts{}); err == nil {
		t.Error("content drift not detected")
	}

	// Unmatched remote extra.
	a.Fingerprint = fpOf(t, "alpha", 100)
	g.PutFileNow(g.Root(), "extra.txt", []byte("x"), 1)
	if err := tr.ConfirmRemote(view, CompareOpts{}); err == nil {
		t.Error("remote extra not detected")
	}
}

func TestConfirmRemoteSameNameSiblings(t *testing.T) {
	// The graph permits same-name siblings; the mirror child must match
	// one of them and the other must count as an extra.
	g := remote.NewMemGraph()
	g.PutFileNow(g.Root(), "dup.txt", []byte("mine"), 100)

	view, err := remote.NewView(g, g.Root())
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	defer view.Close()

	tr := NewTree("/tmp/sync")
	tr.Root().RemoteHandle = g.Root()
	d, _ := tr.Insert("dup.txt", File)
	d.Fingerprint = fpOf(t, "mine", 100)

	if err := tr.ConfirmRemote(view, CompareOpts{}); err != nil {
		t.Fatalf("single match should pass: %v", err)
	}

	// A second same-name sibling appears; one matches, one is surplus.
	g.MkdirNow(g.Root(), "dup.txt")
	if err := tr.ConfirmRemote(view, CompareOpts{}); err == nil {
		t.Error("surplus same-name sibling not detected")
	}
}
