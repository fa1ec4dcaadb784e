package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
)

func buildDisk(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
}

func mirrorDisk(t *testing.T, tr *Tree, dir string, files map[string]string) {
	t.Helper()
	for rel := range files {
		node, err := tr.Insert(rel, File)
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		fp, err := fingerprint.OfFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("fingerprint failed: %v", err)
		}
		node.Fingerprint = fp
		node.State = Synced
	}
}

func TestConfirmLocalMatches(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"f/one.txt":     "one",
		"f/sub/two.txt": "two",
		"top.txt":       "top",
	}
	buildDisk(t, dir, files)

	tr := NewTree(dir)
	mirrorDisk(t, tr, dir, files)

	if err := tr.ConfirmLocal(CompareOpts{}); err != nil {
		t.Errorf("expected match, got: %v", err)
	}
}

func TestConfirmLocalFindsDrift(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"a.txt": "original"}
	buildDisk(t, dir, files)

	tr := NewTree(dir)
	mirrorDisk(t, tr, dir, files)

	// Content drift.
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("rewritten"), 0644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	if err := tr.ConfirmLocal(CompareOpts{}); err == nil {
		t.Error("content drift not detected")
	}

	// Extra filesystem entry.
	buildDisk(t, dir, map[string]string{"a.txt": "original"})
	mirrorDisk(t, tr, dir, map[string]string{})
	buildDisk(t, dir, map[string]string{"extra.txt": "x"})
	if err := tr.ConfirmLocal(CompareOpts{}); err == nil {
		t.Error("extra filesystem entry not detected")
	}

	// Extra mirror entry.
	if err := os.Remove(filepath.Join(dir, "extra.txt")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	tr.Insert("ghost.txt", File)
	if err := tr.ConfirmLocal(CompareOpts{}); err == nil {
		t.Error("extra mirror entry not detected")
	}
}

func TestConfirmLocalSkipsDebris(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"kept.txt": "k"}
	buildDisk(t, dir, files)
	buildDisk(t, dir, map[string]string{".debris/2024-05-01/old.txt": "gone"})

	tr := NewTree(dir)
	mirrorDisk(t, tr, dir, files)

	opts := CompareOpts{IgnoreDebris: true, DebrisFolder: ".debris"}
	if err := tr.ConfirmLocal(opts); err != nil {
		t.Errorf("debris should be ignored at the root: %v", err)
	}

	// The same name below the root is real content.
	buildDisk(t, dir, map[string]string{"sub/.debris": "not debris"})
	mirrorDisk(t, tr, dir, map[string]string{"sub/.debris": "not debris"})
	if err := tr.ConfirmLocal(opts); err != nil {
		t.Errorf("nested name equal to the debris folder is ordinary content: %v", err)
	}
}
