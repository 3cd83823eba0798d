package git

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
)

// initTestRepo creates a repository with a couple of committed files and
// returns its path.
func initTestRepo(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}

	for name, content := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Add %s failed: %v", name, err)
		}
	}

	_, err = wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return dir
}

func TestSourceStore_WalkTree(t *testing.T) {
	dir := initTestRepo(t, map[string]string{
		"src/committed_file": "committed_file content",
		"readme.txt":         "hello",
	})

	src, err := Open(dir, "", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	seen := map[string]TreeEntry{}
	err = src.WalkTree(func(e TreeEntry) error {
		seen[e.Path] = e
		return nil
	})
	if err != nil {
		t.Fatalf("WalkTree failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(seen), seen)
	}
	e, ok := seen["src/committed_file"]
	if !ok {
		t.Fatal("src/committed_file missing from walk")
	}
	if e.Size != uint64(len("committed_file content")) {
		t.Errorf("expected size %d, got %d", len("committed_file content"), e.Size)
	}
	if e.BlobHash == "" {
		t.Error("blob hash should not be empty")
	}
}

func TestSourceStore_EntryAndReadBlob(t *testing.T) {
	dir := initTestRepo(t, map[string]string{
		"src/committed_file": "committed_file content",
	})

	src, err := Open(dir, "", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	e, err := src.Entry("src/committed_file")
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	data, err := src.ReadBlob(e.BlobHash)
	if err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}
	if string(data) != "committed_file content" {
		t.Errorf("unexpected blob content %q", data)
	}
}

func TestSourceStore_NotFound(t *testing.T) {
	dir := initTestRepo(t, map[string]string{"a.txt": "x"})

	src, err := Open(dir, "", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := src.Entry("no/such/file"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound for path, got %v", err)
	}
	missing := "0000000000000000000000000000000000000001"
	if _, err := src.ReadBlob(missing); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound for blob, got %v", err)
	}
}

func TestSourceStore_OpenMissingRepo(t *testing.T) {
	if _, err := Open(t.TempDir(), "", nil); err == nil {
		t.Error("expected error opening empty directory as repository")
	}
}
