package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestStore_InitAndReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if s.UUID() == "" {
		t.Error("store UUID should not be empty")
	}
	id := s.UUID()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if s2.UUID() != id {
		t.Errorf("expected UUID %s after reopen, got %s", id, s2.UUID())
	}
}

func TestStore_OpenMissing(t *testing.T) {
	_, err := Open(t.TempDir(), nil)
	if !errors.Is(err, ErrStoreMissing) {
		t.Errorf("expected ErrStoreMissing, got %v", err)
	}
}

func TestStore_OpenVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	info := []byte(`{"format_version": 1, "uuid": "x"}`)
	if err := os.WriteFile(filepath.Join(dir, "info.json"), info, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(dir, nil)
	if !errors.Is(err, ErrStoreVersion) {
		t.Errorf("expected ErrStoreVersion, got %v", err)
	}
}

func TestStore_MaterializeReadRoundtrip(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	content := []byte("committed_file content")
	if err := s.Materialize(42, content, 0o644); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	got, mode, err := s.Read(42)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected content %q, got %q", content, got)
	}
	if mode != 0o644 {
		t.Errorf("expected mode 0644, got 0%o", mode)
	}

	meta, err := s.Stat(42)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !meta.Exists || meta.Corrupt {
		t.Errorf("expected valid entry, got %+v", meta)
	}
	if meta.Size != uint64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), meta.Size)
	}
}

func TestStore_MaterializeIdempotent(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	first := []byte("original content")
	if err := s.Materialize(7, first, 0o644); err != nil {
		t.Fatalf("first Materialize failed: %v", err)
	}

	// A second materialization must not clobber the existing entry.
	if err := s.Materialize(7, []byte("other content"), 0o600); err != nil {
		t.Fatalf("second Materialize failed: %v", err)
	}

	got, mode, err := s.Read(7)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("expected first content %q preserved, got %q", first, got)
	}
	if mode != 0o644 {
		t.Errorf("expected original mode 0644, got 0%o", mode)
	}
}

func TestStore_ConcurrentMaterialize(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	const workers = 16
	var wg sync.WaitGroup
	contents := make([][]byte, workers)
	for i := 0; i < workers; i++ {
		contents[i] = []byte(fmt.Sprintf("writer %d content", i))
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Materialize(99, contents[i], 0o644); err != nil {
				t.Errorf("Materialize from worker %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// Exactly one writer must have won, and the entry must be intact.
	got, _, err := s.Read(99)
	if err != nil {
		t.Fatalf("Read after concurrent materialize failed: %v", err)
	}
	found := false
	for _, c := range contents {
		if bytes.Equal(got, c) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("entry content %q does not match any writer", got)
	}
	if st := s.State(99); st != StateValid {
		t.Errorf("expected state valid, got %s", st)
	}
}

func TestStore_WriteReplaces(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	if err := s.Materialize(5, []byte("before"), 0o644); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if err := s.Write(5, []byte("after"), 0o600); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, mode, err := s.Read(5)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "after" {
		t.Errorf("expected replaced content, got %q", got)
	}
	if mode != 0o600 {
		t.Errorf("expected mode 0600, got 0%o", mode)
	}
}

func TestStore_RemoveAbsent(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	if err := s.Remove(12345); err != nil {
		t.Errorf("Remove of absent entry should succeed, got %v", err)
	}
}

func TestStore_EntryHandle(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	if err := s.Materialize(3, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	h, err := s.OpenEntry(3)
	if err != nil {
		t.Fatalf("OpenEntry failed: %v", err)
	}
	defer h.Close()

	// Overwrite part of the content at an offset.
	if _, err := h.WriteAt([]byte("WORLD"), 6); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := h.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	buf := make([]byte, 11)
	if _, err := h.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "hello WORLD" {
		t.Errorf("expected %q, got %q", "hello WORLD", buf)
	}

	if err := h.Truncate(5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	size, err := h.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 5 {
		t.Errorf("expected size 5 after truncate, got %d", size)
	}

	// The header must survive offset writes and truncation.
	meta, err := s.Stat(3)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if meta.Corrupt {
		t.Error("entry should remain valid after handle writes")
	}
	if meta.Size != 5 {
		t.Errorf("expected stat size 5, got %d", meta.Size)
	}
}

func TestStore_Chmod(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	if err := s.Materialize(8, []byte("x"), 0o644); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if err := s.Chmod(8, 0o755); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}

	meta, err := s.Stat(8)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if meta.Mode != 0o755 {
		t.Errorf("expected mode 0755, got 0%o", meta.Mode)
	}
	if meta.Size != 1 {
		t.Errorf("chmod must not change content size, got %d", meta.Size)
	}
}

func TestInodeTable_AssignStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	ino1, err := s.Table().Assign("src/committed_file")
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	ino2, err := s.Table().Assign("src/new_file")
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if ino1 == ino2 {
		t.Fatalf("distinct paths got same ino %d", ino1)
	}
	if ino1 <= RootIno {
		t.Errorf("assigned ino %d collides with reserved root", ino1)
	}

	// Re-assigning an existing path returns the same ino.
	again, err := s.Table().Assign("src/committed_file")
	if err != nil {
		t.Fatalf("re-Assign failed: %v", err)
	}
	if again != ino1 {
		t.Errorf("expected stable ino %d, got %d", ino1, again)
	}

	if err := s.Table().MarkDeleted("readme.txt"); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}
	s.Close()

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	rec, ok := s2.Table().Lookup("src/committed_file")
	if !ok {
		t.Fatal("path binding lost across reopen")
	}
	if rec.Ino != ino1 {
		t.Errorf("expected ino %d after reopen, got %d", ino1, rec.Ino)
	}
	if !s2.Table().IsDeleted("readme.txt") {
		t.Error("deletion marker lost across reopen")
	}

	// New assignments must not reuse earlier numbers.
	ino3, err := s2.Table().Assign("another/file")
	if err != nil {
		t.Fatalf("Assign after reopen failed: %v", err)
	}
	if ino3 <= ino2 {
		t.Errorf("expected fresh ino above %d, got %d", ino2, ino3)
	}
}

func TestStore_MetadataAccessAfterClose(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.Materialize(4, []byte("x"), 0o644); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A flush goroutine that outlives its deadline can still touch the
	// store after shutdown; it must see ErrStoreClosed rather than the
	// released database.
	if _, _, err := s.getPresence(4); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := s.putPresence(4, 0o644); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed from put, got %v", err)
	}
	// Classification stays contained: the lookup failure marks the entry
	// corrupt instead of propagating.
	if st := s.State(4); st != StateCorrupt {
		t.Errorf("expected corrupt classification after close, got %s", st)
	}
}

func TestInodeTable_DirModePersisted(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if _, err := s.Table().AssignDir("build", 0o700); err != nil {
		t.Fatalf("AssignDir failed: %v", err)
	}
	s.Close()

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	rec, ok := s2.Table().Lookup("build")
	if !ok {
		t.Fatal("directory binding lost across reopen")
	}
	if !rec.Dir {
		t.Error("expected directory record")
	}
	if rec.Mode != 0o700 {
		t.Errorf("expected mode 0700 preserved, got 0%o", rec.Mode)
	}
}

func TestInodeTable_ChildrenOf(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	table := s.Table()
	table.AssignDir("src", 0o755)
	table.Assign("src/a.txt")
	table.Assign("src/b.txt")
	table.Assign("src/deep/c.txt")
	table.Assign("top.txt")

	children := table.ChildrenOf("src")
	if len(children) != 2 {
		t.Fatalf("expected 2 direct children of src, got %d: %v", len(children), children)
	}
	if _, ok := children["a.txt"]; !ok {
		t.Error("expected a.txt in children")
	}
	if _, ok := children["deep/c.txt"]; ok {
		t.Error("nested path should not appear as direct child")
	}

	root := table.ChildrenOf("")
	if _, ok := root["top.txt"]; !ok {
		t.Error("expected top.txt as root child")
	}
	if _, ok := root["src"]; !ok {
		t.Error("expected src dir as root child")
	}
}

func TestInodeTable_ForgetLocalFile(t *testing.T) {
	s, err := Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()

	table := s.Table()
	if _, err := table.Assign("scratch.txt"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := table.Forget("scratch.txt"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, ok := table.Lookup("scratch.txt"); ok {
		t.Error("binding should be gone after Forget")
	}
	if table.IsDeleted("scratch.txt") {
		t.Error("Forget must not leave a whiteout")
	}
}
