package overlay

import (
	"errors"
	"os"
	"testing"
)

// materializeAndClose writes one entry and closes the store so the test can
// tamper with the on-disk state the way an unclean shutdown would.
func materializeAndClose(t *testing.T, dir string, ino uint64, content []byte) string {
	t.Helper()

	s, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.Materialize(ino, content, 0o644); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	path := s.EntryPath(ino)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func TestRecovery_TruncatedEntry(t *testing.T) {
	dir := t.TempDir()
	path := materializeAndClose(t, dir, 10, []byte("committed_file content"))

	// An unclean reboot commonly leaves entry files at zero length.
	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	meta, err := s.Stat(10)
	if err != nil {
		t.Fatalf("Stat must never fail on corruption, got %v", err)
	}
	if !meta.Exists || !meta.Corrupt {
		t.Fatalf("expected corrupt entry, got %+v", meta)
	}
	if meta.Size != 0 {
		t.Errorf("corrupt entry must report size 0, got %d", meta.Size)
	}
	if meta.Mode != 0 {
		t.Errorf("corrupt entry must report mode 0000, got 0%o", meta.Mode)
	}

	if st := s.State(10); st != StateTombstoned {
		t.Errorf("expected tombstoned after stat, got %s", st)
	}
}

func TestRecovery_MissingEntry(t *testing.T) {
	dir := t.TempDir()
	path := materializeAndClose(t, dir, 11, []byte("new_file content"))

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	// The presence record survives, so the missing file classifies as
	// corrupt rather than never-materialized.
	meta, err := s.Stat(11)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !meta.Exists || !meta.Corrupt {
		t.Fatalf("expected corrupt entry for missing file, got %+v", meta)
	}

	// Unlink of a tombstoned entry succeeds unconditionally.
	if err := s.Remove(11); err != nil {
		t.Fatalf("Remove of corrupt entry failed: %v", err)
	}
	meta, err = s.Stat(11)
	if err != nil {
		t.Fatalf("Stat after remove failed: %v", err)
	}
	if meta.Exists {
		t.Errorf("entry should be absent after remove, got %+v", meta)
	}
}

func TestRecovery_ReadFailsOnCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := materializeAndClose(t, dir, 12, []byte("some content"))

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if _, _, err := s.Read(12); !errors.Is(err, ErrCorruptEntry) {
		t.Errorf("expected ErrCorruptEntry from Read, got %v", err)
	}
	if _, err := s.OpenEntry(12); !errors.Is(err, ErrCorruptEntry) {
		t.Errorf("expected ErrCorruptEntry from OpenEntry, got %v", err)
	}

	// Stat still succeeds after the failed read.
	if _, err := s.Stat(12); err != nil {
		t.Errorf("Stat failed after corrupt read: %v", err)
	}
}

func TestRecovery_EmptyEntryIsValid(t *testing.T) {
	dir := t.TempDir()
	materializeAndClose(t, dir, 13, nil)

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	// Empty-but-valid is not corruption: the header is intact.
	meta, err := s.Stat(13)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if meta.Corrupt {
		t.Error("empty valid entry misclassified as corrupt")
	}
	if meta.Mode != 0o644 {
		t.Errorf("expected mode 0644 preserved, got 0%o", meta.Mode)
	}

	content, _, err := s.Read(13)
	if err != nil {
		t.Fatalf("Read of empty valid entry failed: %v", err)
	}
	if len(content) != 0 {
		t.Errorf("expected empty content, got %q", content)
	}
}

func TestRecovery_BadMagic(t *testing.T) {
	dir := t.TempDir()
	path := materializeAndClose(t, dir, 14, []byte("content"))

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("XXXX"), 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	meta, err := s.Stat(14)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !meta.Corrupt {
		t.Error("expected garbage header to classify as corrupt")
	}
}

func TestRecovery_CorruptionIsolated(t *testing.T) {
	dir := t.TempDir()

	s, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	for ino := uint64(20); ino < 23; ino++ {
		if err := s.Materialize(ino, []byte("entry content"), 0o644); err != nil {
			t.Fatalf("Materialize %d failed: %v", ino, err)
		}
	}
	paths := []string{s.EntryPath(20), s.EntryPath(21)}
	s.Close()

	if err := os.Truncate(paths[0], 0); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(paths[1]); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	for _, ino := range []uint64{20, 21} {
		meta, err := s2.Stat(ino)
		if err != nil {
			t.Fatalf("Stat %d failed: %v", ino, err)
		}
		if !meta.Corrupt {
			t.Errorf("expected ino %d corrupt", ino)
		}
	}

	// The untouched entry is unaffected by its corrupted neighbors.
	content, _, err := s2.Read(22)
	if err != nil {
		t.Fatalf("Read of intact entry failed: %v", err)
	}
	if string(content) != "entry content" {
		t.Errorf("intact entry content damaged: %q", content)
	}
}

func TestRecovery_TombstoneNotPersisted(t *testing.T) {
	dir := t.TempDir()
	path := materializeAndClose(t, dir, 30, []byte("content"))

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := s.Stat(30); err != nil {
		t.Fatal(err)
	}
	if st := s.State(30); st != StateTombstoned {
		t.Fatalf("expected tombstoned, got %s", st)
	}
	s.Close()

	// A remount re-derives the classification from disk.
	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("second reopen failed: %v", err)
	}
	defer s2.Close()
	if st := s2.State(30); st != StateCorrupt {
		t.Errorf("expected corrupt after remount, got %s", st)
	}
}
