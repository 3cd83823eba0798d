package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nutsdb/nutsdb"
)

const (
	bucketEntries = "overlay_entries"
	bucketMeta    = "overlay_meta"

	keyInodeTable = "inode_table"
)

// presenceRecord is the per-inode metadata row in NutsDB. Its existence is
// the "materialized" flag: an entry file missing on disk while a presence
// record exists is the corruption signature left by an unclean shutdown or
// external tampering.
type presenceRecord struct {
	Mode           uint32 `json:"mode"`
	MaterializedAt int64  `json:"materialized_at"`
}

func openDB(dir string) (*nutsdb.DB, error) {
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(8*1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, bucketEntries); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		if err := tx.NewBucket(nutsdb.DataStructureBTree, bucketMeta); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata buckets: %w", err)
	}

	return db, nil
}

func inoKey(ino uint64) []byte {
	return []byte(strconv.FormatUint(ino, 10))
}

// view runs a read transaction unless the store is closed. The guard is
// held across the transaction so Close cannot release the database under a
// straggling unmount flush.
func (s *Store) view(fn func(tx *nutsdb.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *nutsdb.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

// getPresence returns the presence record for an inode, or ok=false when
// the inode was never materialized (or was removed).
func (s *Store) getPresence(ino uint64) (presenceRecord, bool, error) {
	var rec presenceRecord
	err := s.view(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(bucketEntries, inoKey(ino))
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		if errors.Is(err, nutsdb.ErrKeyNotFound) {
			return presenceRecord{}, false, nil
		}
		return presenceRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) putPresence(ino uint64, mode uint32) error {
	rec := presenceRecord{
		Mode:           mode,
		MaterializedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucketEntries, inoKey(ino), data, nutsdb.Persistent)
	})
}

func (s *Store) deletePresence(ino uint64) error {
	err := s.update(func(tx *nutsdb.Tx) error {
		return tx.Delete(bucketEntries, inoKey(ino))
	})
	if err != nil && !errors.Is(err, nutsdb.ErrKeyNotFound) {
		return err
	}
	return nil
}

// PathRecord binds a filesystem path to its overlay inode. Mode is kept
// for directories only; file modes live in the entry header and presence
// record.
type PathRecord struct {
	Ino  uint64 `json:"ino"`
	Dir  bool   `json:"dir,omitempty"`
	Mode uint32 `json:"mode,omitempty"`
}

// InodeTable is the persistent path->inode mapping plus the set of
// locally-deleted paths (whiteouts for names still present in the source
// tree). Inode numbers are assigned once and are stable across remounts;
// they are the sole key into the entry space. The table is held in memory
// and persisted as a single document in NutsDB on every mutation, in the
// same save-on-change style the rest of the store uses.
type InodeTable struct {
	mu sync.RWMutex
	db *nutsdb.DB

	NextIno uint64                `json:"next_ino"`
	Paths   map[string]PathRecord `json:"paths"`
	Deleted map[string]bool       `json:"deleted"`
}

// RootIno is reserved for the filesystem root.
const RootIno = 1

func loadInodeTable(db *nutsdb.DB) (*InodeTable, error) {
	t := &InodeTable{
		db:      db,
		NextIno: RootIno + 1,
		Paths:   make(map[string]PathRecord),
		Deleted: make(map[string]bool),
	}

	err := db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(bucketMeta, []byte(keyInodeTable))
		if err != nil {
			return err
		}
		return json.Unmarshal(val, t)
	})
	if err != nil {
		if errors.Is(err, nutsdb.ErrKeyNotFound) {
			return t, nil
		}
		return nil, fmt.Errorf("load inode table: %w", err)
	}

	if t.Paths == nil {
		t.Paths = make(map[string]PathRecord)
	}
	if t.Deleted == nil {
		t.Deleted = make(map[string]bool)
	}
	if t.NextIno < RootIno+1 {
		t.NextIno = RootIno + 1
	}
	return t, nil
}

// saveLocked persists the table. Must be called with t.mu held.
func (t *InodeTable) saveLocked() error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return t.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucketMeta, []byte(keyInodeTable), data, nutsdb.Persistent)
	})
}

// Lookup returns the record for a path.
func (t *InodeTable) Lookup(path string) (PathRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.Paths[path]
	return rec, ok
}

// Assign returns the existing inode for a file path or allocates a new
// one. Assigning clears any deletion marker for the path (a re-created
// name is no longer a whiteout).
func (t *InodeTable) Assign(path string) (uint64, error) {
	return t.assign(path, PathRecord{})
}

// AssignDir is Assign for directories, keeping the mkdir mode so later
// stats report it.
func (t *InodeTable) AssignDir(path string, mode uint32) (uint64, error) {
	return t.assign(path, PathRecord{Dir: true, Mode: mode})
}

func (t *InodeTable) assign(path string, rec PathRecord) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.Paths[path]; ok {
		if t.Deleted[path] {
			delete(t.Deleted, path)
			if err := t.saveLocked(); err != nil {
				return 0, fmt.Errorf("save inode table: %w", err)
			}
		}
		return existing.Ino, nil
	}

	rec.Ino = t.NextIno
	t.NextIno++
	t.Paths[path] = rec
	delete(t.Deleted, path)

	if err := t.saveLocked(); err != nil {
		return 0, fmt.Errorf("save inode table: %w", err)
	}
	return rec.Ino, nil
}

// MarkDeleted records a whiteout for a path and drops its path binding.
func (t *InodeTable) MarkDeleted(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.Paths, path)
	t.Deleted[path] = true
	if err := t.saveLocked(); err != nil {
		return fmt.Errorf("save inode table: %w", err)
	}
	return nil
}

// IsDeleted reports whether a path carries a whiteout.
func (t *InodeTable) IsDeleted(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Deleted[path]
}

// Forget drops the path binding without recording a whiteout. Used when a
// locally-created file (absent from the source tree) is unlinked.
func (t *InodeTable) Forget(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.Paths, path)
	delete(t.Deleted, path)
	if err := t.saveLocked(); err != nil {
		return fmt.Errorf("save inode table: %w", err)
	}
	return nil
}

// ChildrenOf returns the direct children of dir that have local path
// bindings. dir is "" for the root.
func (t *InodeTable) ChildrenOf(dir string) map[string]PathRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	children := make(map[string]PathRecord)
	for path, rec := range t.Paths {
		if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
			continue
		}
		rest := path[len(prefix):]
		// Direct children only.
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				rest = ""
				break
			}
		}
		if rest != "" {
			children[rest] = rec
		}
	}
	return children
}
