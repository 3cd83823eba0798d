// Package overlay implements the durable on-disk store backing locally
// modified files in an OverFS mount. Content for each materialized inode
// lives in its own entry file addressed by inode number, so individual
// entries can be lost or truncated by an unclean shutdown without
// invalidating the rest of the store. Validation is lazy: entries are
// classified on first touch after open, never by an eager scan.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nutsdb/nutsdb"
	"golang.org/x/sync/singleflight"
)

// StoreFormatVersion is the on-disk layout version recorded in info.json.
const StoreFormatVersion = 2

const (
	infoFileName = "info.json"
	dbDirName    = "db"
	entryDirName = "entries"
)

// StoreInfo is the store identity persisted in info.json at init time.
type StoreInfo struct {
	FormatVersion int       `json:"format_version"`
	UUID          string    `json:"uuid"`
	CreatedAt     time.Time `json:"created_at"`
}

// EntryMetadata is what Stat reports. For a corrupted entry Size and Mode
// are forced to zero and Corrupt is set; Stat itself never fails on
// corruption so the filesystem layer can always enumerate and unlink.
type EntryMetadata struct {
	Exists  bool
	Corrupt bool
	Size    uint64
	Mode    uint32
}

// Store is one overlay directory. It exclusively owns the directory tree
// under dir; callers address entries only by inode number.
type Store struct {
	dir    string
	info   StoreInfo
	db     *nutsdb.DB
	table  *InodeTable
	logger *slog.Logger

	mu     sync.RWMutex
	states map[uint64]EntryState
	closed bool

	locks lockTable
	sf    singleflight.Group
}

// Init creates a new store in dir. The directory may exist but must not
// already contain a store.
func Init(dir string, logger *slog.Logger) (*Store, error) {
	if _, err := os.Stat(filepath.Join(dir, infoFileName)); err == nil {
		return nil, fmt.Errorf("init overlay at %s: store already exists", dir)
	}

	for _, d := range []string{dir, filepath.Join(dir, entryDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create overlay dir %s: %w", d, err)
		}
	}

	info := StoreInfo{
		FormatVersion: StoreFormatVersion,
		UUID:          uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, infoFileName), data, 0o644); err != nil {
		return nil, fmt.Errorf("write store info: %w", err)
	}

	return Open(dir, logger)
}

// Open opens an existing store. Fails with ErrStoreMissing when dir holds
// no store and ErrStoreVersion on a format mismatch; both are fatal to the
// mount attempt. Open does not scan entries.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "overlay")

	data, err := os.ReadFile(filepath.Join(dir, infoFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStoreMissing, dir)
		}
		return nil, fmt.Errorf("read store info: %w", err)
	}

	var info StoreInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse store info: %w", err)
	}
	if info.FormatVersion != StoreFormatVersion {
		return nil, fmt.Errorf("%w: found version %d, want %d",
			ErrStoreVersion, info.FormatVersion, StoreFormatVersion)
	}

	db, err := openDB(filepath.Join(dir, dbDirName))
	if err != nil {
		return nil, err
	}

	table, err := loadInodeTable(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("overlay store opened", "dir", dir, "uuid", info.UUID)

	return &Store{
		dir:    dir,
		info:   info,
		db:     db,
		table:  table,
		logger: logger,
		states: make(map[uint64]EntryState),
		locks:  newLockTable(),
	}, nil
}

// OpenOrInit opens the store in dir, initializing it first when absent.
func OpenOrInit(dir string, logger *slog.Logger) (*Store, error) {
	s, err := Open(dir, logger)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, ErrStoreMissing) {
		return Init(dir, logger)
	}
	return nil, err
}

// Close releases the metadata database. In-flight entry handles remain
// usable; callers are expected to drain before closing. The lock is held
// across the database release so a flush goroutine that outlived its
// deadline sees ErrStoreClosed instead of the released database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("overlay store closed", "dir", s.dir)
	return s.db.Close()
}

// UUID returns the store identity.
func (s *Store) UUID() string { return s.info.UUID }

// Table returns the path->inode table persisted alongside the entries.
func (s *Store) Table() *InodeTable { return s.table }

// EntryPath returns the on-disk location of an inode's entry file. Entries
// fan out over 256 shard directories keyed by the low byte of the inode
// number.
func (s *Store) EntryPath(ino uint64) string {
	shard := fmt.Sprintf("%02x", ino&0xff)
	return filepath.Join(s.dir, entryDirName, shard, strconv.FormatUint(ino, 10))
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Materialize allocates the entry for ino with the given initial content
// and mode. Exactly-once under concurrent first-writers, and idempotent: a
// second call for an already-valid entry returns without touching the
// existing bytes. The entry file is written durably before the presence
// record is stored, so a crash in between leaves the inode non-materialized
// rather than half-committed.
func (s *Store) Materialize(ino uint64, content []byte, mode uint32) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err, _ := s.sf.Do(strconv.FormatUint(ino, 10), func() (interface{}, error) {
		return nil, s.materialize(ino, content, mode)
	})
	return err
}

func (s *Store) materialize(ino uint64, content []byte, mode uint32) error {
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	state, _ := s.classifyLocked(ino)
	if state == StateValid {
		s.logger.Debug("materialize: entry already valid", "ino", ino)
		return nil
	}

	if err := s.writeEntryFile(ino, content, mode); err != nil {
		return err
	}
	if err := s.putPresence(ino, mode); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	s.setState(ino, StateValid)

	s.logger.Debug("materialized entry", "ino", ino, "size", len(content), "mode", fmt.Sprintf("0%o", mode))
	return nil
}

// Write replaces the entry content wholesale. The replacement is durable on
// return (temp file + fsync + rename).
func (s *Store) Write(ino uint64, content []byte, mode uint32) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	if err := s.writeEntryFile(ino, content, mode); err != nil {
		return err
	}
	if err := s.putPresence(ino, mode); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	s.setState(ino, StateValid)
	return nil
}

// Read returns the full content and mode of an entry. Fails with
// ErrCorruptEntry when the entry does not validate; an empty-but-valid
// entry reads as empty content.
func (s *Store) Read(ino uint64) ([]byte, uint32, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	state, attr := s.classifyLocked(ino)
	switch state {
	case StateAbsent:
		return nil, 0, fmt.Errorf("%w: ino %d", ErrNotMaterialized, ino)
	case StateCorrupt, StateTombstoned:
		return nil, 0, fmt.Errorf("%w: ino %d", ErrCorruptEntry, ino)
	}

	data, err := os.ReadFile(s.EntryPath(ino))
	if err != nil {
		return nil, 0, fmt.Errorf("read entry %d: %w", ino, err)
	}
	if _, err := decodeHeader(data); err != nil {
		// Raced with external tampering; reclassify on next touch.
		s.setState(ino, StateUnknown)
		return nil, 0, fmt.Errorf("%w: ino %d", ErrCorruptEntry, ino)
	}
	return data[headerSize:], attr.mode, nil
}

// OpenEntry opens a read/write handle on a valid entry. Fails with
// ErrCorruptEntry for corrupted entries; callers needing metadata for a
// corrupted entry use Stat, which never fails.
func (s *Store) OpenEntry(ino uint64) (*EntryHandle, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	state, _ := s.classifyLocked(ino)
	switch state {
	case StateAbsent:
		return nil, fmt.Errorf("%w: ino %d", ErrNotMaterialized, ino)
	case StateCorrupt, StateTombstoned:
		return nil, fmt.Errorf("%w: ino %d", ErrCorruptEntry, ino)
	}

	f, err := os.OpenFile(s.EntryPath(ino), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open entry %d: %w", ino, err)
	}
	return &EntryHandle{ino: ino, file: f}, nil
}

// Stat returns entry metadata without reading content. It never fails on
// corruption: a corrupted entry reports size 0 and mode 0000 so lstat-style
// calls on the mount always succeed and the file stays visible for unlink.
// Observing a corrupted entry through Stat tombstones it.
func (s *Store) Stat(ino uint64) (EntryMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return EntryMetadata{}, err
	}
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	state, attr := s.classifyLocked(ino)
	switch state {
	case StateAbsent:
		return EntryMetadata{}, nil
	case StateCorrupt:
		s.setState(ino, StateTombstoned)
		s.logger.Warn("corrupt entry tombstoned", "ino", ino)
		return EntryMetadata{Exists: true, Corrupt: true}, nil
	case StateTombstoned:
		return EntryMetadata{Exists: true, Corrupt: true}, nil
	}

	return EntryMetadata{Exists: true, Size: attr.size, Mode: attr.mode}, nil
}

// Chmod rewrites the permission bits in the entry header and presence
// record.
func (s *Store) Chmod(ino uint64, mode uint32) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	state, _ := s.classifyLocked(ino)
	switch state {
	case StateAbsent:
		return fmt.Errorf("%w: ino %d", ErrNotMaterialized, ino)
	case StateCorrupt, StateTombstoned:
		return fmt.Errorf("%w: ino %d", ErrCorruptEntry, ino)
	}

	f, err := os.OpenFile(s.EntryPath(ino), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open entry %d: %w", ino, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(encodeHeader(mode), 0); err != nil {
		return fmt.Errorf("rewrite entry header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync entry %d: %w", ino, err)
	}
	return s.putPresence(ino, mode)
}

// Remove deletes the entry file and presence record. Removing an absent
// entry is not an error; recovery paths delete pre-emptively and unlink of
// a tombstoned entry must succeed unconditionally.
func (s *Store) Remove(ino uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	if err := os.Remove(s.EntryPath(ino)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry %d: %w", ino, err)
	}
	if err := s.deletePresence(ino); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	s.setState(ino, StateRemoved)

	s.logger.Debug("removed entry", "ino", ino)
	return nil
}

// FlushEntry fsyncs an entry file. Used by the unmount path; failures
// (including corruption) are reported to the caller, which treats them as
// best-effort.
func (s *Store) FlushEntry(ino uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.locks.lock(ino)
	defer s.locks.unlock(ino)

	state, _ := s.classifyLocked(ino)
	switch state {
	case StateAbsent:
		return nil
	case StateCorrupt, StateTombstoned:
		return fmt.Errorf("%w: ino %d", ErrCorruptEntry, ino)
	}

	f, err := os.Open(s.EntryPath(ino))
	if err != nil {
		return fmt.Errorf("open entry %d: %w", ino, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync entry %d: %w", ino, err)
	}
	return nil
}

// writeEntryFile writes header+content durably: temp file in the shard
// directory, fsync, rename over the final name.
func (s *Store) writeEntryFile(ino uint64, content []byte, mode uint32) error {
	path := s.EntryPath(ino)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create entry temp file: %w", err)
	}

	if _, err := f.Write(encodeHeader(mode)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write entry header: %w", err)
	}
	if len(content) > 0 {
		if _, err := f.Write(content); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write entry content: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync entry: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close entry: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename entry into place: %w", err)
	}
	return nil
}
