package overlay

import (
	"os"
)

// EntryState tracks the per-entry validation state machine. Entries start
// Unknown after open and are classified lazily on first touch, so mount
// latency stays independent of store size.
//
//	Unknown -> Valid        entry readable, header consistent
//	Unknown -> Corrupt      missing, truncated, or unreadable
//	Corrupt -> Tombstoned   once observed via Stat; the entry then behaves
//	                        as an ordinary empty, permission-stripped file
//	Tombstoned -> Removed   once unlinked
//
// Tombstoning is in-memory only: the classification is deterministic from
// on-disk state, so a remount re-derives it.
type EntryState int

const (
	StateUnknown EntryState = iota
	StateValid
	StateCorrupt
	StateTombstoned
	StateRemoved

	// StateAbsent is a classification result, never cached: the inode has
	// no entry file and no presence record.
	StateAbsent
)

func (st EntryState) String() string {
	switch st {
	case StateUnknown:
		return "unknown"
	case StateValid:
		return "valid"
	case StateCorrupt:
		return "corrupt"
	case StateTombstoned:
		return "tombstoned"
	case StateRemoved:
		return "removed"
	case StateAbsent:
		return "absent"
	default:
		return "invalid"
	}
}

type entryAttr struct {
	size uint64
	mode uint32
}

// State returns the current state for an inode, classifying it first when
// still unknown.
func (s *Store) State(ino uint64) EntryState {
	s.locks.lock(ino)
	defer s.locks.unlock(ino)
	st, _ := s.classifyLocked(ino)
	return st
}

func (s *Store) cachedState(ino uint64) EntryState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[ino]
}

func (s *Store) setState(ino uint64, st EntryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateUnknown {
		delete(s.states, ino)
		return
	}
	s.states[ino] = st
}

// classifyLocked evaluates the state machine for one inode. Tombstoned and
// Removed are sticky for the lifetime of the store handle; everything else
// is re-derived from disk so size changes through entry handles are
// observed. Must be called with the per-inode lock held.
func (s *Store) classifyLocked(ino uint64) (EntryState, entryAttr) {
	switch s.cachedState(ino) {
	case StateTombstoned:
		return StateTombstoned, entryAttr{}
	case StateRemoved:
		return StateAbsent, entryAttr{}
	}

	_, materialized, err := s.getPresence(ino)
	if err != nil {
		// Metadata db trouble is contained to this inode.
		s.logger.Warn("presence lookup failed, treating entry as corrupt", "ino", ino, "error", err)
		s.setState(ino, StateCorrupt)
		return StateCorrupt, entryAttr{}
	}

	path := s.EntryPath(ino)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if materialized {
				// Presence record with no backing file: the deletion
				// signature of external tampering or a lost rename.
				s.logger.Warn("entry file missing", "ino", ino, "path", path)
				s.setState(ino, StateCorrupt)
				return StateCorrupt, entryAttr{}
			}
			return StateAbsent, entryAttr{}
		}
		s.logger.Warn("entry stat failed", "ino", ino, "error", err)
		s.setState(ino, StateCorrupt)
		return StateCorrupt, entryAttr{}
	}

	if fi.Size() < headerSize {
		// The zero-length case an unclean reboot commonly leaves behind.
		s.logger.Warn("entry truncated", "ino", ino, "size", fi.Size())
		s.setState(ino, StateCorrupt)
		return StateCorrupt, entryAttr{}
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("entry unreadable", "ino", ino, "error", err)
		s.setState(ino, StateCorrupt)
		return StateCorrupt, entryAttr{}
	}
	hdr, err := readHeader(f)
	f.Close()
	if err != nil {
		s.logger.Warn("entry header invalid", "ino", ino, "error", err)
		s.setState(ino, StateCorrupt)
		return StateCorrupt, entryAttr{}
	}

	s.setState(ino, StateValid)
	return StateValid, entryAttr{
		size: uint64(fi.Size() - headerSize),
		mode: hdr.Mode,
	}
}
