package overlay

import "sync"

// lockTable hands out per-inode mutexes on demand so operations on different
// inodes never block each other. Locks are refcounted and reclaimed once the
// last holder releases, keeping the table bounded by the number of inodes
// with in-flight operations rather than the store size.
type lockTable struct {
	mu    sync.Mutex
	locks map[uint64]*inodeLock
}

type inodeLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() lockTable {
	return lockTable{locks: make(map[uint64]*inodeLock)}
}

// lock acquires the per-inode lock, creating it if needed.
func (t *lockTable) lock(ino uint64) {
	t.mu.Lock()
	l, ok := t.locks[ino]
	if !ok {
		l = &inodeLock{}
		t.locks[ino] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
}

// unlock releases the per-inode lock and reclaims it when no other
// operation is waiting on it.
func (t *lockTable) unlock(ino uint64) {
	t.mu.Lock()
	l, ok := t.locks[ino]
	if !ok {
		t.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(t.locks, ino)
	}
	t.mu.Unlock()

	l.mu.Unlock()
}
