// Package fuse implements the FUSE filesystem layer for OverFS.
package fuse

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radryc/overfs/internal/cache"
	"github.com/radryc/overfs/internal/git"
	"github.com/radryc/overfs/internal/overlay"
)

// flushTimeout bounds how long unmount waits on any single entry flush.
// A hung disk must not keep the whole unmount from completing.
const flushTimeout = 5 * time.Second

// MountSession ties one overlay store to one git source for the lifetime
// of a mount. It owns the tree index built from the source at mount time
// and tracks which overlay entries were touched so unmount can flush them.
type MountSession struct {
	store  *overlay.Store
	source *git.SourceStore
	cache  *cache.BlobCache // optional, nil disables blob caching
	logger *slog.Logger

	// Immutable after NewMountSession: the committed tree.
	files    map[string]git.TreeEntry
	dirs     map[string]bool
	children map[string]map[string]bool // dir -> child name -> isDir

	mu         sync.Mutex
	loaded     map[uint64]bool
	unmounting bool

	ops sync.WaitGroup
}

// NewMountSession builds the tree index from the source and returns a
// session ready to serve FUSE operations.
func NewMountSession(store *overlay.Store, source *git.SourceStore, logger *slog.Logger) (*MountSession, error) {
	return NewMountSessionWithCache(store, source, nil, logger)
}

// NewMountSessionWithCache is NewMountSession with a blob content cache in
// front of the git object store.
func NewMountSessionWithCache(store *overlay.Store, source *git.SourceStore, blobCache *cache.BlobCache, logger *slog.Logger) (*MountSession, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &MountSession{
		store:    store,
		source:   source,
		cache:    blobCache,
		logger:   logger.With("component", "mount"),
		files:    make(map[string]git.TreeEntry),
		dirs:     map[string]bool{"": true},
		children: map[string]map[string]bool{"": {}},
		loaded:   make(map[uint64]bool),
	}

	err := source.WalkTree(func(e git.TreeEntry) error {
		s.files[e.Path] = e
		s.indexParents(e.Path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index source tree: %w", err)
	}

	s.logger.Info("mount session ready", "files", len(s.files), "overlay", store.UUID())
	return s, nil
}

// indexParents records every ancestor directory of a file path and the
// direct parent->child edges along the way.
func (s *MountSession) indexParents(filePath string) {
	child := filePath
	isDir := false
	for {
		parent := path.Dir(child)
		if parent == "." || parent == "/" {
			parent = ""
		}
		if s.children[parent] == nil {
			s.children[parent] = make(map[string]bool)
		}
		s.children[parent][path.Base(child)] = isDir
		if parent == "" {
			return
		}
		s.dirs[parent] = true
		child = parent
		isDir = true
	}
}

// Root returns the root node for mounting.
func (s *MountSession) Root() *OverNode {
	return &OverNode{session: s, path: "", isDir: true}
}

// Store exposes the overlay store, primarily for tests and the control
// socket status report.
func (s *MountSession) Store() *overlay.Store { return s.store }

// treeEntry returns the committed tree metadata for a path.
func (s *MountSession) treeEntry(p string) (git.TreeEntry, bool) {
	e, ok := s.files[p]
	return e, ok
}

func (s *MountSession) treeDir(p string) bool {
	return s.dirs[p]
}

func (s *MountSession) treeChildren(p string) map[string]bool {
	return s.children[p]
}

// beginOp registers an in-flight filesystem operation. Returns false once
// unmount has started; new operations are refused from then on.
func (s *MountSession) beginOp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unmounting {
		return false
	}
	s.ops.Add(1)
	return true
}

func (s *MountSession) endOp() {
	s.ops.Done()
}

func (s *MountSession) markLoaded(ino uint64) {
	s.mu.Lock()
	s.loaded[ino] = true
	s.mu.Unlock()
}

// MaterializeFile ensures the committed file at p has an overlay entry and
// returns its inode number. The blob is fetched before any overlay state
// changes, so a missing object leaves the store untouched. Safe to call
// concurrently for the same path; exactly one caller writes.
func (s *MountSession) MaterializeFile(p string) (uint64, error) {
	e, ok := s.treeEntry(p)
	if !ok {
		return 0, fmt.Errorf("%w: %s", git.ErrObjectNotFound, p)
	}

	content, err := s.readBlob(e.BlobHash)
	if err != nil {
		return 0, fmt.Errorf("fetch blob for %s: %w", p, err)
	}

	ino, err := s.store.Table().Assign(p)
	if err != nil {
		return 0, fmt.Errorf("assign inode for %s: %w", p, err)
	}

	if err := s.store.Materialize(ino, content, e.Mode); err != nil {
		return 0, err
	}
	s.markLoaded(ino)
	return ino, nil
}

// readBlob fetches blob content, via the cache when one is configured.
// Blob hashes address immutable content, so hits need no validation.
func (s *MountSession) readBlob(blobHash string) ([]byte, error) {
	if s.cache != nil {
		if content, ok := s.cache.Get(blobHash); ok {
			return content, nil
		}
	}
	content, err := s.source.ReadBlob(blobHash)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.Put(blobHash, content)
	}
	return content, nil
}

// Unmount drains in-flight operations, flushes every overlay entry touched
// during the session, and closes the store. Flush failures, including
// corrupted entries, are logged and skipped: unmount must complete so the
// intact entries reach disk and the kernel releases the mountpoint.
func (s *MountSession) Unmount(ctx context.Context) error {
	s.mu.Lock()
	if s.unmounting {
		s.mu.Unlock()
		return nil
	}
	s.unmounting = true
	s.mu.Unlock()

	s.logger.Info("unmount started")

	done := make(chan struct{})
	go func() {
		s.ops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("unmount proceeding with operations still in flight")
	}

	// Snapshot after the drain so late writes are still flushed.
	s.mu.Lock()
	inos := make([]uint64, 0, len(s.loaded))
	for ino := range s.loaded {
		inos = append(inos, ino)
	}
	s.mu.Unlock()

	s.logger.Info("flushing overlay entries", "entries", len(inos))

	var g errgroup.Group
	g.SetLimit(8)
	for _, ino := range inos {
		g.Go(func() error {
			errc := make(chan error, 1)
			go func() { errc <- s.store.FlushEntry(ino) }()
			select {
			case err := <-errc:
				if err != nil {
					s.logger.Warn("entry flush failed, skipping", "ino", ino, "error", err)
				}
			case <-time.After(flushTimeout):
				s.logger.Warn("entry flush timed out, skipping", "ino", ino)
			}
			return nil
		})
	}
	g.Wait()

	if err := s.store.Close(); err != nil {
		s.logger.Error("overlay close failed", "error", err)
		return err
	}

	s.logger.Info("unmount complete")
	return nil
}

// hashPath derives the stable FUSE inode number presented to the kernel
// from a path. Overlay storage is keyed separately by table-assigned
// inode numbers.
func hashPath(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	return h.Sum64()
}
