package fuse

import (
	"context"
	"errors"
	"io"
	"sort"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/overfs/internal/git"
	"github.com/radryc/overfs/internal/overlay"
)

// OverNode is a node in the OverFS tree. Committed files come from the git
// source; any file that has been written lives in the overlay store, which
// takes precedence. A corrupted overlay entry still stats (as an empty
// file with no permission bits) and still unlinks, but reads fail.
type OverNode struct {
	fs.Inode

	session *MountSession
	path    string
	isDir   bool
}

var (
	_ fs.NodeLookuper  = (*OverNode)(nil)
	_ fs.NodeGetattrer = (*OverNode)(nil)
	_ fs.NodeReaddirer = (*OverNode)(nil)
	_ fs.NodeOpener    = (*OverNode)(nil)
	_ fs.NodeCreater   = (*OverNode)(nil)
	_ fs.NodeUnlinker  = (*OverNode)(nil)
	_ fs.NodeSetattrer = (*OverNode)(nil)
	_ fs.NodeMkdirer   = (*OverNode)(nil)
	_ fs.NodeRmdirer   = (*OverNode)(nil)
)

func (n *OverNode) childPath(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

func (n *OverNode) newChild(name string, isDir bool) *OverNode {
	return &OverNode{session: n.session, path: n.childPath(name), isDir: isDir}
}

// fileAttr is the resolved view of one file: overlay entry when present,
// committed tree metadata otherwise.
type fileAttr struct {
	size  uint64
	mode  uint32
	mtime int64
}

// dirMode returns the permission bits for a directory: the recorded mkdir
// mode for overlay-created directories, 0755 for committed tree
// directories (git trees carry no directory modes).
func (n *OverNode) dirMode(p string) uint32 {
	if rec, ok := n.session.store.Table().Lookup(p); ok && rec.Dir && rec.Mode != 0 {
		return rec.Mode
	}
	return 0o755
}

// resolveFile returns the attributes for a file path, or false when the
// path does not exist (unknown, or hidden by a deletion marker). It never
// fails on a corrupted overlay entry: that case reports size 0 and
// permission bits 0000.
func (n *OverNode) resolveFile(p string) (fileAttr, bool) {
	table := n.session.store.Table()
	if table.IsDeleted(p) {
		return fileAttr{}, false
	}

	tree, inTree := n.session.treeEntry(p)

	if rec, ok := table.Lookup(p); ok && !rec.Dir {
		meta, err := n.session.store.Stat(rec.Ino)
		if err != nil {
			// Store closed mid-operation; treat as gone.
			return fileAttr{}, false
		}
		if meta.Exists {
			n.session.markLoaded(rec.Ino)
			attr := fileAttr{size: meta.Size, mode: meta.Mode}
			if inTree {
				attr.mtime = tree.Mtime
			}
			return attr, true
		}
		// Binding without an entry: materialization never completed.
		// Fall through to the committed view.
	}

	if inTree {
		return fileAttr{size: tree.Size, mode: tree.Mode, mtime: tree.Mtime}, true
	}
	return fileAttr{}, false
}

// Lookup finds a child entry in a directory.
func (n *OverNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.session.beginOp() {
		return nil, syscall.EIO
	}
	defer n.session.endOp()

	p := n.childPath(name)
	table := n.session.store.Table()
	if table.IsDeleted(p) {
		return nil, syscall.ENOENT
	}

	rec, hasBinding := table.Lookup(p)
	if n.session.treeDir(p) || (hasBinding && rec.Dir) {
		child := n.newChild(name, true)
		stable := fs.StableAttr{Mode: fuse.S_IFDIR, Ino: hashPath(p)}
		out.Mode = n.dirMode(p) | uint32(syscall.S_IFDIR)
		out.Ino = stable.Ino
		out.Nlink = 2
		return n.NewInode(ctx, child, stable), 0
	}

	attr, ok := n.resolveFile(p)
	if !ok {
		return nil, syscall.ENOENT
	}

	child := n.newChild(name, false)
	stable := fs.StableAttr{Mode: fuse.S_IFREG, Ino: hashPath(p)}
	out.Mode = attr.mode | uint32(syscall.S_IFREG)
	out.Size = attr.size
	out.Ino = stable.Ino
	out.Nlink = 1
	out.Mtime = uint64(attr.mtime)
	return n.NewInode(ctx, child, stable), 0
}

// Getattr returns file attributes. For corrupted overlay entries this
// still succeeds, reporting an empty file with all permission bits
// stripped; tools that enumerate the tree keep working and the file stays
// visible for unlink.
func (n *OverNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if !n.session.beginOp() {
		return syscall.EIO
	}
	defer n.session.endOp()

	if h, ok := f.(*entryFileHandle); ok {
		return h.Getattr(ctx, out)
	}

	if n.isDir {
		out.Mode = n.dirMode(n.path) | uint32(syscall.S_IFDIR)
		out.Nlink = 2
		out.Ino = hashPath(n.path)
		return 0
	}

	attr, ok := n.resolveFile(n.path)
	if !ok {
		return syscall.ENOENT
	}
	out.Mode = attr.mode | uint32(syscall.S_IFREG)
	out.Size = attr.size
	out.Ino = hashPath(n.path)
	out.Nlink = 1
	out.Mtime = uint64(attr.mtime)
	return 0
}

// Readdir merges committed tree children with overlay-created files and
// hides deleted names.
func (n *OverNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.session.beginOp() {
		return nil, syscall.EIO
	}
	defer n.session.endOp()

	table := n.session.store.Table()
	merged := make(map[string]bool)

	for name, isDir := range n.session.treeChildren(n.path) {
		if table.IsDeleted(n.childPath(name)) {
			continue
		}
		merged[name] = isDir
	}
	for name, rec := range table.ChildrenOf(n.path) {
		if table.IsDeleted(n.childPath(name)) {
			continue
		}
		merged[name] = rec.Dir
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		mode := uint32(fuse.S_IFREG)
		if merged[name] {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: mode,
			Ino:  hashPath(n.childPath(name)),
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens a file. Writes force materialization into the overlay; reads
// are served from the overlay when an entry exists and straight from the
// git blob otherwise. Opening a corrupted entry fails with EIO.
func (n *OverNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if !n.session.beginOp() {
		return nil, 0, syscall.EIO
	}
	defer n.session.endOp()

	isWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0

	table := n.session.store.Table()
	if table.IsDeleted(n.path) {
		return nil, 0, syscall.ENOENT
	}

	if rec, ok := table.Lookup(n.path); ok && !rec.Dir {
		return n.openOverlay(rec.Ino, flags)
	}

	if isWrite {
		ino, err := n.session.MaterializeFile(n.path)
		if err != nil {
			if errors.Is(err, git.ErrObjectNotFound) {
				return nil, 0, syscall.ENOENT
			}
			n.session.logger.Error("materialize on open failed", "path", n.path, "error", err)
			return nil, 0, syscall.EIO
		}
		return n.openOverlay(ino, flags)
	}

	// Read-only path without overlay involvement.
	e, ok := n.session.treeEntry(n.path)
	if !ok {
		return nil, 0, syscall.ENOENT
	}
	content, err := n.session.readBlob(e.BlobHash)
	if err != nil {
		n.session.logger.Error("blob read failed", "path", n.path, "error", err)
		return nil, 0, syscall.EIO
	}
	return &blobHandle{content: content}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *OverNode) openOverlay(ino uint64, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.session.store.OpenEntry(ino)
	if err != nil {
		if errors.Is(err, overlay.ErrCorruptEntry) {
			n.session.logger.Warn("open of corrupt entry refused", "path", n.path, "ino", ino)
			return nil, 0, syscall.EIO
		}
		n.session.logger.Error("overlay open failed", "path", n.path, "ino", ino, "error", err)
		return nil, 0, syscall.EIO
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := h.Truncate(0); err != nil {
			h.Close()
			return nil, 0, syscall.EIO
		}
	}
	n.session.markLoaded(ino)
	return &entryFileHandle{handle: h, session: n.session}, fuse.FOPEN_DIRECT_IO, 0
}

// Create makes a new overlay-only file.
func (n *OverNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if !n.session.beginOp() {
		return nil, nil, 0, syscall.EIO
	}
	defer n.session.endOp()

	p := n.childPath(name)
	table := n.session.store.Table()

	ino, err := table.Assign(p)
	if err != nil {
		n.session.logger.Error("create: assign inode failed", "path", p, "error", err)
		return nil, nil, 0, syscall.EIO
	}
	if err := n.session.store.Write(ino, nil, mode); err != nil {
		n.session.logger.Error("create: overlay write failed", "path", p, "error", err)
		return nil, nil, 0, syscall.EIO
	}
	n.session.markLoaded(ino)

	h, err := n.session.store.OpenEntry(ino)
	if err != nil {
		n.session.logger.Error("create: overlay open failed", "path", p, "error", err)
		return nil, nil, 0, syscall.EIO
	}

	child := n.newChild(name, false)
	stable := fs.StableAttr{Mode: fuse.S_IFREG, Ino: hashPath(p)}
	inode := n.NewInode(ctx, child, stable)

	out.Mode = mode | uint32(syscall.S_IFREG)
	out.Ino = stable.Ino
	out.Nlink = 1

	fh := &entryFileHandle{handle: h, session: n.session}
	n.session.logger.Debug("created file", "path", p, "ino", ino)
	return inode, fh, fuse.FOPEN_DIRECT_IO, 0
}

// Unlink removes a file. This succeeds for corrupted overlay entries too;
// deleting a damaged file must always be possible, otherwise the only
// escape would be discarding the whole overlay.
func (n *OverNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if !n.session.beginOp() {
		return syscall.EIO
	}
	defer n.session.endOp()

	p := n.childPath(name)
	table := n.session.store.Table()
	_, inTree := n.session.treeEntry(p)
	rec, hasBinding := table.Lookup(p)

	if !inTree && !hasBinding {
		return syscall.ENOENT
	}
	if table.IsDeleted(p) {
		return syscall.ENOENT
	}

	if hasBinding && !rec.Dir {
		if err := n.session.store.Remove(rec.Ino); err != nil {
			n.session.logger.Error("unlink: overlay remove failed", "path", p, "error", err)
			return syscall.EIO
		}
	}

	var err error
	if inTree {
		err = table.MarkDeleted(p)
	} else if hasBinding {
		err = table.Forget(p)
	}
	if err != nil {
		n.session.logger.Error("unlink: table update failed", "path", p, "error", err)
		return syscall.EIO
	}

	n.session.logger.Debug("unlinked", "path", p)
	return 0
}

// Setattr handles truncate and chmod by routing them into the overlay.
func (n *OverNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if !n.session.beginOp() {
		return syscall.EIO
	}
	defer n.session.endOp()

	if n.isDir {
		return n.Getattr(ctx, f, out)
	}

	ino, errno := n.ensureMaterialized()
	if errno != 0 {
		return errno
	}

	if in.Valid&fuse.FATTR_SIZE != 0 {
		h, err := n.session.store.OpenEntry(ino)
		if err != nil {
			return syscall.EIO
		}
		err = h.Truncate(int64(in.Size))
		h.Close()
		if err != nil {
			n.session.logger.Error("setattr: truncate failed", "path", n.path, "error", err)
			return syscall.EIO
		}
	}

	if in.Valid&fuse.FATTR_MODE != 0 {
		if err := n.session.store.Chmod(ino, in.Mode&0o7777); err != nil {
			n.session.logger.Error("setattr: chmod failed", "path", n.path, "error", err)
			return syscall.EIO
		}
	}

	return n.Getattr(ctx, nil, out)
}

// ensureMaterialized returns the overlay inode for this node's path,
// materializing the committed content first when needed.
func (n *OverNode) ensureMaterialized() (uint64, syscall.Errno) {
	table := n.session.store.Table()
	if table.IsDeleted(n.path) {
		return 0, syscall.ENOENT
	}
	if rec, ok := table.Lookup(n.path); ok && !rec.Dir {
		return rec.Ino, 0
	}
	ino, err := n.session.MaterializeFile(n.path)
	if err != nil {
		if errors.Is(err, git.ErrObjectNotFound) {
			return 0, syscall.ENOENT
		}
		n.session.logger.Error("materialize failed", "path", n.path, "error", err)
		return 0, syscall.EIO
	}
	return ino, 0
}

// Mkdir records an overlay-only directory.
func (n *OverNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.session.beginOp() {
		return nil, syscall.EIO
	}
	defer n.session.endOp()

	p := n.childPath(name)
	if _, err := n.session.store.Table().AssignDir(p, mode&0o7777); err != nil {
		n.session.logger.Error("mkdir: assign failed", "path", p, "error", err)
		return nil, syscall.EIO
	}

	child := n.newChild(name, true)
	stable := fs.StableAttr{Mode: fuse.S_IFDIR, Ino: hashPath(p)}
	out.Mode = mode | uint32(syscall.S_IFDIR)
	out.Ino = stable.Ino
	out.Nlink = 2
	return n.NewInode(ctx, child, stable), 0
}

// Rmdir removes a directory. Committed directories get a deletion marker;
// overlay-only directories are forgotten outright. Fails when the merged
// view still shows children.
func (n *OverNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if !n.session.beginOp() {
		return syscall.EIO
	}
	defer n.session.endOp()

	p := n.childPath(name)
	table := n.session.store.Table()

	for child := range n.session.treeChildren(p) {
		if !table.IsDeleted(p + "/" + child) {
			return syscall.ENOTEMPTY
		}
	}
	for child := range table.ChildrenOf(p) {
		if !table.IsDeleted(p + "/" + child) {
			return syscall.ENOTEMPTY
		}
	}

	rec, hasBinding := table.Lookup(p)
	inTree := n.session.treeDir(p)
	if !inTree && !(hasBinding && rec.Dir) {
		return syscall.ENOENT
	}

	var err error
	if inTree {
		err = table.MarkDeleted(p)
	} else {
		err = table.Forget(p)
	}
	if err != nil {
		n.session.logger.Error("rmdir: table update failed", "path", p, "error", err)
		return syscall.EIO
	}
	return 0
}

// entryFileHandle serves reads and writes through an open overlay entry.
type entryFileHandle struct {
	handle  *overlay.EntryHandle
	session *MountSession
}

var (
	_ fs.FileReader    = (*entryFileHandle)(nil)
	_ fs.FileWriter    = (*entryFileHandle)(nil)
	_ fs.FileFlusher   = (*entryFileHandle)(nil)
	_ fs.FileReleaser  = (*entryFileHandle)(nil)
	_ fs.FileGetattrer = (*entryFileHandle)(nil)
)

func (h *entryFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.handle.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		h.session.logger.Error("entry read failed", "ino", h.handle.Ino(), "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *entryFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.handle.WriteAt(data, off)
	if err != nil {
		h.session.logger.Error("entry write failed", "ino", h.handle.Ino(), "error", err)
		return 0, syscall.EIO
	}
	return uint32(n), 0
}

func (h *entryFileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.handle.Sync(); err != nil {
		h.session.logger.Error("entry flush failed", "ino", h.handle.Ino(), "error", err)
		return syscall.EIO
	}
	return 0
}

func (h *entryFileHandle) Release(ctx context.Context) syscall.Errno {
	if h.handle != nil {
		h.handle.Close()
		h.handle = nil
	}
	return 0
}

func (h *entryFileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	size, err := h.handle.Size()
	if err != nil {
		return syscall.EIO
	}
	mode, err := h.handle.Mode()
	if err != nil {
		return syscall.EIO
	}
	out.Size = uint64(size)
	out.Mode = mode | uint32(syscall.S_IFREG)
	out.Nlink = 1
	return 0
}

// blobHandle serves a committed file straight from its git blob. Content
// is immutable, so the whole blob is held for the handle's lifetime.
type blobHandle struct {
	content []byte
}

var _ fs.FileReader = (*blobHandle)(nil)

func (h *blobHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.content)) {
		end = int64(len(h.content))
	}
	return fuse.ReadResultData(h.content[off:end]), 0
}
