// Package git wraps a git repository as the immutable source of truth an
// OverFS mount is built from. Content is addressed by blob hash; the
// overlay never writes back here.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
)

// ErrObjectNotFound is returned when a blob or tree path does not exist in
// the repository. During materialization this must propagate to the
// triggering write without touching overlay state.
var ErrObjectNotFound = errors.New("git: object not found")

// TreeEntry is the metadata for one file in the source tree.
type TreeEntry struct {
	Path     string
	Size     uint64
	Mode     uint32
	BlobHash string
	Mtime    int64
}

// SourceStore reads tree metadata and blob content from one repository at
// a fixed branch.
type SourceStore struct {
	repo   *gogit.Repository
	branch string
	logger *slog.Logger
}

// Open opens an existing local repository.
func Open(path, branch string, logger *slog.Logger) (*SourceStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &SourceStore{
		repo:   repo,
		branch: branch,
		logger: logger.With("component", "source"),
	}, nil
}

// Clone clones a repository for use as a source store. The clone is
// shallow and skips checkout; only git objects are needed for tree walks
// and blob reads.
func Clone(ctx context.Context, url, path, branch string, logger *slog.Logger) (*SourceStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &gogit.CloneOptions{
		URL:        url,
		Depth:      1,
		Tags:       gogit.NoTags,
		NoCheckout: true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	repo, err := gogit.PlainCloneContext(ctx, path, opts)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	return &SourceStore{
		repo:   repo,
		branch: branch,
		logger: logger.With("component", "source"),
	}, nil
}

// OpenOrClone opens the repository at path, cloning it from url first when
// absent.
func OpenOrClone(ctx context.Context, url, path, branch string, logger *slog.Logger) (*SourceStore, error) {
	s, err := Open(path, branch, logger)
	if err == nil {
		return s, nil
	}
	return Clone(ctx, url, path, branch, logger)
}

// headTree resolves the commit tree for the configured branch, trying the
// local branch ref, the remote tracking ref, and finally HEAD.
func (s *SourceStore) headTree() (*object.Tree, *object.Commit, error) {
	var refNames []plumbing.ReferenceName
	if s.branch != "" {
		refNames = append(refNames,
			plumbing.NewBranchReferenceName(s.branch),
			plumbing.NewRemoteReferenceName("origin", s.branch),
		)
	}
	refNames = append(refNames, plumbing.HEAD)

	var ref *plumbing.Reference
	var err error
	for _, name := range refNames {
		ref, err = s.repo.Reference(name, true)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve branch ref: %w", err)
	}

	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, nil, fmt.Errorf("get commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, nil, fmt.Errorf("get tree: %w", err)
	}
	return tree, commit, nil
}

// WalkTree yields metadata for every file in the source tree.
func (s *SourceStore) WalkTree(fn func(TreeEntry) error) error {
	tree, commit, err := s.headTree()
	if err != nil {
		return err
	}
	commitTime := commit.Committer.When.Unix()

	return tree.Files().ForEach(func(f *object.File) error {
		mode, err := f.Mode.ToOSFileMode()
		if err != nil {
			mode = 0o644
		}
		return fn(TreeEntry{
			Path:     f.Name,
			Size:     uint64(f.Size),
			Mode:     uint32(mode),
			BlobHash: f.Hash.String(),
			Mtime:    commitTime,
		})
	})
}

// Entry returns the metadata for one file path, or ErrObjectNotFound.
func (s *SourceStore) Entry(path string) (TreeEntry, error) {
	tree, commit, err := s.headTree()
	if err != nil {
		return TreeEntry{}, err
	}

	f, err := tree.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return TreeEntry{}, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return TreeEntry{}, fmt.Errorf("get file %s: %w", path, err)
	}

	mode, err := f.Mode.ToOSFileMode()
	if err != nil {
		mode = 0o644
	}
	return TreeEntry{
		Path:     f.Name,
		Size:     uint64(f.Size),
		Mode:     uint32(mode),
		BlobHash: f.Hash.String(),
		Mtime:    commit.Committer.When.Unix(),
	}, nil
}

// ReadBlob returns the immutable content for a blob hash, or
// ErrObjectNotFound when the repository has no such object.
func (s *SourceStore) ReadBlob(blobHash string) ([]byte, error) {
	hash := plumbing.NewHash(blobHash)
	blob, err := s.repo.BlobObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: blob %s", ErrObjectNotFound, blobHash)
		}
		return nil, fmt.Errorf("get blob %s: %w", blobHash, err)
	}

	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}
