// OverFS Client - FUSE filesystem client backed by a git repository with a
// crash-tolerant local overlay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/overfs/internal/cache"
	overfuse "github.com/radryc/overfs/internal/fuse"
	"github.com/radryc/overfs/internal/git"
	"github.com/radryc/overfs/internal/overlay"
)

func main() {
	repoPath := flag.String("repo", "", "Path to local git repository (required unless --clone is set)")
	cloneURL := flag.String("clone", "", "Clone the repository from this URL when --repo is absent")
	branch := flag.String("branch", "", "Branch to serve (default: HEAD)")
	mountpoint := flag.String("mount", "", "Mount point (required)")
	overlayDir := flag.String("overlay", "", "Overlay storage location (default: ~/.overfs/overlay)")
	cacheDir := flag.String("cache-dir", "", "Blob cache directory (optional, disables caching if empty)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *mountpoint == "" || (*repoPath == "" && *cloneURL == "") {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *overlayDir == "" {
		homeDir, _ := os.UserHomeDir()
		*overlayDir = filepath.Join(homeDir, ".overfs", "overlay")
	}
	if *repoPath == "" {
		homeDir, _ := os.UserHomeDir()
		*repoPath = filepath.Join(homeDir, ".overfs", "repo")
	}

	logger.Info("starting overfs-client",
		"repo", *repoPath,
		"branch", *branch,
		"mount", *mountpoint,
		"overlay", *overlayDir,
		"cache", *cacheDir,
	)

	ctx := context.Background()

	var source *git.SourceStore
	var err error
	if *cloneURL != "" {
		source, err = git.OpenOrClone(ctx, *cloneURL, *repoPath, *branch, logger)
	} else {
		source, err = git.Open(*repoPath, *branch, logger)
	}
	if err != nil {
		logger.Error("failed to open source repository", "error", err)
		os.Exit(1)
	}

	store, err := overlay.OpenOrInit(*overlayDir, logger)
	if err != nil {
		logger.Error("failed to open overlay store", "error", err)
		os.Exit(1)
	}

	var blobCache *cache.BlobCache
	if *cacheDir != "" {
		blobCache, err = cache.New(*cacheDir, logger)
		if err != nil {
			logger.Warn("failed to initialize blob cache, continuing without", "error", err)
			blobCache = nil
		} else {
			defer blobCache.Close()
		}
	}

	session, err := overfuse.NewMountSessionWithCache(store, source, blobCache, logger)
	if err != nil {
		logger.Error("failed to build mount session", "error", err)
		store.Close()
		os.Exit(1)
	}

	socketHandler, err := overfuse.NewControlSocketHandler(*overlayDir, session, logger)
	if err != nil {
		logger.Error("failed to create control socket", "error", err)
		store.Close()
		os.Exit(1)
	}
	socketHandler.Start()
	defer socketHandler.Stop()

	attrTimeout := 1 * time.Second
	entryTimeout := 1 * time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:  *debug,
			FsName: "overfs",
			Name:   "overfs",
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	server, err := fs.Mount(*mountpoint, session.Root(), opts)
	if err != nil {
		logger.Error("failed to mount", "error", err)
		store.Close()
		os.Exit(1)
	}

	logger.Info("filesystem mounted", "mountpoint", *mountpoint,
		"control_socket", filepath.Join(*overlayDir, "control.sock"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, unmounting", "signal", sig)
		case <-socketHandler.UnmountRequested():
			logger.Info("unmount requested via control socket")
		}
		if err := server.Unmount(); err != nil {
			logger.Error("kernel unmount error", "error", err)
		}
	}()

	server.Wait()

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := session.Unmount(drainCtx); err != nil {
		logger.Error("overlay shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("filesystem unmounted")
}
