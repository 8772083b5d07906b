// Command failsafefs-mount exposes a directory of FailSafeFS container
// files as an ordinary read-write POSIX tree via FUSE (C6): every regular
// file under source is backed by the block-chained container format,
// while directories, symlinks and metadata pass straight through to the
// real filesystem underneath.
//
// Usage:
//
//	failsafefs-mount [flags] <source-dir> <mountpoint>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/failsafefs/internal/fs"
	"github.com/calvinalkan/failsafefs/internal/mountconfig"
	"github.com/calvinalkan/failsafefs/pkg/failsafefs"
)

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failsafefs-mount: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("failsafefs-mount", flag.ContinueOnError)
	readOnly := fset.Bool("read-only", false, "reject writes to the mounted tree")
	allowOther := fset.Bool("allow-other", false, "allow users other than the mount owner to access the filesystem")
	configPath := fset.StringP("config", "c", "", "explicit JSONC config file (overrides the project config)")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		return fmt.Errorf("usage: failsafefs-mount [flags] <source-dir> <mountpoint>")
	}
	sourceDir := fset.Arg(0)
	mountpoint := fset.Arg(1)

	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("source dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source dir: %s is not a directory", sourceDir)
	}

	realFS := fs.NewReal()

	// Hold an exclusive lock on the source directory for as long as this
	// mount is active, so a second failsafefs-mount can't serve the same
	// container files out from under this one.
	mountLock, err := realFS.Lock(filepath.Join(sourceDir, ".failsafefs-mount.lock"))
	if err != nil {
		return fmt.Errorf("locking source dir: %w", err)
	}
	defer mountLock.Close()

	cfg, err := mountconfig.LoadConfig(mountconfig.LoadInput{
		SourceDir:  sourceDir,
		ConfigPath: *configPath,
		Env:        environ(),
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if fset.Changed("read-only") {
		cfg.ReadOnly = *readOnly
	}
	if fset.Changed("allow-other") {
		cfg.AllowOther = *allowOther
	}

	fsys := newFuseFS(sourceDir, failsafefs.New(realFS))

	options := map[string]string{}
	if cfg.AllowOther {
		options["allow_other"] = ""
	}

	mfs, err := fuse.Mount(mountpoint, fuseServer(fsys), &fuse.MountConfig{
		FSName:   "failsafefs",
		ReadOnly: cfg.ReadOnly,
		Options:  options,
	})
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = fuse.Unmount(mountpoint)
		cancel()
	}()

	return mfs.Join(ctx)
}
