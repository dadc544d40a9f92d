// layerfs mounts a stack of host directories as one merged, writable
// directory tree over FUSE.
//
// Layers are given bottom first; the last one receives every change:
//
//	layerfs --layer /images/base --layer /run/vm/upper --mount /mnt/guest
//
// A YAML file passed with --config supplies the same settings; flags
// given on the command line override it. The tool runs until it
// receives SIGINT or SIGTERM and then unmounts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/fuseserve"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		layers     []string
		mountpoint string
		initPath   string
		initName   string
		xattr      bool
		allowOther bool
		debug      bool
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("layerfs", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML configuration file")
	flagSet.StringArrayVar(&layers, "layer", nil, "host directory to stack, bottom first (repeatable; the last is writable)")
	flagSet.StringVar(&mountpoint, "mount", "", "directory to mount the merged tree on")
	flagSet.StringVar(&initPath, "init", "", "host file served read-only as the injected file")
	flagSet.StringVar(&initName, "init-name", layerfs.DefaultVirtualFileName, "name of the injected file in the root directory")
	flagSet.BoolVar(&xattr, "xattr", false, "pass extended attributes through")
	flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	flagSet.BoolVar(&debug, "debug", false, "log every FUSE request")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := &layerfs.Config{}
	if configPath != "" {
		loaded, err := layerfs.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Command-line flags override the file.
	if flagSet.Changed("layer") {
		cfg.Layers = layers
	}
	if flagSet.Changed("mount") {
		cfg.Mountpoint = mountpoint
	}
	if flagSet.Changed("init") {
		cfg.VirtualFile = &layerfs.VirtualFileConfig{Name: initName, Source: initPath}
	} else if flagSet.Changed("init-name") && cfg.VirtualFile != nil {
		cfg.VirtualFile.Name = initName
	}
	if flagSet.Changed("xattr") {
		cfg.Xattr = xattr
	}
	if flagSet.Changed("allow-other") {
		cfg.AllowOther = allowOther
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Mountpoint == "" {
		return fmt.Errorf("no mountpoint: pass --mount or set mountpoint in the configuration")
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	fsys, err := layerfs.New(cfg.Layers, append(opts, layerfs.WithLogger(logger))...)
	if err != nil {
		return err
	}
	defer fsys.Close()

	server, err := fuseserve.Mount(fuseserve.Options{
		Mountpoint:   cfg.Mountpoint,
		FS:           fsys,
		AllowOther:   cfg.AllowOther,
		EntryTimeout: cfg.EntryTimeout,
		AttrTimeout:  cfg.AttrTimeout,
		Debug:        debug,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		logger.Info("unmounting", "mountpoint", cfg.Mountpoint)
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmounting %s: %w", cfg.Mountpoint, err)
		}
		<-done
	case <-done:
		// Unmounted from outside (fusermount -u).
		logger.Info("filesystem unmounted", "mountpoint", cfg.Mountpoint)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: layerfs [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Mount host directories as one layered, writable tree.\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flagSet.PrintDefaults()
}
