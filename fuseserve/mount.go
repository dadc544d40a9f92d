package fuseserve

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/absfs/layerfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the merged namespace appears.
	Mountpoint string

	// FS is the engine to serve.
	FS *layerfs.FS

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// EntryTimeout and AttrTimeout bound how long the kernel caches
	// lookups and attributes. Zero uses DefaultTimeout.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// Debug logs every FUSE request and reply.
	Debug bool

	// Logger receives diagnostic messages. If nil, errors are logged
	// to stderr.
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.EntryTimeout == 0 {
		o.EntryTimeout = DefaultTimeout
	}
	if o.AttrTimeout == 0 {
		o.AttrTimeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
}

// Mount serves options.FS at the configured mountpoint and returns once
// the kernel has completed the handshake. The caller must call Unmount
// on the returned server when done. The mountpoint directory is created
// if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.FS == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	options.setDefaults()

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	bridge := NewBridge(options)
	server, err := fuse.NewServer(bridge, options.Mountpoint, &fuse.MountOptions{
		FsName:     options.FS.Name(),
		Name:       options.FS.Name(),
		AllowOther: options.AllowOther,
		Debug:      options.Debug,
		// The engine does not check permissions; the kernel does it
		// against the attributes we report.
		Options: []string{"default_permissions"},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		server.Unmount()
		return nil, fmt.Errorf("waiting for mount at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("layered filesystem mounted",
		"mountpoint", options.Mountpoint,
		"layers", len(options.FS.Layers()))
	return server, nil
}
