package layerfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// WhiteoutPrefix is the prefix for whiteout files (AUFS/OCI style)
	WhiteoutPrefix = ".wh."
	// OpaqueWhiteout marks a directory as opaque (hides all lower layer contents)
	OpaqueWhiteout = ".wh..wh..opq"
	// stagingPrefix names in-progress copy-up files. It carries the whiteout
	// prefix so listings skip it and no guest name can collide with it.
	stagingPrefix = ".wh..wh..tmp."

	// MaxLayers is the largest layer stack New accepts.
	MaxLayers = 128

	// DefaultVirtualFileName is the name the injected file uses when
	// WithVirtualFile is given an empty name.
	DefaultVirtualFileName = "init.krun"

	// RootIno is the inode number of the merged namespace root.
	RootIno uint64 = 1
	// VirtualIno is the inode number of the injected virtual file.
	VirtualIno uint64 = 2

	firstDynamicIno uint64 = 3

	defaultCopyBufferSize = 32 * 1024
)

// Layer is one host directory tree in the stack.
type Layer struct {
	root     string
	writable bool
}

// Root returns the host directory backing the layer.
func (l *Layer) Root() string {
	return l.root
}

// Writable reports whether the layer is the top (upper) layer.
func (l *Layer) Writable() bool {
	return l.writable
}

// hostPath maps a clean merged path onto this layer's host tree.
func (l *Layer) hostPath(p string) string {
	if p == "/" {
		return l.root
	}
	return filepath.Join(l.root, filepath.FromSlash(p))
}

// FS is a union of host directory layers. Layer 0 is the bottom of the
// stack; the last layer is the only writable one.
type FS struct {
	layers  []*Layer
	inodes  *inodeTable
	handles *handleTable
	cache   *resolutionCache
	virtual *virtualFile
	host    hostOps
	logger  *slog.Logger

	xattr          bool
	copyBufferSize int
}

// Option is a functional option for configuring FS
type Option func(*FS)

// WithXattr enables extended attribute passthrough. When disabled the xattr
// operations fail with ENOSYS and copy-up does not carry xattrs.
func WithXattr(enabled bool) Option {
	return func(fsys *FS) {
		fsys.xattr = enabled
	}
}

// WithVirtualFile injects a read-only regular file with the given content
// into every directory of the merged namespace.
func WithVirtualFile(name string, payload []byte) Option {
	return func(fsys *FS) {
		if name == "" {
			name = DefaultVirtualFileName
		}
		fsys.virtual = newVirtualFile(name, payload)
	}
}

// WithLogger sets the logger for diagnostic messages.
func WithLogger(logger *slog.Logger) Option {
	return func(fsys *FS) {
		fsys.logger = logger
	}
}

// WithStatCache enables resolution caching with the specified TTL
func WithStatCache(enabled bool, ttl time.Duration) Option {
	return func(fsys *FS) {
		// Misses expire faster than hits.
		fsys.cache = newResolutionCache(CacheConfig{Enabled: enabled, StatTTL: ttl, NegativeTTL: ttl / 2, MaxEntries: 1000})
	}
}

// WithCacheConfig enables caching with custom configuration
func WithCacheConfig(enabled bool, statTTL, negativeTTL time.Duration, maxEntries int) Option {
	return func(fsys *FS) {
		fsys.cache = newResolutionCache(CacheConfig{Enabled: enabled, StatTTL: statTTL, NegativeTTL: negativeTTL, MaxEntries: maxEntries})
	}
}

// WithCopyBufferSize sets the buffer size for copy-up
func WithCopyBufferSize(size int) Option {
	return func(fsys *FS) {
		fsys.copyBufferSize = size
	}
}

// New creates a union of the given host directories, ordered bottom to top.
// The last directory becomes the writable upper layer.
func New(layers []string, opts ...Option) (*FS, error) {
	if len(layers) == 0 {
		return nil, ErrNoWritableLayer
	}
	if len(layers) > MaxLayers {
		return nil, ErrTooManyLayers
	}

	fsys := &FS{
		inodes:         newInodeTable(),
		handles:        newHandleTable(),
		host:           platformHost,
		copyBufferSize: defaultCopyBufferSize,
	}
	for _, opt := range opts {
		opt(fsys)
	}
	if fsys.logger == nil {
		fsys.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	if fsys.copyBufferSize <= 0 {
		fsys.copyBufferSize = defaultCopyBufferSize
	}
	if fsys.virtual != nil {
		if err := validateName(fsys.virtual.name); err != nil {
			return nil, fmt.Errorf("virtual file name %q: %w", fsys.virtual.name, err)
		}
	}

	for i, root := range layers {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if !info.IsDir() {
			return nil, &os.PathError{Op: "layer", Path: abs, Err: syscall.ENOTDIR}
		}
		fsys.layers = append(fsys.layers, &Layer{
			root:     abs,
			writable: i == len(layers)-1,
		})
	}

	rootAttr, err := lstat(fsys.layers[fsys.top()].root)
	if err != nil {
		return nil, fmt.Errorf("upper layer: %w", err)
	}
	fsys.inodes.insertRoot(fsys.top(), rootAttr.Mode)

	fsys.logger.Debug("layer stack ready",
		"layers", len(fsys.layers),
		"upper", fsys.layers[fsys.top()].root,
		"xattr", fsys.xattr,
	)
	return fsys, nil
}

// Name returns the name of the filesystem
func (fsys *FS) Name() string {
	return "layerfs"
}

// Layers returns the host roots of the stack, bottom first.
func (fsys *FS) Layers() []string {
	roots := make([]string, len(fsys.layers))
	for i, l := range fsys.layers {
		roots[i] = l.root
	}
	return roots
}

// Close releases every open handle. The FS must not be used afterwards.
func (fsys *FS) Close() error {
	var errs []error
	for _, h := range fsys.handles.drain() {
		if err := h.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// top returns the index of the writable layer
func (fsys *FS) top() int {
	return len(fsys.layers) - 1
}

// isWhiteout checks if a filename is a whiteout marker
func isWhiteout(name string) bool {
	return strings.HasPrefix(name, WhiteoutPrefix)
}

// whiteoutName returns the whiteout marker name for name
func whiteoutName(name string) string {
	return WhiteoutPrefix + name
}

// cleanPath normalizes a merged path
func cleanPath(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	return p
}

// childPath joins a directory path and an entry name
func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// splitPath splits a clean merged path into components
func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// isWithin reports whether p is dir itself or lies beneath it
func isWithin(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// validateName rejects names that could escape a directory or alias an
// overlay marker.
func validateName(name string) error {
	switch {
	case name == "":
		return syscall.EINVAL
	case name == "." || name == "..":
		return syscall.EPERM
	case strings.ContainsAny(name, "/\\"):
		return syscall.EPERM
	case strings.IndexByte(name, 0) >= 0:
		return syscall.EINVAL
	case isWhiteout(name):
		return syscall.EINVAL
	}
	return nil
}

// InvalidateCache removes a path from the cache
func (fsys *FS) InvalidateCache(p string) {
	fsys.cache.forget(cleanPath(p))
}

// InvalidateCacheTree removes all cache entries under a path prefix
func (fsys *FS) InvalidateCacheTree(pathPrefix string) {
	fsys.cache.forgetTree(cleanPath(pathPrefix))
}

// ClearCache removes all cache entries
func (fsys *FS) ClearCache() {
	fsys.cache.reset()
}

// CacheStats returns cache statistics
func (fsys *FS) CacheStats() CacheStats {
	return fsys.cache.stats()
}

// discardLogger is used by tests that want a silent engine.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
