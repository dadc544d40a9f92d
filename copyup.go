package layerfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ensureWritable copies the entry behind n up to the writable layer unless
// it is already owned by it. Concurrent callers on the same inode
// materialize at most once; the loser observes the new owner and returns.
func (fsys *FS) ensureWritable(n *inode) error {
	top := fsys.top()
	if n.ownerLayer() == top {
		return nil
	}

	n.copyMu.Lock()
	defer n.copyMu.Unlock()

	if n.ownerLayer() == top {
		return nil
	}

	p := n.currentPath()
	res, err := fsys.resolve(p)
	if err != nil {
		return err
	}
	if res.layer != top {
		if err := fsys.copyUp(p, res); err != nil {
			return err
		}
	}

	// The owner only advances once every copy step succeeded.
	n.setLayer(top)
	return nil
}

// copyUp copies an entry from a lower layer to the writable layer
func (fsys *FS) copyUp(p string, res resolution) error {
	if res.attr.IsDir() {
		return fsys.copyUpDirs(p)
	}

	// Ensure parent directory exists
	if err := fsys.copyUpDirs(path.Dir(p)); err != nil {
		return err
	}

	var (
		copied int64
		err    error
	)
	switch res.attr.Mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		copied, err = fsys.copyUpFile(p, res)
	case syscall.S_IFLNK:
		err = fsys.copyUpSymlink(p, res)
	default:
		err = fsys.copyUpSpecial(p, res)
	}
	if err != nil {
		return err
	}

	fsys.cache.forget(p)
	fsys.logger.Debug("copied up",
		"path", p,
		"from", res.layer,
		"bytes", copied,
	)
	return nil
}

// copyUpFile copies a regular file into the writable layer. Content and
// metadata go to a hidden staging file that is renamed into place last, so
// a crash never leaves a truncated file visible under the real name.
func (fsys *FS) copyUpFile(p string, res resolution) (int64, error) {
	srcPath := fsys.layers[res.layer].hostPath(p)
	dstPath := fsys.layers[fsys.top()].hostPath(p)

	src, err := os.OpenFile(srcPath, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return 0, fmt.Errorf("open copy-up source: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), stagingPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("create copy-up staging file: %w", err)
	}
	staged := false
	defer func() {
		if !staged {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	copied, err := fsys.copyContent(tmp, src, int64(res.attr.Size))
	if err != nil {
		return 0, fmt.Errorf("copy file contents: %w", err)
	}

	if err := os.Lchown(tmp.Name(), int(res.attr.Uid), int(res.attr.Gid)); err != nil {
		fsys.warnMetadata(p, res.layer, "owner", err)
	}
	// Mode after owner: chown clears the setuid and setgid bits.
	if err := fsys.host.chmod(tmp.Name(), tmp, res.attr.Mode&0o7777); err != nil {
		fsys.warnMetadata(p, res.layer, "mode", err)
	}
	fsys.copyXattrs(p, res.layer, srcPath, tmp.Name())
	fsys.copyTimes(p, res.layer, tmp.Name(), res.attr)

	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync copy-up staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close copy-up staging file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		return 0, fmt.Errorf("install copied file: %w", err)
	}
	staged = true
	return copied, nil
}

// copyContent fills dst with the bytes of src, sharing extents when the
// host supports reflinks.
func (fsys *FS) copyContent(dst, src *os.File, size int64) (int64, error) {
	err := fsys.host.clone(dst, src)
	if err == nil {
		return size, nil
	}
	if !offloadUnsupported(err) {
		return 0, err
	}

	buf := make([]byte, fsys.copyBufferSize)
	return io.CopyBuffer(dst, src, buf)
}

// copyUpSymlink recreates a symlink in the writable layer
func (fsys *FS) copyUpSymlink(p string, res resolution) error {
	target, err := os.Readlink(fsys.layers[res.layer].hostPath(p))
	if err != nil {
		return err
	}
	dstPath := fsys.layers[fsys.top()].hostPath(p)
	if err := os.Symlink(target, dstPath); err != nil {
		return err
	}
	if err := os.Lchown(dstPath, int(res.attr.Uid), int(res.attr.Gid)); err != nil {
		fsys.warnMetadata(p, res.layer, "owner", err)
	}
	fsys.copyTimes(p, res.layer, dstPath, res.attr)
	return nil
}

// copyUpSpecial recreates a fifo, socket or device node in the writable
// layer.
func (fsys *FS) copyUpSpecial(p string, res resolution) error {
	dstPath := fsys.layers[fsys.top()].hostPath(p)
	if err := unix.Mknod(dstPath, res.attr.Mode, int(res.attr.Rdev)); err != nil {
		return &os.PathError{Op: "mknod", Path: dstPath, Err: err}
	}
	if err := os.Lchown(dstPath, int(res.attr.Uid), int(res.attr.Gid)); err != nil {
		fsys.warnMetadata(p, res.layer, "owner", err)
	}
	fsys.copyXattrs(p, res.layer, fsys.layers[res.layer].hostPath(p), dstPath)
	fsys.copyTimes(p, res.layer, dstPath, res.attr)
	return nil
}

// copyUpDirs ensures the directory p and all of its parents exist in the
// writable layer, creating each missing one with the mode, owner and
// timestamps of the layer that currently supplies it. Directories created
// here are left in place if a later step fails.
func (fsys *FS) copyUpDirs(p string) error {
	top := fsys.layers[fsys.top()]
	dir := "/"
	for _, name := range splitPath(p) {
		dir = childPath(dir, name)

		if attr, err := lstat(top.hostPath(dir)); err == nil {
			if !attr.IsDir() {
				return syscall.ENOTDIR
			}
			continue
		} else if !isNotExist(err) {
			return err
		}

		res, err := fsys.resolve(dir)
		if err != nil {
			return err
		}
		if !res.attr.IsDir() {
			return syscall.ENOTDIR
		}

		hostDir := top.hostPath(dir)
		if err := os.Mkdir(hostDir, 0o700); err != nil && !os.IsExist(err) {
			return fmt.Errorf("create parent directory: %w", err)
		}
		if err := os.Lchown(hostDir, int(res.attr.Uid), int(res.attr.Gid)); err != nil {
			fsys.warnMetadata(dir, res.layer, "owner", err)
		}
		if err := fsys.host.chmod(hostDir, nil, res.attr.Mode&0o7777); err != nil {
			fsys.warnMetadata(dir, res.layer, "mode", err)
		}
		fsys.copyXattrs(dir, res.layer, fsys.layers[res.layer].hostPath(dir), hostDir)
		fsys.copyTimes(dir, res.layer, hostDir, res.attr)

		fsys.cache.forget(dir)
		if n, ok := fsys.inodes.lookupPath(dir); ok {
			n.setLayer(fsys.top())
		}
	}
	return nil
}

// copyXattrs carries extended attributes from src to dst when xattr
// passthrough is enabled. Failures are logged and ignored.
func (fsys *FS) copyXattrs(p string, layer int, src, dst string) {
	if !fsys.xattr {
		return
	}
	names, err := xattrNames(fsys.host, src)
	if err != nil {
		fsys.warnMetadata(p, layer, "xattr", err)
		return
	}
	for _, name := range names {
		value, err := xattrValue(fsys.host, src, name)
		if err != nil {
			fsys.warnMetadata(p, layer, "xattr", err)
			continue
		}
		if err := fsys.host.setxattr(dst, name, value, 0); err != nil {
			fsys.warnMetadata(p, layer, "xattr", err)
		}
	}
}

// copyTimes sets the access and modification times of dst from attr.
func (fsys *FS) copyTimes(p string, layer int, dst string, attr Attr) {
	if err := fsys.host.utimens(dst, nil, &attr.Atime, &attr.Mtime); err != nil {
		fsys.warnMetadata(p, layer, "times", err)
	}
}

// warnMetadata records an attribute copy-up could not carry over. Mode,
// owner, xattrs and times are best effort; only content is required.
func (fsys *FS) warnMetadata(p string, layer int, what string, err error) {
	fsys.logger.Warn("copy-up metadata not preserved",
		"path", p,
		"layer", layer,
		"attribute", what,
		"error", err,
	)
}
