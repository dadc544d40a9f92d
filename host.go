package layerfs

import (
	"bytes"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// hostOps is the set of host calls the engine routes through one seam,
// most of them shaped differently per platform. One implementation per
// platform is compiled in as platformHost; the resolver, copy-up engine and
// attribute operations only see this interface.
type hostOps interface {
	getxattr(path, name string, dest []byte) (int, error)
	setxattr(path, name string, data []byte, flags int) error
	listxattr(path string, dest []byte) (int, error)
	removexattr(path, name string) error
	// clone shares the extents of src into dst. It fails with a value
	// accepted by offloadUnsupported when the host cannot reflink.
	clone(dst, src *os.File) error
	statfs(path string) (StatFs, error)

	// chmod sets permission bits on f, or on path when f is nil.
	chmod(path string, f *os.File, mode uint32) error
	// utimens sets the times of f, or of path without following a final
	// symlink when f is nil. A nil time is left unchanged.
	utimens(path string, f *os.File, atime, mtime *time.Time) error
	fallocate(f *os.File, mode uint32, off, length int64) error
	// copyRange copies n bytes between descriptors inside the kernel.
	copyRange(dst *os.File, dstOff int64, src *os.File, srcOff int64, n int) (int, error)
}

// posixHost carries the calls every platform spells the same way.
type posixHost struct{}

func (posixHost) chmod(path string, f *os.File, mode uint32) error {
	if f != nil {
		return unix.Fchmod(int(f.Fd()), mode)
	}
	return unix.Chmod(path, mode)
}

// offloadUnsupported reports whether a clone or in-kernel range copy
// failure should fall back to a byte copy.
func offloadUnsupported(err error) bool {
	switch err {
	case unix.EXDEV, unix.EINVAL, unix.EOPNOTSUPP, unix.ENOTTY, unix.ENOSYS, unix.EPERM:
		return true
	}
	return false
}

// xattrNames lists the extended attribute names of a host path.
func xattrNames(h hostOps, path string) ([]string, error) {
	buf := make([]byte, 1024)
	for {
		n, err := h.listxattr(path, buf)
		if err == unix.ERANGE {
			size, serr := h.listxattr(path, nil)
			if serr != nil {
				return nil, serr
			}
			buf = make([]byte, size+64)
			continue
		}
		if err != nil {
			return nil, err
		}
		var names []string
		for _, name := range bytes.Split(buf[:n], []byte{0}) {
			if len(name) > 0 {
				names = append(names, string(name))
			}
		}
		return names, nil
	}
}

// xattrValue reads one extended attribute value of a host path.
func xattrValue(h hostOps, path, name string) ([]byte, error) {
	buf := make([]byte, 256)
	for {
		n, err := h.getxattr(path, name, buf)
		if err == unix.ERANGE {
			size, serr := h.getxattr(path, name, nil)
			if serr != nil {
				return nil, serr
			}
			buf = make([]byte, size+64)
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}
