package layerfs

import (
	"os"
	"syscall"
)

// xattrNode returns the inode for an xattr operation, or the error the
// operation must fail with when passthrough is disabled.
func (fsys *FS) xattrNode(op string, ino uint64) (*inode, error) {
	if !fsys.xattr {
		return nil, &os.PathError{Op: op, Err: syscall.ENOSYS}
	}
	n, err := fsys.node(op, ino)
	if err != nil {
		return nil, err
	}
	if n.isRemoved() {
		return nil, pathError(op, n.currentPath(), syscall.ENOENT)
	}
	return n, nil
}

// GetXattr returns the value of an extended attribute of ino.
func (fsys *FS) GetXattr(ino uint64, name string) ([]byte, error) {
	if ino == VirtualIno && fsys.virtual != nil && fsys.xattr {
		return nil, &os.PathError{Op: "getxattr", Path: fsys.virtual.name, Err: errNoAttr}
	}
	n, err := fsys.xattrNode("getxattr", ino)
	if err != nil {
		return nil, err
	}
	p := n.currentPath()
	res, err := fsys.resolve(p)
	if err != nil {
		return nil, pathError("getxattr", p, err)
	}
	value, err := xattrValue(fsys.host, fsys.layers[res.layer].hostPath(p), name)
	if err != nil {
		return nil, pathError("getxattr", p, err)
	}
	return value, nil
}

// ListXattr returns the extended attribute names of ino.
func (fsys *FS) ListXattr(ino uint64) ([]string, error) {
	if ino == VirtualIno && fsys.virtual != nil && fsys.xattr {
		return nil, nil
	}
	n, err := fsys.xattrNode("listxattr", ino)
	if err != nil {
		return nil, err
	}
	p := n.currentPath()
	res, err := fsys.resolve(p)
	if err != nil {
		return nil, pathError("listxattr", p, err)
	}
	names, err := xattrNames(fsys.host, fsys.layers[res.layer].hostPath(p))
	if err != nil {
		return nil, pathError("listxattr", p, err)
	}
	return names, nil
}

// SetXattr sets an extended attribute on ino, copying it up first.
func (fsys *FS) SetXattr(ino uint64, name string, value []byte, flags int) error {
	if ino == VirtualIno && fsys.virtual != nil && fsys.xattr {
		return &os.PathError{Op: "setxattr", Path: fsys.virtual.name, Err: syscall.EPERM}
	}
	n, err := fsys.xattrNode("setxattr", ino)
	if err != nil {
		return err
	}
	if err := fsys.ensureWritable(n); err != nil {
		return pathError("setxattr", n.currentPath(), err)
	}
	p := n.currentPath()
	if err := fsys.host.setxattr(fsys.layers[fsys.top()].hostPath(p), name, value, flags); err != nil {
		return pathError("setxattr", p, err)
	}
	return nil
}

// RemoveXattr removes an extended attribute from ino, copying it up first.
func (fsys *FS) RemoveXattr(ino uint64, name string) error {
	if ino == VirtualIno && fsys.virtual != nil && fsys.xattr {
		return &os.PathError{Op: "removexattr", Path: fsys.virtual.name, Err: syscall.EPERM}
	}
	n, err := fsys.xattrNode("removexattr", ino)
	if err != nil {
		return err
	}
	if err := fsys.ensureWritable(n); err != nil {
		return pathError("removexattr", n.currentPath(), err)
	}
	p := n.currentPath()
	if err := fsys.host.removexattr(fsys.layers[fsys.top()].hostPath(p), name); err != nil {
		return pathError("removexattr", p, err)
	}
	return nil
}
