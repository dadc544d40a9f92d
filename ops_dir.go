package layerfs

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Rename flags accepted by Rename.
const (
	RenameNoReplace uint32 = 1 << iota
	RenameExchange
	RenameWhiteout
)

// OpenDir opens a directory for listing. The handle iterates over the
// merged listing as it was when the directory was opened.
func (fsys *FS) OpenDir(ino uint64, flags int) (uint64, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		return 0, &os.PathError{Op: "opendir", Path: fsys.virtual.name, Err: syscall.ENOTDIR}
	}
	n, err := fsys.node("opendir", ino)
	if err != nil {
		return 0, err
	}
	p := n.currentPath()
	if n.isRemoved() {
		return 0, pathError("opendir", p, syscall.ENOENT)
	}
	res, err := fsys.resolve(p)
	if err != nil {
		return 0, pathError("opendir", p, err)
	}
	if !res.attr.IsDir() {
		return 0, pathError("opendir", p, syscall.ENOTDIR)
	}

	entries, err := fsys.mergedEntries(p)
	if err != nil {
		return 0, pathError("opendir", p, err)
	}

	fsys.inodes.ref(ino)
	return fsys.handles.add(&handle{ino: ino, flags: flags, dir: true, entries: entries}), nil
}

// ReadDir returns the entries of an open directory that follow the cookie
// off. Zero starts from the beginning; each entry's Off continues after it.
func (fsys *FS) ReadDir(ino, fh, off uint64) ([]DirEntry, error) {
	h, ok := fsys.handles.get(ino, fh)
	if !ok {
		return nil, &os.PathError{Op: "readdir", Err: syscall.EBADF}
	}
	if !h.dir {
		return nil, &os.PathError{Op: "readdir", Err: syscall.ENOTDIR}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= uint64(len(h.entries)) {
		return nil, nil
	}
	out := make([]DirEntry, len(h.entries)-int(off))
	copy(out, h.entries[off:])
	return out, nil
}

// ReleaseDir closes a handle returned by OpenDir.
func (fsys *FS) ReleaseDir(ino, fh uint64) error {
	if h, ok := fsys.handles.get(ino, fh); ok && !h.dir {
		return &os.PathError{Op: "releasedir", Err: syscall.ENOTDIR}
	}
	if _, ok := fsys.handles.remove(ino, fh); !ok {
		return &os.PathError{Op: "releasedir", Err: syscall.EBADF}
	}
	fsys.inodes.unref(ino)
	return nil
}

// Unlink removes a non-directory entry. The writable layer's copy is
// deleted and a whiteout hides any copy that a lower layer still supplies.
// Nothing is copied up.
func (fsys *FS) Unlink(parent uint64, name string) error {
	_, dir, err := fsys.dirNode("unlink", parent)
	if err != nil {
		return err
	}
	p := childPath(dir, name)
	if fsys.isVirtual(name) {
		return pathError("unlink", p, syscall.EPERM)
	}
	if isWhiteout(name) {
		return pathError("unlink", p, syscall.ENOENT)
	}
	if err := validateName(name); err != nil {
		return pathError("unlink", p, err)
	}

	res, err := fsys.resolve(p)
	if err != nil {
		return pathError("unlink", p, err)
	}
	if res.attr.IsDir() {
		return pathError("unlink", p, syscall.EISDIR)
	}

	if res.layer == fsys.top() {
		if err := os.Remove(fsys.layers[res.layer].hostPath(p)); err != nil && !isNotExist(err) {
			return pathError("unlink", p, err)
		}
	}
	if err := fsys.hideIfVisible(dir, name); err != nil {
		return pathError("unlink", p, err)
	}

	fsys.inodes.detach(p)
	fsys.cache.forget(p)
	return nil
}

// Rmdir removes an empty directory of the merged namespace.
func (fsys *FS) Rmdir(parent uint64, name string) error {
	_, dir, err := fsys.dirNode("rmdir", parent)
	if err != nil {
		return err
	}
	p := childPath(dir, name)
	if fsys.isVirtual(name) {
		return pathError("rmdir", p, syscall.ENOTDIR)
	}
	if isWhiteout(name) {
		return pathError("rmdir", p, syscall.ENOENT)
	}
	if err := validateName(name); err != nil {
		return pathError("rmdir", p, err)
	}

	res, err := fsys.resolve(p)
	if err != nil {
		return pathError("rmdir", p, err)
	}
	if !res.attr.IsDir() {
		return pathError("rmdir", p, syscall.ENOTDIR)
	}
	if empty, err := fsys.isEmptyDir(p); err != nil {
		return pathError("rmdir", p, err)
	} else if !empty {
		return pathError("rmdir", p, syscall.ENOTEMPTY)
	}

	if res.layer == fsys.top() {
		if err := removeMarkedDir(fsys.layers[res.layer].hostPath(p)); err != nil {
			return pathError("rmdir", p, err)
		}
	}
	if err := fsys.hideIfVisible(dir, name); err != nil {
		return pathError("rmdir", p, err)
	}

	fsys.inodes.detach(p)
	fsys.cache.forgetTree(p)
	return nil
}

// removeMarkedDir removes a writable-layer directory that holds nothing
// but whiteouts, opaque markers and staging files. Any other entry, such
// as a real file shadowed by the virtual name, fails with ENOTEMPTY before
// anything is deleted.
func removeMarkedDir(host string) error {
	entries, err := os.ReadDir(host)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !isWhiteout(e.Name()) || e.IsDir() {
			return syscall.ENOTEMPTY
		}
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(host, e.Name())); err != nil && !isNotExist(err) {
			return err
		}
	}
	return unix.Rmdir(host)
}

// isEmptyDir reports whether the merged directory p has no entries other
// than the virtual file.
func (fsys *FS) isEmptyDir(p string) (bool, error) {
	entries, err := fsys.mergedEntries(p)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !fsys.isVirtual(e.Name) {
			return false, nil
		}
	}
	return true, nil
}

// Rename moves an entry within the merged namespace. Directories whose
// contents still come partly from lower layers cannot be moved and fail
// with EXDEV, leaving the caller to copy them.
func (fsys *FS) Rename(oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) error {
	if flags&^RenameNoReplace != 0 {
		return &os.PathError{Op: "rename", Path: oldName, Err: syscall.EINVAL}
	}
	_, oldDir, err := fsys.dirNode("rename", oldParent)
	if err != nil {
		return err
	}
	newParentNode, newDir, err := fsys.dirNode("rename", newParent)
	if err != nil {
		return err
	}
	oldPath := childPath(oldDir, oldName)
	newPath := childPath(newDir, newName)

	if fsys.isVirtual(oldName) || fsys.isVirtual(newName) {
		return pathError("rename", oldPath, syscall.EPERM)
	}
	for _, name := range []string{oldName, newName} {
		if isWhiteout(name) {
			return pathError("rename", oldPath, syscall.ENOENT)
		}
		if err := validateName(name); err != nil {
			return pathError("rename", oldPath, err)
		}
	}

	src, err := fsys.resolve(oldPath)
	if err != nil {
		return pathError("rename", oldPath, err)
	}
	if oldPath == newPath {
		return nil
	}
	if isWithin(newPath, oldPath) {
		return pathError("rename", oldPath, syscall.EINVAL)
	}

	dst, err := fsys.resolve(newPath)
	dstExists := err == nil
	if err != nil && !isNotExist(err) {
		return pathError("rename", newPath, err)
	}
	if dstExists {
		if flags&RenameNoReplace != 0 {
			return pathError("rename", newPath, syscall.EEXIST)
		}
		switch {
		case src.attr.IsDir() && !dst.attr.IsDir():
			return pathError("rename", newPath, syscall.ENOTDIR)
		case !src.attr.IsDir() && dst.attr.IsDir():
			return pathError("rename", newPath, syscall.EISDIR)
		case dst.attr.IsDir():
			empty, err := fsys.isEmptyDir(newPath)
			if err != nil {
				return pathError("rename", newPath, err)
			}
			if !empty {
				return pathError("rename", newPath, syscall.ENOTEMPTY)
			}
		}
	}

	if src.attr.IsDir() {
		lower, err := fsys.hasLowerContent(oldPath)
		if err != nil {
			return pathError("rename", oldPath, err)
		}
		if lower {
			return pathError("rename", oldPath, syscall.EXDEV)
		}
	}

	// Pin the source with a lookup reference so copy-up is serialized
	// with any other writer of the same inode.
	sn := fsys.inodes.acquire(oldPath, src.layer, src.attr.Mode)
	defer fsys.inodes.forget(sn.ino, 1)
	if err := fsys.ensureWritable(sn); err != nil {
		return pathError("rename", oldPath, err)
	}
	if err := fsys.ensureWritable(newParentNode); err != nil {
		return pathError("rename", newDir, err)
	}
	if _, err := fsys.clearWhiteout(newDir, newName); err != nil {
		return pathError("rename", newPath, err)
	}

	top := fsys.layers[fsys.top()]
	if dstExists && dst.attr.IsDir() && dst.layer == fsys.top() {
		// Merged-empty: only whiteouts and markers are left in it.
		if err := os.RemoveAll(top.hostPath(newPath)); err != nil {
			return pathError("rename", newPath, err)
		}
	}

	opaque := false
	if src.attr.IsDir() {
		fsys.cache.forgetTree(newPath)
		if opaque, err = fsys.hasLowerContent(newPath); err != nil {
			return pathError("rename", newPath, err)
		}
	}

	if err := os.Rename(top.hostPath(oldPath), top.hostPath(newPath)); err != nil {
		return pathError("rename", oldPath, err)
	}
	fsys.cache.forgetTree(oldPath)
	fsys.cache.forgetTree(newPath)

	if opaque {
		if err := fsys.makeOpaque(newPath); err != nil {
			return pathError("rename", newPath, err)
		}
	}
	if err := fsys.hideIfVisible(oldDir, oldName); err != nil {
		return pathError("rename", oldPath, err)
	}

	fsys.inodes.move(oldPath, newPath)
	fsys.inodes.setLayerTree(newPath, fsys.top())
	return nil
}
