package layerfs

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Caller identifies the guest process a request is made for. Entries it
// creates are handed to its uid and gid. A nil *Caller leaves new entries
// owned by the host process.
type Caller struct {
	Uid uint32
	Gid uint32
}

// chownNew gives a freshly created entry to the caller. A set-group-ID
// parent keeps handing down its group. Without the privilege to chown the
// entry keeps the host owner and a warning is logged.
func (fsys *FS) chownNew(p, host string, f *os.File, caller *Caller) {
	if caller == nil {
		return
	}
	uid, gid := int(caller.Uid), int(caller.Gid)
	if info, err := os.Lstat(filepath.Dir(host)); err == nil && info.Mode()&os.ModeSetgid != 0 {
		gid = -1
	}
	if uid == os.Geteuid() && (gid == -1 || gid == os.Getegid()) {
		return
	}
	var err error
	if f != nil {
		err = unix.Fchown(int(f.Fd()), uid, gid)
	} else {
		err = os.Lchown(host, uid, gid)
	}
	if err != nil {
		fsys.logger.Warn("new entry not owned by caller",
			"path", p,
			"uid", caller.Uid,
			"gid", caller.Gid,
			"error", err,
		)
	}
}

// Mknod creates a fifo, socket, device node or empty regular file in the
// writable layer. A mode without a file type creates a regular file.
func (fsys *FS) Mknod(parent uint64, name string, mode, umask, rdev uint32, caller *Caller) (Entry, error) {
	kind := mode & syscall.S_IFMT
	switch kind {
	case 0:
		kind = syscall.S_IFREG
	case syscall.S_IFREG, syscall.S_IFIFO, syscall.S_IFCHR, syscall.S_IFBLK, syscall.S_IFSOCK:
	default:
		return Entry{}, &os.PathError{Op: "mknod", Path: name, Err: syscall.EINVAL}
	}

	dir, p, cleared, err := fsys.prepareCreate("mknod", parent, name)
	if err != nil {
		return Entry{}, err
	}
	host := fsys.layers[fsys.top()].hostPath(p)
	if kind == syscall.S_IFREG {
		var f *os.File
		f, err = os.OpenFile(host, os.O_WRONLY|os.O_CREATE|os.O_EXCL|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0o600)
		if err == nil {
			err = f.Close()
		}
	} else {
		err = unix.Mknod(host, kind|0o600, int(rdev))
	}
	if err != nil {
		fsys.restoreWhiteout(dir, name, cleared)
		return Entry{}, pathError("mknod", p, err)
	}

	fsys.chownNew(p, host, nil, caller)
	if err := fsys.host.chmod(host, nil, mode&^umask&0o7777); err != nil {
		os.Remove(host)
		fsys.restoreWhiteout(dir, name, cleared)
		return Entry{}, pathError("mknod", p, err)
	}
	fsys.cache.forget(p)
	return fsys.bind("mknod", p)
}

// Link makes newName in newParent another name for ino. The source is
// copied up first so both names share one writable-layer file.
// Directories cannot be linked.
func (fsys *FS) Link(ino, newParent uint64, newName string) (Entry, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		return Entry{}, &os.PathError{Op: "link", Path: fsys.virtual.name, Err: syscall.EPERM}
	}
	n, err := fsys.node("link", ino)
	if err != nil {
		return Entry{}, err
	}
	if n.isRemoved() {
		return Entry{}, pathError("link", n.currentPath(), syscall.ENOENT)
	}
	if _, _, mode := n.snapshot(); mode&syscall.S_IFMT == syscall.S_IFDIR {
		return Entry{}, pathError("link", n.currentPath(), syscall.EPERM)
	}

	dir, p, cleared, err := fsys.prepareCreate("link", newParent, newName)
	if err != nil {
		return Entry{}, err
	}
	if err := fsys.ensureWritable(n); err != nil {
		fsys.restoreWhiteout(dir, newName, cleared)
		return Entry{}, pathError("link", n.currentPath(), err)
	}
	src := fsys.layers[fsys.top()].hostPath(n.currentPath())
	if err := os.Link(src, fsys.layers[fsys.top()].hostPath(p)); err != nil {
		fsys.restoreWhiteout(dir, newName, cleared)
		return Entry{}, pathError("link", p, err)
	}

	fsys.cache.forget(p)
	return fsys.bind("link", p)
}
