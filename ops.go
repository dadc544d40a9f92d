package layerfs

import (
	"errors"
	"io"
	"os"
	"path"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Entry is the result of a successful lookup or create.
type Entry struct {
	Ino  uint64
	Attr Attr
}

// SetAttrValid selects the fields of SetAttrIn to apply.
type SetAttrValid uint32

const (
	SetMode SetAttrValid = 1 << iota
	SetUid
	SetGid
	SetSize
	SetAtime
	SetMtime
	SetAtimeNow
	SetMtimeNow
)

// SetAttrIn carries the attribute changes requested by SetAttr.
type SetAttrIn struct {
	Valid SetAttrValid
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
}

// node returns the live inode for ino.
func (fsys *FS) node(op string, ino uint64) (*inode, error) {
	n, ok := fsys.inodes.get(ino)
	if !ok {
		return nil, &os.PathError{Op: op, Err: syscall.EBADF}
	}
	return n, nil
}

// dirNode returns the live, still linked directory inode for ino.
func (fsys *FS) dirNode(op string, ino uint64) (*inode, string, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		return nil, "", &os.PathError{Op: op, Path: fsys.virtual.name, Err: syscall.ENOTDIR}
	}
	n, err := fsys.node(op, ino)
	if err != nil {
		return nil, "", err
	}
	p, _, mode := n.snapshot()
	if n.isRemoved() {
		return nil, "", pathError(op, p, syscall.ENOENT)
	}
	if mode&syscall.S_IFMT != syscall.S_IFDIR {
		return nil, "", pathError(op, p, syscall.ENOTDIR)
	}
	return n, p, nil
}

// statAt reads fresh attributes of p in the given layer.
func (fsys *FS) statAt(layer int, p string) (Attr, error) {
	return lstat(fsys.layers[layer].hostPath(p))
}

// bind resolves p, registers a lookup reference and returns its entry.
func (fsys *FS) bind(op, p string) (Entry, error) {
	res, err := fsys.resolve(p)
	if err != nil {
		return Entry{}, pathError(op, p, err)
	}
	attr, err := fsys.statAt(res.layer, p)
	if err != nil {
		// Raced with a concurrent removal.
		fsys.cache.forget(p)
		return Entry{}, pathError(op, p, err)
	}
	n := fsys.inodes.acquire(p, res.layer, attr.Mode)
	attr.Ino = n.ino
	return Entry{Ino: n.ino, Attr: attr}, nil
}

// Lookup resolves name inside the directory parent.
func (fsys *FS) Lookup(parent uint64, name string) (Entry, error) {
	_, dir, err := fsys.dirNode("lookup", parent)
	if err != nil {
		return Entry{}, err
	}
	if fsys.isVirtual(name) {
		return Entry{Ino: VirtualIno, Attr: fsys.virtual.attr}, nil
	}
	p := childPath(dir, name)
	if isWhiteout(name) {
		return Entry{}, pathError("lookup", p, syscall.ENOENT)
	}
	if err := validateName(name); err != nil {
		return Entry{}, pathError("lookup", p, err)
	}
	return fsys.bind("lookup", p)
}

// Forget drops nlookup references obtained through Lookup or any of the
// calls that create an entry.
func (fsys *FS) Forget(ino, nlookup uint64) {
	fsys.inodes.forget(ino, nlookup)
}

// GetAttr returns the attributes of ino as supplied by its current owning
// layer. When fh names an open handle the attributes come from its
// descriptor, which also works for unlinked files.
func (fsys *FS) GetAttr(ino, fh uint64) (Attr, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		return fsys.virtual.attr, nil
	}
	n, err := fsys.node("getattr", ino)
	if err != nil {
		return Attr{}, err
	}
	if fh != 0 {
		// A descriptor left behind on a lower layer by copy-up is stale.
		_, layer, _ := n.snapshot()
		if h, ok := fsys.handles.get(ino, fh); ok && h.file != nil && (h.layer == layer || n.isRemoved()) {
			attr, err := fstat(h.file)
			if err != nil {
				return Attr{}, pathError("getattr", n.currentPath(), err)
			}
			attr.Ino = ino
			return attr, nil
		}
	}

	p := n.currentPath()
	if n.isRemoved() {
		return Attr{}, pathError("getattr", p, syscall.ENOENT)
	}
	res, err := fsys.resolve(p)
	if err != nil {
		return Attr{}, pathError("getattr", p, err)
	}
	attr, err := fsys.statAt(res.layer, p)
	if err != nil {
		return Attr{}, pathError("getattr", p, err)
	}
	attr.Ino = ino
	return attr, nil
}

// SetAttr changes attributes of ino, copying it up first. When fh names a
// handle whose descriptor is already on the writable layer the changes go
// through that descriptor, so they also reach a file that was unlinked
// while open.
func (fsys *FS) SetAttr(ino, fh uint64, in SetAttrIn) (Attr, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		return Attr{}, &os.PathError{Op: "setattr", Path: fsys.virtual.name, Err: syscall.EPERM}
	}
	n, err := fsys.node("setattr", ino)
	if err != nil {
		return Attr{}, err
	}

	var file *os.File
	if h, ok := fsys.handles.get(ino, fh); ok && h.file != nil && h.layer == fsys.top() {
		file = h.file
	}
	if file == nil {
		if n.isRemoved() {
			return Attr{}, pathError("setattr", n.currentPath(), syscall.ENOENT)
		}
		if err := fsys.ensureWritable(n); err != nil {
			return Attr{}, pathError("setattr", n.currentPath(), err)
		}
	}

	p, _, mode := n.snapshot()
	host := fsys.layers[fsys.top()].hostPath(p)

	if in.Valid&SetMode != 0 {
		var err error
		if file == nil && mode&syscall.S_IFMT == syscall.S_IFLNK {
			err = syscall.EOPNOTSUPP
		} else {
			err = fsys.host.chmod(host, file, in.Mode&0o7777)
		}
		if err != nil {
			return Attr{}, pathError("chmod", p, err)
		}
	}

	if in.Valid&(SetUid|SetGid) != 0 {
		uid, gid := -1, -1
		if in.Valid&SetUid != 0 {
			uid = int(in.Uid)
		}
		if in.Valid&SetGid != 0 {
			gid = int(in.Gid)
		}
		var err error
		if file != nil {
			err = unix.Fchown(int(file.Fd()), uid, gid)
		} else {
			err = os.Lchown(host, uid, gid)
		}
		if err != nil {
			return Attr{}, pathError("chown", p, err)
		}
	}

	if in.Valid&SetSize != 0 {
		var err error
		switch {
		case mode&syscall.S_IFMT == syscall.S_IFDIR:
			err = syscall.EISDIR
		case mode&syscall.S_IFMT != syscall.S_IFREG:
			err = syscall.EINVAL
		case file != nil:
			err = file.Truncate(int64(in.Size))
		default:
			err = unix.Truncate(host, int64(in.Size))
		}
		if err != nil {
			return Attr{}, pathError("truncate", p, err)
		}
	}

	if in.Valid&(SetAtime|SetMtime|SetAtimeNow|SetMtimeNow) != 0 {
		now := time.Now()
		var atime, mtime *time.Time
		switch {
		case in.Valid&SetAtimeNow != 0:
			atime = &now
		case in.Valid&SetAtime != 0:
			atime = &in.Atime
		}
		switch {
		case in.Valid&SetMtimeNow != 0:
			mtime = &now
		case in.Valid&SetMtime != 0:
			mtime = &in.Mtime
		}
		if err := fsys.host.utimens(host, file, atime, mtime); err != nil {
			return Attr{}, pathError("utimes", p, err)
		}
	}

	fsys.cache.forget(p)
	return fsys.GetAttr(ino, fh)
}

// writeIntent reports whether open flags request modification.
func writeIntent(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0 || flags&os.O_TRUNC != 0
}

// Open opens ino and returns a handle id. Write intent copies the entry up
// first; the handle keeps the descriptor it was opened with even if the
// entry is copied up later.
func (fsys *FS) Open(ino uint64, flags int) (uint64, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		if writeIntent(flags) {
			return 0, &os.PathError{Op: "open", Path: fsys.virtual.name, Err: syscall.EACCES}
		}
		return fsys.handles.add(&handle{ino: ino, flags: flags, virtual: true}), nil
	}

	n, err := fsys.node("open", ino)
	if err != nil {
		return 0, err
	}
	if n.isRemoved() {
		return 0, pathError("open", n.currentPath(), syscall.ENOENT)
	}
	if writeIntent(flags) {
		if err := fsys.ensureWritable(n); err != nil {
			return 0, pathError("open", n.currentPath(), err)
		}
	}

	p, layer, _ := n.snapshot()
	flags &^= os.O_CREATE | os.O_EXCL | syscall.O_NOCTTY
	f, err := os.OpenFile(fsys.layers[layer].hostPath(p), flags|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		return 0, pathError("open", p, err)
	}

	fsys.inodes.ref(ino)
	return fsys.handles.add(&handle{ino: ino, file: f, flags: flags, layer: layer}), nil
}

// Read reads up to len(dest) bytes at off. Reading at or past the end of
// the file returns zero bytes and no error.
func (fsys *FS) Read(ino, fh uint64, dest []byte, off int64) (int, error) {
	h, ok := fsys.handles.get(ino, fh)
	if !ok {
		return 0, &os.PathError{Op: "read", Err: syscall.EBADF}
	}
	if off < 0 {
		return 0, &os.PathError{Op: "read", Err: syscall.EINVAL}
	}
	if h.dir {
		return 0, &os.PathError{Op: "read", Err: syscall.EISDIR}
	}
	if h.virtual {
		return fsys.virtual.readAt(dest, off), nil
	}
	if h.flags&(os.O_WRONLY|os.O_RDWR) == os.O_WRONLY {
		return 0, &os.PathError{Op: "read", Path: h.file.Name(), Err: syscall.EBADF}
	}

	n, err := h.file.ReadAt(dest, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return n, pathError("read", h.file.Name(), err)
	}
	return n, nil
}

// Write writes data at off through a handle opened with write intent.
func (fsys *FS) Write(ino, fh uint64, data []byte, off int64) (int, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		return 0, &os.PathError{Op: "write", Path: fsys.virtual.name, Err: syscall.EACCES}
	}
	h, ok := fsys.handles.get(ino, fh)
	if !ok {
		return 0, &os.PathError{Op: "write", Err: syscall.EBADF}
	}
	if h.dir {
		return 0, &os.PathError{Op: "write", Err: syscall.EISDIR}
	}
	if !h.writable() {
		return 0, &os.PathError{Op: "write", Path: h.file.Name(), Err: syscall.EBADF}
	}
	if off < 0 {
		return 0, &os.PathError{Op: "write", Path: h.file.Name(), Err: syscall.EINVAL}
	}

	fd := int(h.file.Fd())
	written := 0
	for written < len(data) {
		n, err := unix.Pwrite(fd, data[written:], off+int64(written))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, pathError("write", h.file.Name(), err)
		}
		if n == 0 {
			return written, pathError("write", h.file.Name(), io.ErrShortWrite)
		}
		written += n
	}
	return written, nil
}

// Flush is called on every close of a guest descriptor. Closing a
// duplicate of the host descriptor gives the host filesystem the same
// close-time semantics without ending the handle.
func (fsys *FS) Flush(ino, fh uint64) error {
	h, ok := fsys.handles.get(ino, fh)
	if !ok {
		return &os.PathError{Op: "flush", Err: syscall.EBADF}
	}
	if h.file == nil {
		return nil
	}
	dup, err := unix.Dup(int(h.file.Fd()))
	if err != nil {
		return pathError("flush", h.file.Name(), err)
	}
	if err := unix.Close(dup); err != nil {
		return pathError("flush", h.file.Name(), err)
	}
	return nil
}

// Fsync commits the handle's file to stable storage. The data-only variant
// is served by a full sync.
func (fsys *FS) Fsync(ino, fh uint64, datasync bool) error {
	h, ok := fsys.handles.get(ino, fh)
	if !ok {
		return &os.PathError{Op: "fsync", Err: syscall.EBADF}
	}
	if h.file == nil {
		return nil
	}
	if err := h.file.Sync(); err != nil {
		return pathError("fsync", h.file.Name(), err)
	}
	return nil
}

// Release closes a handle returned by Open or Create. Releasing an unknown
// or already released handle fails with EBADF.
func (fsys *FS) Release(ino, fh uint64) error {
	h, ok := fsys.handles.remove(ino, fh)
	if !ok {
		return &os.PathError{Op: "release", Err: syscall.EBADF}
	}
	err := h.close()
	fsys.inodes.unref(ino)
	if err != nil {
		return pathError("release", "", err)
	}
	return nil
}

// prepareCreate checks that name may be created in the directory parent and
// prepares the writable layer for it. It returns the merged path and
// whether a whiteout for the name was removed.
func (fsys *FS) prepareCreate(op string, parent uint64, name string) (string, string, bool, error) {
	pn, dir, err := fsys.dirNode(op, parent)
	if err != nil {
		return "", "", false, err
	}
	p := childPath(dir, name)
	if fsys.isVirtual(name) {
		return "", "", false, pathError(op, p, syscall.EEXIST)
	}
	if err := validateName(name); err != nil {
		return "", "", false, pathError(op, p, err)
	}
	if _, err := fsys.resolve(p); err == nil {
		return "", "", false, pathError(op, p, syscall.EEXIST)
	} else if !isNotExist(err) {
		return "", "", false, pathError(op, p, err)
	}

	if err := fsys.ensureWritable(pn); err != nil {
		return "", "", false, pathError(op, dir, err)
	}
	cleared, err := fsys.clearWhiteout(dir, name)
	if err != nil {
		return "", "", false, pathError(op, p, err)
	}
	return dir, p, cleared, nil
}

// restoreWhiteout puts back a whiteout removed by a create that then
// failed, so the lower entry stays hidden.
func (fsys *FS) restoreWhiteout(dir, name string, cleared bool) {
	if !cleared {
		return
	}
	if err := fsys.hideIfVisible(dir, name); err != nil {
		fsys.logger.Error("failed to restore whiteout",
			"path", childPath(dir, name),
			"error", err,
		)
	}
}

// Create creates and opens a regular file in the writable layer.
func (fsys *FS) Create(parent uint64, name string, flags int, mode, umask uint32, caller *Caller) (Entry, uint64, error) {
	dir, p, cleared, err := fsys.prepareCreate("create", parent, name)
	if err != nil {
		return Entry{}, 0, err
	}

	host := fsys.layers[fsys.top()].hostPath(p)
	flags &^= os.O_CREATE | os.O_EXCL | os.O_TRUNC | syscall.O_NOCTTY
	f, err := os.OpenFile(host, flags|os.O_CREATE|os.O_EXCL|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0o600)
	if err != nil {
		fsys.restoreWhiteout(dir, name, cleared)
		return Entry{}, 0, pathError("create", p, err)
	}
	fsys.chownNew(p, host, f, caller)
	if err := fsys.host.chmod(host, f, mode&^umask&0o7777); err != nil {
		f.Close()
		os.Remove(host)
		fsys.restoreWhiteout(dir, name, cleared)
		return Entry{}, 0, pathError("create", p, err)
	}
	attr, err := fstat(f)
	if err != nil {
		f.Close()
		return Entry{}, 0, pathError("create", p, err)
	}

	fsys.cache.forget(p)
	n := fsys.inodes.acquire(p, fsys.top(), attr.Mode)
	attr.Ino = n.ino
	fsys.inodes.ref(n.ino)
	fh := fsys.handles.add(&handle{ino: n.ino, file: f, flags: flags, layer: fsys.top()})
	return Entry{Ino: n.ino, Attr: attr}, fh, nil
}

// Mkdir creates a directory in the writable layer. A directory created
// over a whited-out name is made opaque so the old lower contents stay
// hidden.
func (fsys *FS) Mkdir(parent uint64, name string, mode, umask uint32, caller *Caller) (Entry, error) {
	dir, p, cleared, err := fsys.prepareCreate("mkdir", parent, name)
	if err != nil {
		return Entry{}, err
	}

	host := fsys.layers[fsys.top()].hostPath(p)
	if err := os.Mkdir(host, 0o700); err != nil {
		fsys.restoreWhiteout(dir, name, cleared)
		return Entry{}, pathError("mkdir", p, err)
	}
	fsys.chownNew(p, host, nil, caller)
	if err := fsys.host.chmod(host, nil, mode&^umask&0o7777); err != nil {
		os.Remove(host)
		fsys.restoreWhiteout(dir, name, cleared)
		return Entry{}, pathError("mkdir", p, err)
	}
	if cleared {
		if err := fsys.makeOpaque(p); err != nil {
			os.RemoveAll(host)
			fsys.restoreWhiteout(dir, name, cleared)
			return Entry{}, pathError("mkdir", p, err)
		}
	}

	fsys.cache.forgetTree(p)
	return fsys.bind("mkdir", p)
}

// Symlink creates a symbolic link to target in the writable layer.
func (fsys *FS) Symlink(parent uint64, name, target string, caller *Caller) (Entry, error) {
	dir, p, cleared, err := fsys.prepareCreate("symlink", parent, name)
	if err != nil {
		return Entry{}, err
	}
	host := fsys.layers[fsys.top()].hostPath(p)
	if err := os.Symlink(target, host); err != nil {
		fsys.restoreWhiteout(dir, name, cleared)
		return Entry{}, pathError("symlink", p, err)
	}
	fsys.chownNew(p, host, nil, caller)
	fsys.cache.forget(p)
	return fsys.bind("symlink", p)
}

// Readlink returns the target of a symbolic link.
func (fsys *FS) Readlink(ino uint64) (string, error) {
	if ino == VirtualIno && fsys.virtual != nil {
		return "", &os.PathError{Op: "readlink", Path: fsys.virtual.name, Err: syscall.EINVAL}
	}
	n, err := fsys.node("readlink", ino)
	if err != nil {
		return "", err
	}
	p := n.currentPath()
	res, err := fsys.resolve(p)
	if err != nil {
		return "", pathError("readlink", p, err)
	}
	target, err := os.Readlink(fsys.layers[res.layer].hostPath(p))
	if err != nil {
		return "", pathError("readlink", p, err)
	}
	return target, nil
}

// StatFs reports the capacity of the filesystem holding the writable
// layer.
func (fsys *FS) StatFs(ino uint64) (StatFs, error) {
	if ino != VirtualIno {
		if _, err := fsys.node("statfs", ino); err != nil {
			return StatFs{}, err
		}
	}
	st, err := fsys.host.statfs(fsys.layers[fsys.top()].root)
	if err != nil {
		return StatFs{}, pathError("statfs", "/", err)
	}
	return st, nil
}

// parentOf splits a clean merged path into its directory and base name.
func parentOf(p string) (string, string) {
	return path.Dir(p), path.Base(p)
}
