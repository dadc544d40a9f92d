package layerfs

import (
	"os"
	"path"
	"syscall"
)

// maxSymlinkDepth matches Linux MAXSYMLINKS.
const maxSymlinkDepth = 40

// Lstat returns file info without following symlinks
func (a *absFSAdapter) Lstat(name string) (os.FileInfo, error) {
	name = cleanPath(name)
	entry, forget, err := a.walk(name)
	if err != nil {
		return nil, err
	}
	defer forget()
	return &fileInfo{name: path.Base(name), attr: entry.Attr}, nil
}

// Readlink returns the destination of a symlink
func (a *absFSAdapter) Readlink(name string) (string, error) {
	entry, forget, err := a.walk(cleanPath(name))
	if err != nil {
		return "", err
	}
	defer forget()
	return a.fsys.Readlink(entry.Ino)
}

// Symlink creates a symbolic link newname pointing at oldname
func (a *absFSAdapter) Symlink(oldname, newname string) error {
	parent, base, forget, err := a.walkParent(cleanPath(newname))
	if err != nil {
		return err
	}
	defer forget()
	entry, err := a.fsys.Symlink(parent.Ino, base, oldname, nil)
	if err != nil {
		return err
	}
	a.fsys.Forget(entry.Ino, 1)
	return nil
}

// Lchown changes the ownership of a symlink (without following it)
func (a *absFSAdapter) Lchown(name string, uid, gid int) error {
	entry, forget, err := a.walk(cleanPath(name))
	if err != nil {
		return err
	}
	defer forget()
	in := SetAttrIn{}
	if uid >= 0 {
		in.Valid |= SetUid
		in.Uid = uint32(uid)
	}
	if gid >= 0 {
		in.Valid |= SetGid
		in.Gid = uint32(gid)
	}
	if in.Valid == 0 {
		return nil
	}
	_, err = a.fsys.SetAttr(entry.Ino, 0, in)
	return err
}

// followSymlinks resolves symlinks in the final component of p
func (a *absFSAdapter) followSymlinks(p string) (string, error) {
	return a.resolveSymlink(p, maxSymlinkDepth)
}

// resolveSymlink resolves a symlink path within the merged namespace.
// Targets are interpreted relative to the merged root, never the host.
func (a *absFSAdapter) resolveSymlink(p string, depth int) (string, error) {
	if depth <= 0 {
		return "", &os.PathError{Op: "stat", Path: p, Err: syscall.ELOOP}
	}

	info, err := a.Lstat(p)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return p, nil
	}

	target, err := a.Readlink(p)
	if err != nil {
		return "", err
	}

	// Handle absolute vs relative symlinks
	var resolved string
	if path.IsAbs(target) {
		resolved = target
	} else {
		resolved = path.Join(path.Dir(p), target)
	}

	return a.resolveSymlink(cleanPath(resolved), depth-1)
}
