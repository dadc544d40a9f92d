package layerfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/absfs/absfs"
)

// absFSAdapter exposes the merged namespace to Go callers by path. Every
// call is translated into the same inode and handle operations a guest
// transport issues.
type absFSAdapter struct {
	fsys *FS
}

// Ensure absFSAdapter implements absfs.Filer interface at compile time
var _ absfs.Filer = (*absFSAdapter)(nil)

// FileSystem returns an absfs.FileSystem view of the merged namespace.
// The returned FileSystem maintains its own working directory state and
// provides the full absfs.FileSystem interface including convenience
// methods like Open, Create, MkdirAll and RemoveAll.
//
// Example:
//
//	fsys, err := layerfs.New([]string{base, upper})
//	...
//	view := fsys.FileSystem()
//	view.Chdir("/etc")
//	f, err := view.Open("hostname")
func (fsys *FS) FileSystem() absfs.FileSystem {
	return absfs.ExtendFiler(&absFSAdapter{fsys: fsys})
}

// walk looks up every component of the clean path p starting at the root.
// The returned forget func drops the lookup references taken on the way
// and must be called once the inode is no longer needed.
func (a *absFSAdapter) walk(p string) (Entry, func(), error) {
	var taken []uint64
	forget := func() {
		for _, ino := range taken {
			a.fsys.Forget(ino, 1)
		}
	}

	attr, err := a.fsys.GetAttr(RootIno, 0)
	if err != nil {
		return Entry{}, forget, err
	}
	entry := Entry{Ino: RootIno, Attr: attr}
	for _, name := range splitPath(p) {
		entry, err = a.fsys.Lookup(entry.Ino, name)
		if err != nil {
			forget()
			return Entry{}, func() {}, pathError("lookup", p, err)
		}
		taken = append(taken, entry.Ino)
	}
	return entry, forget, nil
}

// walkParent looks up the directory containing p and returns it with the
// base name of p.
func (a *absFSAdapter) walkParent(p string) (Entry, string, func(), error) {
	dir, base := parentOf(p)
	if p == "/" {
		return Entry{}, "", func() {}, &os.PathError{Op: "walk", Path: p, Err: syscall.EINVAL}
	}
	entry, forget, err := a.walk(dir)
	if err != nil {
		return Entry{}, "", forget, err
	}
	return entry, base, forget, nil
}

// OpenFile implements absfs.Filer
func (a *absFSAdapter) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	name = cleanPath(name)

	entry, forget, err := a.walk(name)
	if err == nil && entry.Attr.IsSymlink() {
		forget()
		target, ferr := a.followSymlinks(name)
		if ferr != nil {
			return nil, ferr
		}
		name = target
		entry, forget, err = a.walk(name)
	}
	if err == nil {
		defer forget()
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: syscall.EEXIST}
		}
		return a.open(name, entry, flag)
	}
	if flag&os.O_CREATE == 0 || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	parent, base, forgetParent, err := a.walkParent(name)
	if err != nil {
		return nil, err
	}
	defer forgetParent()

	entry, fh, err := a.fsys.Create(parent.Ino, base, flag, fileModeBits(perm), 0, nil)
	if err != nil {
		return nil, err
	}
	// The handle keeps the inode alive.
	a.fsys.Forget(entry.Ino, 1)
	return &layerFile{fsys: a.fsys, path: name, ino: entry.Ino, fh: fh, flags: flag}, nil
}

func (a *absFSAdapter) open(name string, entry Entry, flag int) (absfs.File, error) {
	if entry.Attr.IsDir() {
		if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: syscall.EISDIR}
		}
		fh, err := a.fsys.OpenDir(entry.Ino, flag)
		if err != nil {
			return nil, err
		}
		return &layerFile{fsys: a.fsys, path: name, ino: entry.Ino, fh: fh, flags: flag, dir: true}, nil
	}
	fh, err := a.fsys.Open(entry.Ino, flag)
	if err != nil {
		return nil, err
	}
	return &layerFile{fsys: a.fsys, path: name, ino: entry.Ino, fh: fh, flags: flag}, nil
}

// Mkdir implements absfs.Filer
func (a *absFSAdapter) Mkdir(name string, perm os.FileMode) error {
	parent, base, forget, err := a.walkParent(cleanPath(name))
	if err != nil {
		return err
	}
	defer forget()
	entry, err := a.fsys.Mkdir(parent.Ino, base, fileModeBits(perm), 0, nil)
	if err != nil {
		return err
	}
	a.fsys.Forget(entry.Ino, 1)
	return nil
}

// Remove implements absfs.Filer
func (a *absFSAdapter) Remove(name string) error {
	name = cleanPath(name)
	entry, forget, err := a.walk(name)
	if err != nil {
		return err
	}
	forget()

	parent, base, forgetParent, err := a.walkParent(name)
	if err != nil {
		return err
	}
	defer forgetParent()
	if entry.Attr.IsDir() {
		return a.fsys.Rmdir(parent.Ino, base)
	}
	return a.fsys.Unlink(parent.Ino, base)
}

// Rename implements absfs.Filer
func (a *absFSAdapter) Rename(oldpath, newpath string) error {
	oldParent, oldBase, forgetOld, err := a.walkParent(cleanPath(oldpath))
	if err != nil {
		return err
	}
	defer forgetOld()
	newParent, newBase, forgetNew, err := a.walkParent(cleanPath(newpath))
	if err != nil {
		return err
	}
	defer forgetNew()
	return a.fsys.Rename(oldParent.Ino, oldBase, newParent.Ino, newBase, 0)
}

// Stat implements absfs.Filer. Symbolic links are followed.
func (a *absFSAdapter) Stat(name string) (os.FileInfo, error) {
	target, err := a.followSymlinks(cleanPath(name))
	if err != nil {
		return nil, err
	}
	return a.Lstat(target)
}

// setAttr applies in to the entry at name after following symlinks.
func (a *absFSAdapter) setAttr(name string, in SetAttrIn) error {
	target, err := a.followSymlinks(cleanPath(name))
	if err != nil {
		return err
	}
	entry, forget, err := a.walk(target)
	if err != nil {
		return err
	}
	defer forget()
	_, err = a.fsys.SetAttr(entry.Ino, 0, in)
	return err
}

// Chmod implements absfs.Filer
func (a *absFSAdapter) Chmod(name string, mode os.FileMode) error {
	return a.setAttr(name, SetAttrIn{Valid: SetMode, Mode: fileModeBits(mode)})
}

// Chtimes implements absfs.Filer
func (a *absFSAdapter) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return a.setAttr(name, SetAttrIn{Valid: SetAtime | SetMtime, Atime: atime, Mtime: mtime})
}

// Chown implements absfs.Filer
func (a *absFSAdapter) Chown(name string, uid, gid int) error {
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
	return a.setAttr(name, in)
}

// Truncate changes the size of the named file
func (a *absFSAdapter) Truncate(name string, size int64) error {
	if size < 0 {
		return &os.PathError{Op: "truncate", Path: name, Err: syscall.EINVAL}
	}
	return a.setAttr(name, SetAttrIn{Valid: SetSize, Size: uint64(size)})
}

// Separator returns the path separator (always forward slash for virtual paths)
func (a *absFSAdapter) Separator() uint8 {
	return '/'
}

// ListSeparator returns the path list separator (always colon for virtual paths)
func (a *absFSAdapter) ListSeparator() uint8 {
	return ':'
}

// ReadDir reads the named directory and returns its merged entries sorted
// by name.
func (a *absFSAdapter) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := a.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	lf, ok := f.(*layerFile)
	if !ok || !lf.dir {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: syscall.ENOTDIR}
	}
	return lf.ReadDir(-1)
}

// ReadFile reads the named file and returns its contents.
func (a *absFSAdapter) ReadFile(name string) ([]byte, error) {
	f, err := a.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Sub returns a filesystem rooted at the given directory of the merged
// namespace.
func (a *absFSAdapter) Sub(dir string) (fs.FS, error) {
	dir = cleanPath(dir)
	info, err := a.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "sub", Path: dir, Err: syscall.ENOTDIR}
	}
	return &subFS{adapter: a, dir: dir}, nil
}

// subFS is an io/fs view of one directory of the merged namespace.
type subFS struct {
	adapter *absFSAdapter
	dir     string
}

var (
	_ fs.ReadDirFS  = (*subFS)(nil)
	_ fs.ReadFileFS = (*subFS)(nil)
	_ fs.StatFS     = (*subFS)(nil)
)

// full maps an io/fs name onto a merged path.
func (s *subFS) full(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return s.dir, nil
	}
	return childPath(s.dir, name), nil
}

func (s *subFS) Open(name string) (fs.File, error) {
	p, err := s.full("open", name)
	if err != nil {
		return nil, err
	}
	f, err := s.adapter.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *subFS) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := s.full("readdir", name)
	if err != nil {
		return nil, err
	}
	return s.adapter.ReadDir(p)
}

func (s *subFS) ReadFile(name string) ([]byte, error) {
	p, err := s.full("readfile", name)
	if err != nil {
		return nil, err
	}
	return s.adapter.ReadFile(p)
}

func (s *subFS) Stat(name string) (fs.FileInfo, error) {
	p, err := s.full("stat", name)
	if err != nil {
		return nil, err
	}
	return s.adapter.Stat(p)
}

func (s *subFS) Sub(dir string) (fs.FS, error) {
	p, err := s.full("sub", dir)
	if err != nil {
		return nil, err
	}
	return s.adapter.Sub(p)
}

// fileModeBits converts an fs.FileMode into st_mode permission bits.
func fileModeBits(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		bits |= syscall.S_ISUID
	}
	if m&fs.ModeSetgid != 0 {
		bits |= syscall.S_ISGID
	}
	if m&fs.ModeSticky != 0 {
		bits |= syscall.S_ISVTX
	}
	return bits
}
