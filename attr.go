package layerfs

import (
	"io/fs"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Attr is the attribute snapshot of a merged entry. Mode carries the raw
// st_mode bits (file type and permissions) so transports can forward it
// unchanged.
type Attr struct {
	Ino     uint64
	Size    uint64
	Blocks  uint64
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Blksize uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// IsDir reports whether the entry is a directory.
func (a *Attr) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// IsRegular reports whether the entry is a regular file.
func (a *Attr) IsRegular() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFREG
}

// IsSymlink reports whether the entry is a symbolic link.
func (a *Attr) IsSymlink() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFLNK
}

// FileMode converts the raw mode into an fs.FileMode.
func (a *Attr) FileMode() fs.FileMode {
	m := fs.FileMode(a.Mode & 0o777)
	switch a.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		m |= fs.ModeDir
	case syscall.S_IFLNK:
		m |= fs.ModeSymlink
	case syscall.S_IFIFO:
		m |= fs.ModeNamedPipe
	case syscall.S_IFSOCK:
		m |= fs.ModeSocket
	case syscall.S_IFCHR:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case syscall.S_IFBLK:
		m |= fs.ModeDevice
	}
	if a.Mode&syscall.S_ISUID != 0 {
		m |= fs.ModeSetuid
	}
	if a.Mode&syscall.S_ISGID != 0 {
		m |= fs.ModeSetgid
	}
	if a.Mode&syscall.S_ISVTX != 0 {
		m |= fs.ModeSticky
	}
	return m
}

func attrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Ino:     st.Ino,
		Size:    uint64(st.Size),
		Blocks:  uint64(st.Blocks),
		Mode:    uint32(st.Mode),
		Nlink:   uint32(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    uint64(st.Rdev),
		Blksize: uint32(st.Blksize),
		Atime:   time.Unix(st.Atim.Unix()),
		Mtime:   time.Unix(st.Mtim.Unix()),
		Ctime:   time.Unix(st.Ctim.Unix()),
	}
}

// lstat reads the attributes of a host path without following symlinks.
func lstat(hostPath string) (Attr, error) {
	var st unix.Stat_t
	for {
		err := unix.Lstat(hostPath, &st)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Attr{}, &os.PathError{Op: "lstat", Path: hostPath, Err: err}
		}
		return attrFromStat(&st), nil
	}
}

// fstat reads the attributes of an open host file.
func fstat(f *os.File) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return Attr{}, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	return attrFromStat(&st), nil
}

// fileInfo adapts an Attr to fs.FileInfo for the absfs view.
type fileInfo struct {
	name string
	attr Attr
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return int64(fi.attr.Size) }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.attr.FileMode() }
func (fi *fileInfo) ModTime() time.Time { return fi.attr.Mtime }
func (fi *fileInfo) IsDir() bool        { return fi.attr.IsDir() }
func (fi *fileInfo) Sys() any           { return &fi.attr }

// StatFs describes the capacity of the filesystem backing the upper layer.
type StatFs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Frsize  uint32
	NameLen uint32
}
