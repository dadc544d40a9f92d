package layerfs

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// errNoAttr is returned when an extended attribute does not exist.
const errNoAttr = unix.ENOATTR

type darwinHost struct{ posixHost }

var platformHost hostOps = darwinHost{}

func (darwinHost) getxattr(path, name string, dest []byte) (int, error) {
	return unix.Lgetxattr(path, name, dest)
}

func (darwinHost) setxattr(path, name string, data []byte, flags int) error {
	return unix.Lsetxattr(path, name, data, flags)
}

func (darwinHost) listxattr(path string, dest []byte) (int, error) {
	return unix.Llistxattr(path, dest)
}

func (darwinHost) removexattr(path, name string) error {
	return unix.Lremovexattr(path, name)
}

// clone is unsupported: clonefile(2) needs a destination path that does not
// exist yet, while copy-up clones into an already-open staging file.
func (darwinHost) clone(dst, src *os.File) error {
	return unix.EOPNOTSUPP
}

func (darwinHost) statfs(path string) (StatFs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return StatFs{}, err
	}
	return StatFs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   st.Bsize,
		Frsize:  st.Bsize,
		NameLen: 255,
	}, nil
}

// utimens fills unchanged times from the current ones; there is no
// UTIME_OMIT here.
func (darwinHost) utimens(path string, f *os.File, atime, mtime *time.Time) error {
	if atime == nil || mtime == nil {
		var st unix.Stat_t
		var err error
		if f != nil {
			err = unix.Fstat(int(f.Fd()), &st)
		} else {
			err = unix.Lstat(path, &st)
		}
		if err != nil {
			return err
		}
		if atime == nil {
			t := time.Unix(st.Atim.Unix())
			atime = &t
		}
		if mtime == nil {
			t := time.Unix(st.Mtim.Unix())
			mtime = &t
		}
	}
	if f != nil {
		tv := []unix.Timeval{unix.NsecToTimeval(atime.UnixNano()), unix.NsecToTimeval(mtime.UnixNano())}
		return unix.Futimes(int(f.Fd()), tv)
	}
	ts := []unix.Timespec{unix.NsecToTimespec(atime.UnixNano()), unix.NsecToTimespec(mtime.UnixNano())}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}

// fallocate only extends the file; punching holes and keeping the size
// are not available.
func (darwinHost) fallocate(f *os.File, mode uint32, off, length int64) error {
	if mode != 0 {
		return unix.EOPNOTSUPP
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return err
	}
	if end := off + length; end > st.Size {
		return unix.Ftruncate(int(f.Fd()), end)
	}
	return nil
}

func (darwinHost) copyRange(dst *os.File, dstOff int64, src *os.File, srcOff int64, n int) (int, error) {
	return 0, unix.ENOSYS
}
