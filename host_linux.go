package layerfs

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// errNoAttr is returned when an extended attribute does not exist.
const errNoAttr = unix.ENODATA

type linuxHost struct{ posixHost }

var platformHost hostOps = linuxHost{}

func (linuxHost) getxattr(path, name string, dest []byte) (int, error) {
	return unix.Lgetxattr(path, name, dest)
}

func (linuxHost) setxattr(path, name string, data []byte, flags int) error {
	return unix.Lsetxattr(path, name, data, flags)
}

func (linuxHost) listxattr(path string, dest []byte) (int, error) {
	return unix.Llistxattr(path, dest)
}

func (linuxHost) removexattr(path, name string) error {
	return unix.Lremovexattr(path, name)
}

func (linuxHost) clone(dst, src *os.File) error {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
}

func (linuxHost) statfs(path string) (StatFs, error) {
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
		Bsize:   uint32(st.Bsize),
		Frsize:  uint32(st.Frsize),
		NameLen: uint32(st.Namelen),
	}, nil
}

func (linuxHost) utimens(path string, f *os.File, atime, mtime *time.Time) error {
	ts := []unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
	if atime != nil {
		ts[0] = unix.NsecToTimespec(atime.UnixNano())
	}
	if mtime != nil {
		ts[1] = unix.NsecToTimespec(mtime.UnixNano())
	}
	if f != nil {
		// The descriptor link still resolves once the name is unlinked.
		return unix.UtimesNanoAt(unix.AT_FDCWD, "/proc/self/fd/"+strconv.Itoa(int(f.Fd())), ts, 0)
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}

func (linuxHost) fallocate(f *os.File, mode uint32, off, length int64) error {
	return unix.Fallocate(int(f.Fd()), mode, off, length)
}

func (linuxHost) copyRange(dst *os.File, dstOff int64, src *os.File, srcOff int64, n int) (int, error) {
	return unix.CopyFileRange(int(src.Fd()), &srcOff, int(dst.Fd()), &dstOff, n, 0)
}
