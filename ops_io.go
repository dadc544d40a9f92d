package layerfs

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Lseek whence values for locating data and holes, numbered as on Linux
// and in the FUSE protocol.
const (
	SeekData = 3
	SeekHole = 4
)

// Fallocate manipulates the allocated space of a file opened for writing.
// mode takes the host FALLOC_FL_* flags; zero preallocates and may extend
// the file.
func (fsys *FS) Fallocate(ino, fh uint64, off, length int64, mode uint32) error {
	if ino == VirtualIno && fsys.virtual != nil {
		return &os.PathError{Op: "fallocate", Path: fsys.virtual.name, Err: syscall.EACCES}
	}
	h, ok := fsys.handles.get(ino, fh)
	if !ok {
		return &os.PathError{Op: "fallocate", Err: syscall.EBADF}
	}
	if h.dir {
		return &os.PathError{Op: "fallocate", Err: syscall.EISDIR}
	}
	if !h.writable() {
		return &os.PathError{Op: "fallocate", Path: h.file.Name(), Err: syscall.EBADF}
	}
	if off < 0 || length <= 0 {
		return &os.PathError{Op: "fallocate", Path: h.file.Name(), Err: syscall.EINVAL}
	}
	if err := fsys.host.fallocate(h.file, mode, off, length); err != nil {
		return pathError("fallocate", h.file.Name(), err)
	}
	return nil
}

// Lseek returns the offset of the next data or hole at or after off.
// Offsets at or past the end of the file fail with ENXIO.
func (fsys *FS) Lseek(ino, fh uint64, off int64, whence int) (int64, error) {
	h, ok := fsys.handles.get(ino, fh)
	if !ok {
		return 0, &os.PathError{Op: "lseek", Err: syscall.EBADF}
	}
	if h.dir {
		return 0, &os.PathError{Op: "lseek", Err: syscall.EISDIR}
	}
	if off < 0 {
		return 0, &os.PathError{Op: "lseek", Err: syscall.ENXIO}
	}

	var hostWhence int
	switch whence {
	case SeekData:
		hostWhence = unix.SEEK_DATA
	case SeekHole:
		hostWhence = unix.SEEK_HOLE
	default:
		return 0, &os.PathError{Op: "lseek", Err: syscall.EINVAL}
	}

	if h.virtual {
		// The payload is one run of data.
		size := int64(len(fsys.virtual.payload))
		if off >= size {
			return 0, &os.PathError{Op: "lseek", Path: fsys.virtual.name, Err: syscall.ENXIO}
		}
		if whence == SeekData {
			return off, nil
		}
		return size, nil
	}

	pos, err := unix.Seek(int(h.file.Fd()), off, hostWhence)
	if err != nil {
		return 0, pathError("lseek", h.file.Name(), err)
	}
	return pos, nil
}

// CopyFileRange copies up to length bytes from one open file to another
// and returns the number copied. The copy stays inside the host kernel
// when it can and otherwise goes through a buffer. Copying from at or past
// the end of the source copies nothing.
func (fsys *FS) CopyFileRange(inIno, inFh uint64, inOff int64, outIno, outFh uint64, outOff int64, length int) (int, error) {
	in, ok := fsys.handles.get(inIno, inFh)
	if !ok {
		return 0, &os.PathError{Op: "copy_file_range", Err: syscall.EBADF}
	}
	out, ok := fsys.handles.get(outIno, outFh)
	if !ok {
		return 0, &os.PathError{Op: "copy_file_range", Err: syscall.EBADF}
	}
	if in.dir || out.dir {
		return 0, &os.PathError{Op: "copy_file_range", Err: syscall.EISDIR}
	}
	if inOff < 0 || outOff < 0 || length < 0 {
		return 0, &os.PathError{Op: "copy_file_range", Err: syscall.EINVAL}
	}

	if in.file != nil && out.file != nil && in.flags&(os.O_WRONLY|os.O_RDWR) != os.O_WRONLY && out.writable() {
		n, err := fsys.host.copyRange(out.file, outOff, in.file, inOff, length)
		if err == nil {
			return n, nil
		}
		if !offloadUnsupported(err) {
			return 0, pathError("copy_file_range", out.file.Name(), err)
		}
	}
	return fsys.copyBuffered(inIno, inFh, inOff, outIno, outFh, outOff, length)
}

// copyBuffered moves bytes between two handles with Read and Write, so the
// handle checks of both apply.
func (fsys *FS) copyBuffered(inIno, inFh uint64, inOff int64, outIno, outFh uint64, outOff int64, length int) (int, error) {
	buf := make([]byte, min(length, fsys.copyBufferSize))
	copied := 0
	for copied < length {
		chunk := buf[:min(len(buf), length-copied)]
		n, err := fsys.Read(inIno, inFh, chunk, inOff+int64(copied))
		if err != nil {
			return copied, err
		}
		if n == 0 {
			break
		}
		w, err := fsys.Write(outIno, outFh, chunk[:n], outOff+int64(copied))
		copied += w
		if err != nil {
			return copied, err
		}
	}
	return copied, nil
}
