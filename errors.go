package layerfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// Operation errors. Every failure returned by the operation surface is an
// *os.PathError wrapping one of these errno values, so both
// errors.Is(err, ErrNotFound) and errors.Is(err, fs.ErrNotExist) hold.
var (
	ErrNotFound      error = syscall.ENOENT
	ErrInvalidHandle error = syscall.EBADF
	ErrPermission    error = syscall.EACCES
	ErrNotPermitted  error = syscall.EPERM
	ErrExists        error = syscall.EEXIST
)

// Construction errors.
var (
	ErrNoWritableLayer = errors.New("at least one layer must be provided")
	ErrTooManyLayers   = fmt.Errorf("maximum layer count %d exceeded", MaxLayers)
)

// pathError builds the error returned by an operation on a merged path.
func pathError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		// Keep the host errno but report the merged path.
		return &os.PathError{Op: op, Path: p, Err: pe.Err}
	}
	return &os.PathError{Op: op, Path: p, Err: err}
}

// ToErrno returns the POSIX error number a transport should hand to the
// guest for err. Unclassified errors map to EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, fs.ErrClosed):
		return syscall.EBADF
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	}
	return syscall.EIO
}
