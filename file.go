package layerfs

import (
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"syscall"
)

// layerFile is an open file or directory of the absfs view. It is a thin
// cursor over one handle of the operation surface.
type layerFile struct {
	fsys  *FS
	path  string
	ino   uint64
	fh    uint64
	flags int
	dir   bool

	mu     sync.Mutex
	offset int64
	dirOff uint64
	closed bool
}

// Name returns the merged path the file was opened with
func (f *layerFile) Name() string {
	return f.path
}

// Read reads from the current offset
func (f *layerFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := f.fsys.Read(f.ino, f.fh, p, f.offset)
	f.offset += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ReadAt reads len(p) bytes at off; a short read returns io.EOF
func (f *layerFile) ReadAt(p []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, os.ErrClosed
	}
	total := 0
	for total < len(p) {
		n, err := f.fsys.Read(f.ino, f.fh, p[total:], off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// Write writes at the current offset, or at the end for O_APPEND files
func (f *layerFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.flags&os.O_APPEND != 0 {
		attr, err := f.fsys.GetAttr(f.ino, f.fh)
		if err != nil {
			return 0, err
		}
		f.offset = int64(attr.Size)
	}
	n, err := f.fsys.Write(f.ino, f.fh, p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes at off without moving the offset
func (f *layerFile) WriteAt(p []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, os.ErrClosed
	}
	if f.flags&os.O_APPEND != 0 {
		return 0, &os.PathError{Op: "writeat", Path: f.path, Err: syscall.EINVAL}
	}
	return f.fsys.Write(f.ino, f.fh, p, off)
}

// WriteString writes a string at the current offset
func (f *layerFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Seek sets the offset for the next Read or Write
func (f *layerFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}

	if f.dir {
		// Directories only rewind.
		if offset != 0 || whence != io.SeekStart {
			return 0, &os.PathError{Op: "seek", Path: f.path, Err: syscall.EINVAL}
		}
		f.dirOff = 0
		return 0, nil
	}

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		attr, err := f.fsys.GetAttr(f.ino, f.fh)
		if err != nil {
			return 0, err
		}
		next = int64(attr.Size) + offset
	default:
		return 0, &os.PathError{Op: "seek", Path: f.path, Err: syscall.EINVAL}
	}
	if next < 0 {
		return 0, &os.PathError{Op: "seek", Path: f.path, Err: syscall.EINVAL}
	}
	f.offset = next
	return next, nil
}

// Close releases the handle
func (f *layerFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	if f.dir {
		return f.fsys.ReleaseDir(f.ino, f.fh)
	}
	return f.fsys.Release(f.ino, f.fh)
}

// Stat returns the FileInfo for the open file
func (f *layerFile) Stat() (os.FileInfo, error) {
	if f.isClosed() {
		return nil, os.ErrClosed
	}
	attr, err := f.fsys.GetAttr(f.ino, f.fh)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: path.Base(f.path), attr: attr}, nil
}

// Sync commits the file to stable storage
func (f *layerFile) Sync() error {
	if f.isClosed() {
		return os.ErrClosed
	}
	if f.dir {
		return nil
	}
	return f.fsys.Fsync(f.ino, f.fh, false)
}

// Truncate changes the size of the file
func (f *layerFile) Truncate(size int64) error {
	if f.isClosed() {
		return os.ErrClosed
	}
	if size < 0 {
		return &os.PathError{Op: "truncate", Path: f.path, Err: syscall.EINVAL}
	}
	_, err := f.fsys.SetAttr(f.ino, f.fh, SetAttrIn{Valid: SetSize, Size: uint64(size)})
	return err
}

// nextEntries returns up to count entries after the directory cursor
func (f *layerFile) nextEntries(count int) ([]DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, os.ErrClosed
	}
	if !f.dir {
		return nil, &os.PathError{Op: "readdir", Path: f.path, Err: syscall.ENOTDIR}
	}

	entries, err := f.fsys.ReadDir(f.ino, f.fh, f.dirOff)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	if count > 0 && count < len(entries) {
		entries = entries[:count]
	}
	f.dirOff = entries[len(entries)-1].Off
	return entries, nil
}

// Readdir reads directory entries
func (f *layerFile) Readdir(count int) ([]os.FileInfo, error) {
	entries, err := f.nextEntries(count)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := f.entryInfo(e)
		if err != nil {
			// Removed since the directory was opened.
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Readdirnames reads directory entry names
func (f *layerFile) Readdirnames(count int) ([]string, error) {
	entries, err := f.nextEntries(count)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// ReadDir reads directory entries as fs.DirEntry values
func (f *layerFile) ReadDir(count int) ([]fs.DirEntry, error) {
	entries, err := f.nextEntries(count)
	if err != nil {
		return nil, err
	}
	out := make([]fs.DirEntry, len(entries))
	for i, e := range entries {
		out[i] = &dirEntry{file: f, entry: e}
	}
	return out, nil
}

func (f *layerFile) entryInfo(e DirEntry) (os.FileInfo, error) {
	a := &absFSAdapter{fsys: f.fsys}
	return a.Lstat(childPath(f.path, e.Name))
}

func (f *layerFile) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// dirEntry adapts a merged listing entry to fs.DirEntry
type dirEntry struct {
	file  *layerFile
	entry DirEntry
}

func (d *dirEntry) Name() string               { return d.entry.Name }
func (d *dirEntry) IsDir() bool                { return d.entry.Mode == syscall.S_IFDIR }
func (d *dirEntry) Type() fs.FileMode          { return (&Attr{Mode: d.entry.Mode}).FileMode().Type() }
func (d *dirEntry) Info() (fs.FileInfo, error) { return d.file.entryInfo(d.entry) }
