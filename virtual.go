package layerfs

import "time"

// VirtualFileMode is the st_mode of the injected file: a regular file with
// permissions 0755.
const VirtualFileMode uint32 = 0o100755

// virtualFile is the injected read-only entry. Its payload is set once at
// construction and never mutated.
type virtualFile struct {
	name    string
	payload []byte
	attr    Attr
}

func newVirtualFile(name string, payload []byte) *virtualFile {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	now := time.Now()
	return &virtualFile{
		name:    name,
		payload: buf,
		attr: Attr{
			Ino:     VirtualIno,
			Size:    uint64(len(buf)),
			Blocks:  (uint64(len(buf)) + 511) / 512,
			Mode:    VirtualFileMode,
			Nlink:   1,
			Blksize: 4096,
			Atime:   now,
			Mtime:   now,
			Ctime:   now,
		},
	}
}

// readAt copies payload bytes starting at off into dest, clipped to the
// payload length. An offset at or past the end yields zero bytes.
func (v *virtualFile) readAt(dest []byte, off int64) int {
	if off < 0 || off >= int64(len(v.payload)) {
		return 0
	}
	return copy(dest, v.payload[off:])
}

// isVirtual reports whether name refers to the virtual entry.
func (fsys *FS) isVirtual(name string) bool {
	return fsys.virtual != nil && name == fsys.virtual.name
}
