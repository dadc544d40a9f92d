package layerfs

import (
	"io/fs"
	"os"
	"sort"
	"strings"
	"syscall"
)

// DirEntry is one entry of a merged directory listing. Off is the cookie a
// caller passes back to ReadDir to continue after this entry.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode uint32 // file type bits of st_mode
	Off  uint64
}

// typeBits converts the type portion of an fs.FileMode into st_mode bits.
func typeBits(m fs.FileMode) uint32 {
	switch {
	case m&fs.ModeDir != 0:
		return syscall.S_IFDIR
	case m&fs.ModeSymlink != 0:
		return syscall.S_IFLNK
	case m&fs.ModeNamedPipe != 0:
		return syscall.S_IFIFO
	case m&fs.ModeSocket != 0:
		return syscall.S_IFSOCK
	case m&fs.ModeCharDevice != 0:
		return syscall.S_IFCHR
	case m&fs.ModeDevice != 0:
		return syscall.S_IFBLK
	}
	return syscall.S_IFREG
}

// mergedEntries loads and merges directory entries from all layers
func (fsys *FS) mergedEntries(p string) ([]DirEntry, error) {
	comps := splitPath(p)
	seen := make(map[string]bool)
	var entries []DirEntry

	for i := fsys.top(); i >= 0; i-- {
		pr, err := fsys.inspect(i, comps)
		if err != nil {
			return nil, err
		}
		if !pr.found {
			if pr.masked {
				break
			}
			continue
		}
		// A non-directory here hides any directory of the same name below.
		if !pr.attr.IsDir() {
			break
		}

		layerEntries, err := os.ReadDir(fsys.layers[i].hostPath(p))
		if err != nil {
			return nil, err
		}

		for _, entry := range layerEntries {
			name := entry.Name()

			// Skip opaque markers and copy-up staging files
			if name == OpaqueWhiteout || strings.HasPrefix(name, stagingPrefix) {
				continue
			}

			// A whiteout hides the name in every lower layer
			if isWhiteout(name) {
				seen[strings.TrimPrefix(name, WhiteoutPrefix)] = true
				continue
			}

			if seen[name] || fsys.isVirtual(name) {
				continue
			}
			seen[name] = true

			de := DirEntry{Name: name, Mode: typeBits(entry.Type())}
			if n, ok := fsys.inodes.lookupPath(childPath(p, name)); ok {
				de.Ino = n.ino
			}
			entries = append(entries, de)
		}

		// Nothing below an opaque directory is visible
		if pr.opaque {
			break
		}
	}

	if fsys.virtual != nil {
		entries = append(entries, DirEntry{
			Name: fsys.virtual.name,
			Ino:  VirtualIno,
			Mode: VirtualFileMode & syscall.S_IFMT,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	for i := range entries {
		entries[i].Off = uint64(i + 1)
	}
	return entries, nil
}
