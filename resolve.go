package layerfs

import (
	"errors"
	"io/fs"
	"path/filepath"
	"syscall"
)

// resolution is the outcome of resolving a merged path: the layer that
// supplies the visible entry and the entry's attributes in that layer.
type resolution struct {
	layer int
	attr  Attr
}

// layerHit describes what a single layer contributes for a path.
type layerHit struct {
	attr  Attr
	found bool
	// opaque is set when the found entry is a directory carrying the
	// opaque marker.
	opaque bool
	// masked is set when no lower layer may supply the path.
	masked bool
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// exists reports whether a host path exists, without following symlinks.
func exists(hostPath string) (bool, error) {
	_, err := lstat(hostPath)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

// inspect examines layer i for the path given as components. Each level is
// checked for a whiteout before the entry itself; a non-directory ancestor
// or a whiteout masks every lower layer, and an opaque ancestor masks them
// when this layer has no entry.
func (fsys *FS) inspect(i int, comps []string) (layerHit, error) {
	dir := fsys.layers[i].root
	if len(comps) == 0 {
		attr, err := lstat(dir)
		if err != nil {
			return layerHit{}, err
		}
		opaque, err := exists(filepath.Join(dir, OpaqueWhiteout))
		if err != nil {
			return layerHit{}, err
		}
		return layerHit{attr: attr, found: true, opaque: opaque, masked: true}, nil
	}

	blocked := false
	for k, name := range comps {
		wh, err := exists(filepath.Join(dir, whiteoutName(name)))
		if err != nil {
			return layerHit{}, err
		}
		if wh {
			return layerHit{masked: true}, nil
		}

		entry := filepath.Join(dir, name)
		attr, err := lstat(entry)
		if isNotExist(err) {
			return layerHit{masked: blocked}, nil
		}
		if err != nil {
			return layerHit{}, err
		}

		last := k == len(comps)-1
		if !attr.IsDir() {
			if last {
				return layerHit{attr: attr, found: true, masked: true}, nil
			}
			return layerHit{masked: true}, nil
		}

		opaque, err := exists(filepath.Join(entry, OpaqueWhiteout))
		if err != nil {
			return layerHit{}, err
		}
		if last {
			return layerHit{attr: attr, found: true, opaque: opaque, masked: true}, nil
		}
		if opaque {
			blocked = true
		}
		dir = entry
	}
	return layerHit{}, syscall.ENOENT
}

// resolve finds the layer that supplies the visible entry for a clean
// merged path, scanning from the top layer down.
func (fsys *FS) resolve(p string) (resolution, error) {
	if res, missing, ok := fsys.cache.lookup(p); ok {
		if missing {
			return resolution{}, syscall.ENOENT
		}
		return res, nil
	}

	comps := splitPath(p)
	for i := fsys.top(); i >= 0; i-- {
		pr, err := fsys.inspect(i, comps)
		if err != nil {
			return resolution{}, err
		}
		if pr.found {
			res := resolution{layer: i, attr: pr.attr}
			fsys.cache.store(p, res)
			return res, nil
		}
		if pr.masked {
			break
		}
	}
	fsys.cache.storeMissing(p)
	return resolution{}, syscall.ENOENT
}

// hasLowerContent reports whether any layer below the top still supplies
// the directory at p, i.e. whether the top layer's copy is not the whole
// merged directory.
func (fsys *FS) hasLowerContent(p string) (bool, error) {
	comps := splitPath(p)
	top, err := fsys.inspect(fsys.top(), comps)
	if err != nil {
		return false, err
	}
	if top.found && top.opaque {
		return false, nil
	}
	if !top.found && top.masked {
		return false, nil
	}
	if top.found && !top.attr.IsDir() {
		return false, nil
	}
	for i := fsys.top() - 1; i >= 0; i-- {
		pr, err := fsys.inspect(i, comps)
		if err != nil {
			return false, err
		}
		if pr.found {
			return true, nil
		}
		if pr.masked {
			return false, nil
		}
	}
	return false, nil
}
