package layerfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// hide records that name no longer exists in parent by writing a whiteout
// into the writable layer. Any real entry of the same name in the writable
// layer must already be gone. Whiteouts are never removed except by a
// later create of the same name.
func (fsys *FS) hide(parent, name string) error {
	if err := fsys.copyUpDirs(parent); err != nil {
		return err
	}

	wh := filepath.Join(fsys.layers[fsys.top()].hostPath(parent), whiteoutName(name))
	f, err := os.OpenFile(wh, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o000)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fsys.cache.forgetTree(childPath(parent, name))
	return nil
}

// clearWhiteout removes the writable layer's whiteout for name in parent,
// reporting whether one existed. An entry and its whiteout never coexist
// in one layer.
func (fsys *FS) clearWhiteout(parent, name string) (bool, error) {
	wh := filepath.Join(fsys.layers[fsys.top()].hostPath(parent), whiteoutName(name))
	err := os.Remove(wh)
	if err == nil {
		fsys.cache.forgetTree(childPath(parent, name))
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

// hideIfVisible writes a whiteout for name when a lower layer still
// supplies it after the writable layer's entry was removed.
func (fsys *FS) hideIfVisible(parent, name string) error {
	p := childPath(parent, name)
	fsys.cache.forgetTree(p)
	if _, err := fsys.resolve(p); err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	return fsys.hide(parent, name)
}

// makeOpaque marks a writable-layer directory so that nothing below it in
// lower layers shows through.
func (fsys *FS) makeOpaque(p string) error {
	marker := filepath.Join(fsys.layers[fsys.top()].hostPath(p), OpaqueWhiteout)
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_WRONLY, 0o000)
	if err != nil {
		return err
	}
	fsys.cache.forgetTree(p)
	return f.Close()
}
