package layerfs

import "sync"

// inode is the engine's record of one resolved merged path.
type inode struct {
	ino uint64

	// copyMu serializes the check-and-materialize sequence of copy-up.
	// It is never held across reads or writes.
	copyMu sync.Mutex

	mu      sync.RWMutex
	path    string
	layer   int
	mode    uint32
	lookups uint64
	opens   int
	removed bool
}

// snapshot returns the current path, owning layer and mode.
func (n *inode) snapshot() (string, int, uint32) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.path, n.layer, n.mode
}

func (n *inode) currentPath() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.path
}

func (n *inode) ownerLayer() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.layer
}

func (n *inode) setLayer(layer int) {
	n.mu.Lock()
	n.layer = layer
	n.mu.Unlock()
}

func (n *inode) isRemoved() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.removed
}

// inodeTable maps inode numbers to merged paths and back.
type inodeTable struct {
	mu     sync.RWMutex
	byIno  map[uint64]*inode
	byPath map[string]*inode
	next   uint64
}

func newInodeTable() *inodeTable {
	return &inodeTable{
		byIno:  make(map[uint64]*inode),
		byPath: make(map[string]*inode),
		next:   firstDynamicIno,
	}
}

// insertRoot registers the namespace root. The root is never evicted.
func (t *inodeTable) insertRoot(layer int, mode uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root := &inode{ino: RootIno, path: "/", layer: layer, mode: mode, lookups: 1}
	t.byIno[RootIno] = root
	t.byPath["/"] = root
}

// get returns the live inode for ino.
func (t *inodeTable) get(ino uint64) (*inode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byIno[ino]
	return n, ok
}

// lookupPath returns the inode currently bound to a merged path.
func (t *inodeTable) lookupPath(p string) (*inode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byPath[p]
	return n, ok
}

// acquire returns the inode for p, creating it on first lookup, and counts
// one lookup reference against it.
func (t *inodeTable) acquire(p string, layer int, mode uint32) *inode {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.byPath[p]; ok {
		n.mu.Lock()
		n.lookups++
		// A resolution racing with copy-up may still see the lower layer;
		// ownership only ever moves up while the path stays bound.
		if layer > n.layer {
			n.layer = layer
		}
		n.mode = mode
		n.mu.Unlock()
		return n
	}

	n := &inode{ino: t.next, path: p, layer: layer, mode: mode, lookups: 1}
	t.next++
	t.byIno[n.ino] = n
	t.byPath[p] = n
	return n
}

// forget drops nlookup lookup references and evicts the inode once nothing
// refers to it.
func (t *inodeTable) forget(ino, nlookup uint64) {
	if ino == RootIno || ino == VirtualIno {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byIno[ino]
	if !ok {
		return
	}
	n.mu.Lock()
	if nlookup >= n.lookups {
		n.lookups = 0
	} else {
		n.lookups -= nlookup
	}
	n.mu.Unlock()
	t.evictLocked(n)
}

// ref counts an open handle against ino.
func (t *inodeTable) ref(ino uint64) {
	t.mu.RLock()
	n, ok := t.byIno[ino]
	t.mu.RUnlock()
	if !ok {
		return
	}
	n.mu.Lock()
	n.opens++
	n.mu.Unlock()
}

// unref releases an open handle reference.
func (t *inodeTable) unref(ino uint64) {
	if ino == RootIno || ino == VirtualIno {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byIno[ino]
	if !ok {
		return
	}
	n.mu.Lock()
	if n.opens > 0 {
		n.opens--
	}
	n.mu.Unlock()
	t.evictLocked(n)
}

func (t *inodeTable) evictLocked(n *inode) {
	if n.ino == RootIno {
		return
	}
	n.mu.RLock()
	idle := n.lookups == 0 && n.opens == 0
	p, removed := n.path, n.removed
	n.mu.RUnlock()
	if !idle {
		return
	}
	delete(t.byIno, n.ino)
	if !removed && t.byPath[p] == n {
		delete(t.byPath, p)
	}
}

// detach unbinds the inode at p after the path was deleted. The entry
// stays reachable by number until its references are dropped.
func (t *inodeTable) detach(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byPath[p]
	if !ok {
		return
	}
	delete(t.byPath, p)
	n.mu.Lock()
	n.removed = true
	n.mu.Unlock()
	t.evictLocked(n)
}

// move rebinds every inode at or below oldPath to the matching path below
// newPath. An inode already bound to a destination path is detached first.
func (t *inodeTable) move(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if victim, ok := t.byPath[newPath]; ok && oldPath != newPath {
		delete(t.byPath, newPath)
		victim.mu.Lock()
		victim.removed = true
		victim.mu.Unlock()
		t.evictLocked(victim)
	}

	var moved []*inode
	for p, n := range t.byPath {
		if isWithin(p, oldPath) {
			delete(t.byPath, p)
			moved = append(moved, n)
		}
	}
	for _, n := range moved {
		n.mu.Lock()
		n.path = newPath + n.path[len(oldPath):]
		t.byPath[n.path] = n
		n.mu.Unlock()
	}
}

// setLayerTree marks every bound inode at or below p as owned by layer.
func (t *inodeTable) setLayerTree(p string, layer int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for bp, n := range t.byPath {
		if isWithin(bp, p) {
			n.setLayer(layer)
		}
	}
}

// len returns the number of live inodes, root included.
func (t *inodeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIno)
}
