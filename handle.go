package layerfs

import (
	"os"
	"sync"
	"sync/atomic"
)

// handle is one open file or directory.
type handle struct {
	id    uint64
	ino   uint64
	file  *os.File // nil for the virtual file and directory snapshots
	flags int
	layer int // layer the descriptor was opened on

	dir     bool
	virtual bool

	mu      sync.Mutex
	entries []DirEntry // directory snapshot taken at open
}

// writable reports whether the handle was opened with write intent.
func (h *handle) writable() bool {
	return h.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

func (h *handle) close() error {
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}

// handleTable tracks open handles by id. Ids are never reused.
type handleTable struct {
	mu      sync.RWMutex
	handles map[uint64]*handle
	next    atomic.Uint64
}

func newHandleTable() *handleTable {
	return &handleTable{handles: make(map[uint64]*handle)}
}

// add registers h and assigns its id.
func (t *handleTable) add(h *handle) uint64 {
	h.id = t.next.Add(1)
	t.mu.Lock()
	t.handles[h.id] = h
	t.mu.Unlock()
	return h.id
}

// get returns the handle fh if it is open on ino.
func (t *handleTable) get(ino, fh uint64) (*handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[fh]
	if !ok || h.ino != ino {
		return nil, false
	}
	return h, true
}

// remove unregisters fh and returns it for closing.
func (t *handleTable) remove(ino, fh uint64) (*handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[fh]
	if !ok || h.ino != ino {
		return nil, false
	}
	delete(t.handles, fh)
	return h, true
}

// drain removes and returns every open handle.
func (t *handleTable) drain() []*handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*handle, 0, len(t.handles))
	for id, h := range t.handles {
		out = append(out, h)
		delete(t.handles, id)
	}
	return out
}

func (t *handleTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}
