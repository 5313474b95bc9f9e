package mx

import "sync"

// The startup stash holds the handles a process was given at creation,
// keyed by their handle-kind tags, until a component claims them.
var (
	startupMu      sync.Mutex
	startupHandles = make(map[uint32]Handle)
)

// SetStartupHandle stashes h under the given tag, returning the previous
// occupant to the caller.
func SetStartupHandle(tag uint32, h Handle) Handle {
	startupMu.Lock()
	defer startupMu.Unlock()
	old := startupHandles[tag]
	if h.IsValid() {
		startupHandles[tag] = h
	} else {
		delete(startupHandles, tag)
	}
	return old
}

// TakeStartupHandle removes and returns the handle stashed under tag, the
// invalid sentinel when there is none.
func TakeStartupHandle(tag uint32) Handle {
	startupMu.Lock()
	defer startupMu.Unlock()
	h := startupHandles[tag]
	delete(startupHandles, tag)
	return h
}
