// Package mx implements an in-memory capability runtime: handles to
// kernel-style objects (memory objects, address spaces, processes, threads,
// channels) with close/duplicate/transfer semantics.
package mx

import (
	"sync"

	"github.com/pkg/errors"
)

// Rights control what a handle may be used for.
type Rights uint32

const (
	RightNone      Rights = 0
	RightDuplicate Rights = 1 << 0
	RightTransfer  Rights = 1 << 1
	RightRead      Rights = 1 << 2
	RightWrite     Rights = 1 << 3
	RightExec      Rights = 1 << 4
	RightMap       Rights = 1 << 5

	// RightSameRights asks Duplicate for a handle carrying the source's
	// rights unchanged.
	RightSameRights Rights = 1 << 31

	rightsDefault = RightDuplicate | RightTransfer | RightRead | RightWrite | RightExec | RightMap
	rightsChannel = RightTransfer | RightRead | RightWrite
)

// Object is a resource a handle can refer to.
type Object interface {
	TypeName() string
}

// notifyClosed is implemented by objects that care when one of their
// handles goes away (channels tear down their end).
type notifyClosed interface {
	handleClosed()
}

// Handle is an opaque closeable reference to an Object. The zero value is
// the invalid sentinel.
type Handle struct {
	e *entry
}

type entry struct {
	mu     sync.Mutex
	obj    Object
	rights Rights
	closed bool
}

// HandleInvalid is the invalid handle sentinel.
var HandleInvalid = Handle{}

func newHandle(obj Object, rights Rights) Handle {
	return Handle{&entry{obj: obj, rights: rights}}
}

func (h Handle) IsValid() bool {
	return h.e != nil
}

// Close releases the handle. Closing the invalid sentinel or an already
// closed handle fails with ErrBadHandle.
func (h Handle) Close() error {
	if h.e == nil {
		return errors.WithStack(ErrBadHandle)
	}
	h.e.mu.Lock()
	if h.e.closed {
		h.e.mu.Unlock()
		return errors.WithStack(ErrBadHandle)
	}
	h.e.closed = true
	obj := h.e.obj
	h.e.mu.Unlock()
	if n, ok := obj.(notifyClosed); ok {
		n.handleClosed()
	}
	return nil
}

// Duplicate returns a second handle to the same object.
func (h Handle) Duplicate(rights Rights) (Handle, error) {
	obj, r, err := h.get()
	if err != nil {
		return HandleInvalid, err
	}
	if r&RightDuplicate == 0 {
		return HandleInvalid, errors.WithStack(ErrAccessDenied)
	}
	if rights == RightSameRights {
		rights = r
	}
	return newHandle(obj, rights), nil
}

func (h Handle) get() (Object, Rights, error) {
	if h.e == nil {
		return nil, 0, errors.WithStack(ErrBadHandle)
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.e.closed {
		return nil, 0, errors.WithStack(ErrBadHandle)
	}
	return h.e.obj, h.e.rights, nil
}

// transfer divests the handle for movement across a channel, minting a
// fresh handle to the same object. The old handle is dead afterwards; the
// object is not notified, since it stays referenced.
func (h Handle) transfer() (Handle, error) {
	if h.e == nil {
		return HandleInvalid, errors.WithStack(ErrBadHandle)
	}
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if h.e.closed {
		return HandleInvalid, errors.WithStack(ErrBadHandle)
	}
	if h.e.rights&RightTransfer == 0 {
		return HandleInvalid, errors.WithStack(ErrAccessDenied)
	}
	h.e.closed = true
	return newHandle(h.e.obj, h.e.rights), nil
}

// restore reverses transfer when a multi-handle move aborts partway. The
// minted duplicate is abandoned unclosed so the object is not notified;
// the original entry keeps its reference.
func (h Handle) restore() {
	h.e.mu.Lock()
	h.e.closed = false
	h.e.mu.Unlock()
}

// CloseAll closes every valid handle in hs, best effort.
func CloseAll(hs ...Handle) {
	for _, h := range hs {
		if h.IsValid() {
			h.Close()
		}
	}
}
