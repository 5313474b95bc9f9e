package mx

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// A VMO larger than this is treated as an allocation failure.
const maxVMOSize = 1 << 32

// VMO is an in-memory virtual memory object.
type VMO struct {
	mu   sync.Mutex
	data []byte
}

func (v *VMO) TypeName() string { return "vmo" }

// VMOCreate returns a handle to a zero-filled object of the given size.
func VMOCreate(size uint64) (Handle, error) {
	if size > maxVMOSize {
		return HandleInvalid, errors.Wrap(ErrNoMemory, "vmo create")
	}
	return newHandle(&VMO{data: make([]byte, size)}, rightsDefault), nil
}

// VMOFromBytes returns a handle to an object holding a copy of p.
func VMOFromBytes(p []byte) (Handle, error) {
	if uint64(len(p)) > maxVMOSize {
		return HandleInvalid, errors.Wrap(ErrNoMemory, "vmo create")
	}
	data := make([]byte, len(p))
	copy(data, p)
	return newHandle(&VMO{data: data}, rightsDefault), nil
}

func (v *VMO) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.data))
}

// ReadAt implements io.ReaderAt so image parsers can consume a VMO
// directly.
func (v *VMO) ReadAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if off < 0 {
		return 0, errors.Wrap(ErrOutOfRange, "vmo read")
	}
	if off >= int64(len(v.data)) {
		return 0, io.EOF
	}
	n := copy(p, v.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies p into the object at off.
func (v *VMO) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(v.data)) {
		return 0, errors.Wrap(ErrOutOfRange, "vmo write")
	}
	return copy(v.data[off:], p), nil
}

// VMOOf resolves a handle to its VMO.
func VMOOf(h Handle) (*VMO, error) {
	obj, _, err := h.get()
	if err != nil {
		return nil, err
	}
	v, ok := obj.(*VMO)
	if !ok {
		return nil, errors.Wrap(ErrWrongType, "not a vmo handle")
	}
	return v, nil
}
