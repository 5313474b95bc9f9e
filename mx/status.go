package mx

import "github.com/pkg/errors"

// Error kinds reported by the capability runtime. Callers compare with
// errors.Cause to recover the kind from a wrapped error.
var (
	ErrInternal       = errors.New("internal error")
	ErrNotSupported   = errors.New("not supported")
	ErrNoMemory       = errors.New("no memory")
	ErrInvalidArgs    = errors.New("invalid args")
	ErrBadHandle      = errors.New("bad handle")
	ErrWrongType      = errors.New("wrong type")
	ErrOutOfRange     = errors.New("out of range")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrBadState       = errors.New("bad state")
	ErrAccessDenied   = errors.New("access denied")
	ErrPeerClosed     = errors.New("peer closed")
	ErrNotFound       = errors.New("not found")
)

// Status is the numeric status space shared with wire protocols. Zero is
// success; failures are negative.
type Status int32

const (
	StatusOK             Status = 0
	StatusInternal       Status = -1
	StatusNotSupported   Status = -2
	StatusNoMemory       Status = -5
	StatusInvalidArgs    Status = -10
	StatusBadHandle      Status = -11
	StatusWrongType      Status = -12
	StatusOutOfRange     Status = -13
	StatusBufferTooSmall Status = -14
	StatusBadState       Status = -20
	StatusNotFound       Status = -24
	StatusPeerClosed     Status = -25
	StatusAccessDenied   Status = -30
)

var statusErrs = map[Status]error{
	StatusInternal:       ErrInternal,
	StatusNotSupported:   ErrNotSupported,
	StatusNoMemory:       ErrNoMemory,
	StatusInvalidArgs:    ErrInvalidArgs,
	StatusBadHandle:      ErrBadHandle,
	StatusWrongType:      ErrWrongType,
	StatusOutOfRange:     ErrOutOfRange,
	StatusBufferTooSmall: ErrBufferTooSmall,
	StatusBadState:       ErrBadState,
	StatusNotFound:       ErrNotFound,
	StatusPeerClosed:     ErrPeerClosed,
	StatusAccessDenied:   ErrAccessDenied,
}

// Err maps a status code to its error kind, nil for StatusOK.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	if err, ok := statusErrs[s]; ok {
		return err
	}
	return errors.Errorf("status %d", s)
}

// StatusOf maps an error back to the status code of its kind.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	cause := errors.Cause(err)
	for s, kind := range statusErrs {
		if cause == kind {
			return s
		}
	}
	return StatusInternal
}
