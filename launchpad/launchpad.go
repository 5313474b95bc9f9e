// Package launchpad assembles everything a new process needs before its
// first instruction runs: argument and environment strings, a table of
// handles to transfer, a loaded executable image, an optional dynamic
// linker handoff, and the bootstrap message tying them together. A
// Launchpad is configured by a sequence of calls and consumed exactly once
// by Go (or Start plus Destroy).
package launchpad

import (
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ohnx-osdev/magenta/mx"
	"github.com/ohnx-osdev/magenta/procargs"
)

// DefaultStackSize is the initial-thread stack size used when neither the
// image nor the caller picks one.
const DefaultStackSize = 256 * 1024

const (
	hndLoaderSvc = iota
	hndExecVMO
	hndSpecialCount
)

// The transfer table is bounded by what one channel message can carry.
const maxHandles = mx.ChannelMaxMessageHandles

// Launchpad builds up the state for one new process and starts it. It is
// single-owner: no internal locking, no concurrent use.
type Launchpad struct {
	args procargs.Blob
	env  procargs.Blob

	handles     []mx.Handle
	handlesInfo []uint32

	entry    uint64
	base     uint64
	vdsoBase uint64

	stackSize uint64

	special       [hndSpecialCount]mx.Handle
	loaderMessage bool

	// Sticky first error: set once, never overwritten, checked as a
	// precondition by every mutating operation.
	err error
}

func (lp *Launchpad) fail(kind error, msg string) error {
	if lp.err == nil {
		lp.err = errors.Wrap(kind, msg)
	}
	return lp.err
}

// Error returns the sticky first error, nil while the launchpad is
// healthy.
func (lp *Launchpad) Error() error { return lp.err }

// Abort forces the launchpad into the failed state with the given error.
func (lp *Launchpad) Abort(kind error, msg string) {
	if kind == nil {
		kind = mx.ErrInternal
	}
	lp.fail(kind, msg)
}

// The process handle is always first in the table, the root VMAR second.

// ProcessHandle borrows the target process handle; the launchpad still
// owns it.
func (lp *Launchpad) ProcessHandle() mx.Handle { return lp.proc() }

// RootVMARHandle borrows the target root VMAR handle; the launchpad still
// owns it.
func (lp *Launchpad) RootVMARHandle() mx.Handle { return lp.vmar() }

func (lp *Launchpad) proc() mx.Handle {
	if len(lp.handles) < 1 {
		return mx.HandleInvalid
	}
	return lp.handles[0]
}

func (lp *Launchpad) vmar() mx.Handle {
	if len(lp.handles) < 2 {
		return mx.HandleInvalid
	}
	return lp.handles[1]
}

// CreateWithProcess wraps an existing process and its root VMAR, taking
// ownership of both handles. The returned launchpad is always usable for
// chained calls; it may already carry a sticky error.
func CreateWithProcess(proc, vmar mx.Handle) *Launchpad {
	lp := &Launchpad{stackSize: DefaultStackSize}
	lp.AddHandle(proc, procargs.Info(procargs.HandleProcSelf, 0))
	lp.AddHandle(vmar, procargs.Info(procargs.HandleVMARRoot, 0))
	return lp
}

// Create makes a fresh process and a launchpad that will set it up.
func Create(name string) *Launchpad {
	proc, vmar, err := mx.ProcessCreate(name)
	lp := CreateWithProcess(proc, vmar)
	if err != nil {
		lp.fail(err, "create: process create failed")
	}
	return lp
}

// CreateWithJob makes a fresh process and queues a duplicate of job for
// transfer to it, so the child can spawn siblings in the same container.
// The caller keeps job; an invalid job means none is sent.
func CreateWithJob(job mx.Handle, name string) *Launchpad {
	lp := Create(name)
	if !job.IsValid() {
		return lp
	}
	dup, err := job.Duplicate(mx.RightSameRights)
	if err != nil {
		lp.fail(err, "create: duplicate job failed")
		return lp
	}
	lp.AddHandle(dup, procargs.Info(procargs.HandleJob, 0))
	return lp
}

// Destroy releases every resource the launchpad still owns. Handles
// already transferred are untouched. It is safe to call more than once.
func (lp *Launchpad) Destroy() error {
	var errs *multierror.Error
	for i, h := range lp.special {
		if h.IsValid() {
			if err := h.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
			lp.special[i] = mx.HandleInvalid
		}
	}
	for _, h := range lp.handles {
		if h.IsValid() {
			if err := h.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	lp.handles = nil
	lp.handlesInfo = nil
	lp.args = procargs.Blob{}
	lp.env = procargs.Blob{}
	return errs.ErrorOrNil()
}

// SetArgs replaces the packed argument strings. The first argument is
// conventionally the program path.
func (lp *Launchpad) SetArgs(args ...string) error {
	if lp.err != nil {
		return lp.err
	}
	blob, err := procargs.PackStrings(args)
	if err != nil {
		return lp.fail(err, "arguments: pack failed")
	}
	lp.args = blob
	return nil
}

// SetEnviron replaces the packed environment strings.
func (lp *Launchpad) SetEnviron(env ...string) error {
	if lp.err != nil {
		return lp.err
	}
	blob, err := procargs.PackStrings(env)
	if err != nil {
		return lp.fail(err, "environ: pack failed")
	}
	lp.env = blob
	return nil
}

func (lp *Launchpad) moreHandles(n int) error {
	if lp.err != nil {
		return lp.err
	}
	if len(lp.handles)+n > maxHandles {
		return lp.fail(mx.ErrNoMemory, "out of room for handle table")
	}
	if cap(lp.handles)-len(lp.handles) < n {
		alloc := cap(lp.handles) * 2
		if alloc == 0 {
			alloc = 8
		}
		for alloc < len(lp.handles)+n {
			alloc *= 2
		}
		handles := make([]mx.Handle, len(lp.handles), alloc)
		copy(handles, lp.handles)
		lp.handles = handles
		info := make([]uint32, len(lp.handlesInfo), alloc)
		copy(info, lp.handlesInfo)
		lp.handlesInfo = info
	}
	return nil
}

// AddHandle moves h into the transfer table under the given handle-kind
// tag. The launchpad owns it until the bootstrap message send consumes it.
// An invalid sentinel is rejected without taking ownership; any other
// failure closes h.
func (lp *Launchpad) AddHandle(h mx.Handle, info uint32) error {
	if !h.IsValid() {
		return lp.fail(mx.ErrBadHandle, "added invalid handle")
	}
	if err := lp.moreHandles(1); err != nil {
		h.Close()
		return err
	}
	lp.handles = append(lp.handles, h)
	lp.handlesInfo = append(lp.handlesInfo, info)
	return nil
}

// AddHandles ingests a batch. When the table cannot grow, the entire batch
// is closed. When the table grows, every entry is appended first and then
// validated: the first invalid sentinel is reported, closing nothing, and
// the valid entries remain owned by the table.
func (lp *Launchpad) AddHandles(hs []mx.Handle, info []uint32) error {
	if len(hs) != len(info) {
		return lp.fail(mx.ErrInvalidArgs, "handle and tag counts differ")
	}
	if err := lp.moreHandles(len(hs)); err != nil {
		mx.CloseAll(hs...)
		return err
	}
	lp.handles = append(lp.handles, hs...)
	lp.handlesInfo = append(lp.handlesInfo, info...)
	for _, h := range hs {
		if !h.IsValid() {
			return lp.fail(mx.ErrBadHandle, "added invalid handle")
		}
	}
	return nil
}

// TransferFD queues a handle for the new process's file descriptor table
// under the given target descriptor number.
func (lp *Launchpad) TransferFD(h mx.Handle, targetFD uint16) error {
	return lp.AddHandle(h, procargs.Info(procargs.HandleFD, targetFD))
}

// SetStackSize rounds the request to page granularity, clamping instead of
// wrapping near the top of the address space, and returns the previous
// size. Zero disables stack allocation entirely.
func (lp *Launchpad) SetStackSize(size uint64) uint64 {
	old := lp.stackSize
	const maxAligned = ^uint64(0) &^ (mx.PageSize - 1)
	if size >= maxAligned {
		// A ridiculous size will still fail at allocation time, but page
		// rounding must not wrap it to zero.
		size = maxAligned
	} else if size > 0 {
		size = (size + mx.PageSize - 1) &^ (mx.PageSize - 1)
	}
	if lp.err == nil {
		lp.stackSize = size
	}
	return old
}

// StackSize reports the current, already rounded stack size.
func (lp *Launchpad) StackSize() uint64 { return lp.stackSize }

// Entry returns the resolved program entry address; ErrBadState before an
// image has been loaded.
func (lp *Launchpad) Entry() (uint64, error) {
	if lp.entry == 0 {
		return 0, errors.Wrap(mx.ErrBadState, "no image loaded")
	}
	return lp.entry, nil
}

// Base returns the image load base; ErrBadState before an image has been
// loaded.
func (lp *Launchpad) Base() (uint64, error) {
	if lp.base == 0 && lp.entry == 0 {
		return 0, errors.Wrap(mx.ErrBadState, "no image loaded")
	}
	return lp.base, nil
}

// VDSOBase returns the mapped vDSO base, zero when none was loaded.
func (lp *Launchpad) VDSOBase() uint64 { return lp.vdsoBase }

// SendLoaderMessage reports whether a loader handoff will precede the
// bootstrap message and, while the launchpad is healthy, overrides it.
func (lp *Launchpad) SendLoaderMessage(doSend bool) bool {
	prev := lp.loaderMessage
	if lp.err == nil {
		lp.loaderMessage = doSend
	}
	return prev
}

// UseLoaderService swaps in the loader-service channel the new process
// will be handed, returning the previous one; the caller becomes its sole
// owner. On a sticky error the offered handle is closed.
func (lp *Launchpad) UseLoaderService(svc mx.Handle) (mx.Handle, error) {
	if lp.err != nil {
		mx.CloseAll(svc)
		return mx.HandleInvalid, lp.err
	}
	old := lp.special[hndLoaderSvc]
	lp.special[hndLoaderSvc] = svc
	return old, nil
}
