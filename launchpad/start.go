package launchpad

import (
	"github.com/pkg/errors"

	"github.com/ohnx-osdev/magenta/mx"
	"github.com/ohnx-osdev/magenta/procargs"
)

// The loader handoff always leads with duplicates of the process, root
// VMAR, and initial thread, in that order.
const loaderHandleCount = 3

// initialStackPointer picks the first frame pointer inside a fresh stack:
// just below the top, aligned down to 16 bytes.
func initialStackPointer(base, size uint64) uint64 {
	sp := base + size
	sp &^= 15
	return sp
}

// sendLoaderMessage writes the dynamic-linker handoff message on the
// bootstrap channel ahead of the main bootstrap message. It carries
// duplicates of the process, VMAR and thread plus whichever special
// handles the load phase set aside; the specials transfer, the duplicates
// are closed here on failure.
func (lp *Launchpad) sendLoaderMessage(toChild, thread mx.Handle) error {
	info := make([]uint32, 0, loaderHandleCount+hndSpecialCount)
	handles := make([]mx.Handle, 0, loaderHandleCount+hndSpecialCount)

	proc, err := lp.proc().Duplicate(mx.RightSameRights)
	if err != nil {
		return errors.Wrap(err, "duplicate process for loader")
	}
	handles = append(handles, proc)
	info = append(info, procargs.Info(procargs.HandleProcSelf, 0))

	vmar, err := lp.vmar().Duplicate(mx.RightSameRights)
	if err != nil {
		mx.CloseAll(handles...)
		return errors.Wrap(err, "duplicate vmar for loader")
	}
	handles = append(handles, vmar)
	info = append(info, procargs.Info(procargs.HandleVMARRoot, 0))

	thr, err := thread.Duplicate(mx.RightSameRights)
	if err != nil {
		mx.CloseAll(handles...)
		return errors.Wrap(err, "duplicate thread for loader")
	}
	handles = append(handles, thr)
	info = append(info, procargs.Info(procargs.HandleThreadSelf, 0))

	specialInfo := [hndSpecialCount]uint32{
		hndLoaderSvc: procargs.Info(procargs.HandleLoaderSvc, 0),
		hndExecVMO:   procargs.Info(procargs.HandleExecVMO, 0),
	}
	for i, h := range lp.special {
		if h.IsValid() {
			handles = append(handles, h)
			info = append(info, specialInfo[i])
		}
	}

	msg, err := procargs.BuildMessage(info, lp.args, lp.env)
	if err != nil {
		mx.CloseAll(handles[:loaderHandleCount]...)
		return errors.Wrap(err, "build loader message")
	}
	if err := mx.ChannelWrite(toChild, msg, handles); err != nil {
		mx.CloseAll(handles[:loaderHandleCount]...)
		return errors.Wrap(err, "send loader message")
	}
	for i := range lp.special {
		lp.special[i] = mx.HandleInvalid
	}
	lp.loaderMessage = false
	return nil
}

// prepareStart allocates the stack, creates the initial thread, sends the
// loader handoff when one is pending, and sends the bootstrap message
// carrying the whole handle table. On success the table is empty and the
// returned thread handle is owned by the caller.
func (lp *Launchpad) prepareStart(toChild mx.Handle, name string) (thread mx.Handle, sp uint64, err error) {
	if lp.err != nil {
		return mx.HandleInvalid, 0, lp.err
	}
	if lp.entry == 0 {
		return mx.HandleInvalid, 0, lp.fail(mx.ErrBadState, "start: no entry point")
	}

	if lp.stackSize > 0 {
		vmo, err := mx.VMOCreate(lp.stackSize)
		if err != nil {
			return mx.HandleInvalid, 0, lp.fail(err, "start: stack vmo")
		}
		base, err := mx.VMARMap(lp.vmar(), 0, vmo, 0, lp.stackSize, mx.ProtRead|mx.ProtWrite)
		if err != nil {
			vmo.Close()
			return mx.HandleInvalid, 0, lp.fail(err, "start: map stack")
		}
		sp = initialStackPointer(base, lp.stackSize)
		if err := lp.AddHandle(vmo, procargs.Info(procargs.HandleStackVMO, 0)); err != nil {
			return mx.HandleInvalid, 0, err
		}
	}

	thread, err = mx.ThreadCreate(lp.proc(), name)
	if err != nil {
		return mx.HandleInvalid, 0, lp.fail(err, "start: thread create")
	}
	thr, err := thread.Duplicate(mx.RightSameRights)
	if err != nil {
		thread.Close()
		return mx.HandleInvalid, 0, lp.fail(err, "start: duplicate thread")
	}
	if err := lp.AddHandle(thr, procargs.Info(procargs.HandleThreadSelf, 0)); err != nil {
		thread.Close()
		return mx.HandleInvalid, 0, err
	}

	if lp.loaderMessage {
		if err := lp.sendLoaderMessage(toChild, thread); err != nil {
			thread.Close()
			return mx.HandleInvalid, 0, lp.fail(err, "start: loader handoff")
		}
	}

	msg, err := procargs.BuildMessage(lp.handlesInfo, lp.args, lp.env)
	if err != nil {
		thread.Close()
		return mx.HandleInvalid, 0, lp.fail(err, "start: build bootstrap message")
	}
	if lp.stackSize > 0 && uint64(len(msg)) > lp.stackSize/2 {
		thread.Close()
		return mx.HandleInvalid, 0, lp.fail(mx.ErrBufferTooSmall, "start: bootstrap message bigger than half the stack")
	}
	if err := mx.ChannelWrite(toChild, msg, lp.handles); err != nil {
		thread.Close()
		return mx.HandleInvalid, 0, lp.fail(err, "start: send bootstrap message")
	}
	lp.handles = lp.handles[:0]
	lp.handlesInfo = lp.handlesInfo[:0]
	return thread, sp, nil
}

// Start launches the process and returns a handle to it that the caller
// owns. The launchpad gives up the handle table either way and must be
// destroyed afterwards; a second Start fails.
func (lp *Launchpad) Start() (mx.Handle, error) {
	if lp.err != nil {
		return mx.HandleInvalid, lp.err
	}
	if !lp.proc().IsValid() {
		return mx.HandleInvalid, lp.fail(mx.ErrBadState, "start: launchpad already consumed")
	}
	proc, err := lp.proc().Duplicate(mx.RightSameRights)
	if err != nil {
		return mx.HandleInvalid, lp.fail(err, "start: duplicate process")
	}
	toChild, forChild, err := mx.ChannelCreate()
	if err != nil {
		proc.Close()
		return mx.HandleInvalid, lp.fail(err, "start: bootstrap channel")
	}
	thread, sp, err := lp.prepareStart(toChild, "initial-thread")
	toChild.Close()
	if err != nil {
		mx.CloseAll(proc, forChild)
		return mx.HandleInvalid, err
	}
	if err := mx.ProcessStart(proc, thread, lp.entry, sp, forChild, lp.vdsoBase); err != nil {
		mx.CloseAll(proc, forChild, thread)
		return mx.HandleInvalid, lp.fail(err, "start: process start")
	}
	thread.Close()
	return proc, nil
}

// StartInjected starts the prepared initial thread inside the target
// process using a bootstrap channel the caller owns. toChild is written to
// but not consumed; bootstrapArg is the channel's handle value as the child
// knows it, passed through as the thread's first start argument.
func (lp *Launchpad) StartInjected(threadName string, toChild mx.Handle, bootstrapArg uint64) error {
	if lp.err != nil {
		return lp.err
	}
	if !lp.proc().IsValid() {
		return lp.fail(mx.ErrBadState, "start: launchpad already consumed")
	}
	thread, sp, err := lp.prepareStart(toChild, threadName)
	if err != nil {
		return err
	}
	if err := mx.ThreadStart(thread, lp.entry, sp, bootstrapArg, lp.vdsoBase); err != nil {
		thread.Close()
		return lp.fail(err, "start: thread start")
	}
	thread.Close()
	return nil
}

// Go is the one-shot form: start the process and tear the launchpad down
// no matter what.
func (lp *Launchpad) Go() (mx.Handle, error) {
	proc, err := lp.Start()
	lp.Destroy()
	return proc, err
}
