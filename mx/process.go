package mx

import (
	"sync"

	"github.com/pkg/errors"
)

// Process is an execution context: an address space plus threads.
type Process struct {
	mu      sync.Mutex
	name    string
	vmar    *VMAR
	started bool
	threads []*Thread
}

func (p *Process) TypeName() string { return "process" }

func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Process) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// VMAR returns the process's root address-space object.
func (p *Process) VMAR() *VMAR {
	return p.vmar
}

// Threads returns the process's threads in creation order.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// Thread is a single thread of a process. Once started it records the
// entry point, stack pointer and bootstrap arguments it began with.
type Thread struct {
	mu        sync.Mutex
	proc      *Process
	name      string
	started   bool
	entry     uint64
	sp        uint64
	bootstrap Handle
	arg1Raw   uint64
	arg2      uint64
}

func (t *Thread) TypeName() string { return "thread" }

func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Thread) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *Thread) Entry() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry
}

func (t *Thread) SP() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sp
}

// Bootstrap returns the channel handle the thread was started with. The
// thread owns it.
func (t *Thread) Bootstrap() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bootstrap
}

// Arg1Raw returns the numeric first argument of a thread started with
// ThreadStart.
func (t *Thread) Arg1Raw() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arg1Raw
}

func (t *Thread) Arg2() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arg2
}

func (t *Thread) start(entry, sp uint64, bootstrap Handle, arg2 uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.Wrap(ErrBadState, "thread already started")
	}
	t.started = true
	t.entry = entry
	t.sp = sp
	t.bootstrap = bootstrap
	t.arg2 = arg2
	return nil
}

// ProcessCreate makes a new, empty process. It returns the process handle
// and a handle to the process's root VMAR.
func ProcessCreate(name string) (Handle, Handle, error) {
	p := &Process{name: name, vmar: &VMAR{}}
	return newHandle(p, rightsDefault), newHandle(p.vmar, rightsDefault), nil
}

// ThreadCreate makes a new, not yet running thread inside proc.
func ThreadCreate(proc Handle, name string) (Handle, error) {
	p, err := ProcessOf(proc)
	if err != nil {
		return HandleInvalid, err
	}
	t := &Thread{proc: p, name: name}
	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
	return newHandle(t, rightsDefault), nil
}

// ProcessStart begins execution of a process's first thread at entry with
// the given stack pointer. arg1 is transferred into the new process as its
// sole handle argument; it is consumed on success only. A process starts at
// most once.
func ProcessStart(proc, thread Handle, entry, sp uint64, arg1 Handle, arg2 uint64) error {
	p, err := ProcessOf(proc)
	if err != nil {
		return err
	}
	t, err := ThreadOf(thread)
	if err != nil {
		return err
	}
	if t.proc != p {
		return errors.Wrap(ErrInvalidArgs, "thread belongs to another process")
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.Wrap(ErrBadState, "process already started")
	}
	p.started = true
	p.mu.Unlock()
	if err := t.start(entry, sp, arg1, arg2); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}
	return nil
}

// ThreadStart begins execution of a thread created in an already set up
// process. arg1 is passed as a plain value, not a transferred handle.
func ThreadStart(thread Handle, entry, sp uint64, arg1 uint64, arg2 uint64) error {
	t, err := ThreadOf(thread)
	if err != nil {
		return err
	}
	if err := t.start(entry, sp, HandleInvalid, arg2); err != nil {
		return err
	}
	t.mu.Lock()
	t.arg1Raw = arg1
	t.mu.Unlock()
	return nil
}

// ProcessOf resolves a handle to its Process.
func ProcessOf(h Handle) (*Process, error) {
	obj, _, err := h.get()
	if err != nil {
		return nil, err
	}
	p, ok := obj.(*Process)
	if !ok {
		return nil, errors.Wrap(ErrWrongType, "not a process handle")
	}
	return p, nil
}

// ThreadOf resolves a handle to its Thread.
func ThreadOf(h Handle) (*Thread, error) {
	obj, _, err := h.get()
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*Thread)
	if !ok {
		return nil, errors.Wrap(ErrWrongType, "not a thread handle")
	}
	return t, nil
}
