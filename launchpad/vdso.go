package launchpad

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ohnx-osdev/magenta/mx"
	"github.com/ohnx-osdev/magenta/procargs"
)

// The default vDSO image is shared by every launchpad in the program, so
// it lives behind a mutex rather than on the builder.
var (
	vdsoMu  sync.Mutex
	vdsoVMO mx.Handle
)

// vdsoGet returns a duplicate of the default vDSO VMO, lazily claiming
// the startup-handle stash on first use. Callers must not hold vdsoMu.
func vdsoGet() (mx.Handle, error) {
	vdsoMu.Lock()
	defer vdsoMu.Unlock()
	if !vdsoVMO.IsValid() {
		vdsoVMO = mx.TakeStartupHandle(procargs.Info(procargs.HandleVDSOVMO, 0))
		if !vdsoVMO.IsValid() {
			return mx.HandleInvalid, errors.Wrap(mx.ErrNotFound, "no default vDSO")
		}
	}
	return vdsoVMO.Duplicate(mx.RightSameRights)
}

// GetVDSOVMO returns a duplicate of the default vDSO image the caller
// owns.
func GetVDSOVMO() (mx.Handle, error) {
	return vdsoGet()
}

// SetVDSOVMO replaces the default vDSO image, taking ownership of vmo,
// and returns the previous default, which may be invalid. Passing an
// invalid handle clears the default.
func SetVDSOVMO(vmo mx.Handle) mx.Handle {
	vdsoMu.Lock()
	defer vdsoMu.Unlock()
	old := vdsoVMO
	vdsoVMO = vmo
	return old
}

// HasVDSOVMO reports whether a default vDSO image is set or stashed.
func HasVDSOVMO() bool {
	vdsoMu.Lock()
	set := vdsoVMO.IsValid()
	vdsoMu.Unlock()
	if set {
		return true
	}
	h, err := vdsoGet()
	if err != nil {
		return false
	}
	h.Close()
	return true
}

// AddVDSOVMO queues a vDSO image for transfer under the vDSO handle kind
// without mapping it. The launchpad takes ownership.
func (lp *Launchpad) AddVDSOVMO(vmo mx.Handle) error {
	return lp.AddHandle(vmo, procargs.Info(procargs.HandleVDSOVMO, 0))
}

// LoadVDSO maps a vDSO image into the target and records its base for the
// new thread's second start argument. An invalid handle means the default
// vDSO.
func (lp *Launchpad) LoadVDSO(vmo mx.Handle) error {
	if !vmo.IsValid() {
		var err error
		vmo, err = vdsoGet()
		if err != nil {
			return lp.fail(err, "vdso: no image")
		}
	}
	base, _, err := lp.ELFLoadExtra(vmo)
	if err != nil {
		return err
	}
	lp.vdsoBase = base
	return nil
}
