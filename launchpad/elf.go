package launchpad

import (
	"github.com/ohnx-osdev/magenta/elfload"
	"github.com/ohnx-osdev/magenta/loadersvc"
	"github.com/ohnx-osdev/magenta/mx"
	"github.com/ohnx-osdev/magenta/procargs"
)

// loadELF maps one ELF image VMO into the target and records where it
// landed. The VMO is consumed.
func (lp *Launchpad) loadELF(vmo mx.Handle) (base, entry uint64, err error) {
	defer vmo.Close()
	info, err := elfload.Start(vmo)
	if err != nil {
		return 0, 0, err
	}
	defer info.Destroy()
	return info.Finish(lp.vmar())
}

// ELFLoadBasic maps the image directly with no dynamic-linker handoff.
// The VMO is consumed on every path except rejection of the invalid
// sentinel.
func (lp *Launchpad) ELFLoadBasic(vmo mx.Handle) error {
	if !vmo.IsValid() {
		return lp.fail(mx.ErrBadHandle, "elf load: invalid image handle")
	}
	if lp.err != nil {
		vmo.Close()
		return lp.err
	}
	info, err := elfload.Start(vmo)
	if err != nil {
		vmo.Close()
		return lp.fail(err, "elf load: parse failed")
	}
	if size := info.StackSize(); size > 0 {
		lp.SetStackSize(size)
	}
	base, entry, err := info.Finish(lp.vmar())
	info.Destroy()
	vmo.Close()
	if err != nil {
		return lp.fail(err, "elf load: map failed")
	}
	lp.base = base
	lp.entry = entry
	// A directly runnable image needs no loader handoff.
	lp.loaderMessage = false
	return nil
}

// handleInterp hands the executable over to the dynamic linker named by
// its PT_INTERP: the interpreter image is fetched from the loader service,
// mapped in place of the main image, and the original executable VMO is
// queued for the loader handoff message.
func (lp *Launchpad) handleInterp(vmo mx.Handle, interp string) error {
	svc := lp.special[hndLoaderSvc]
	if !svc.IsValid() {
		svc = mx.TakeStartupHandle(procargs.Info(procargs.HandleLoaderSvc, 0))
		if !svc.IsValid() {
			vmo.Close()
			return lp.fail(mx.ErrNotFound, "elf load: no loader service")
		}
		lp.special[hndLoaderSvc] = svc
	}
	interpVMO, err := loadersvc.LoadObject(svc, interp)
	if err != nil {
		vmo.Close()
		return lp.fail(err, "elf load: fetch interpreter failed")
	}
	base, entry, err := lp.loadELF(interpVMO)
	if err != nil {
		vmo.Close()
		return lp.fail(err, "elf load: map interpreter failed")
	}
	lp.base = base
	lp.entry = entry
	lp.special[hndExecVMO] = vmo
	lp.loaderMessage = true
	return nil
}

// ELFLoad maps the image, honoring an interpreter request when the image
// carries one. The VMO is consumed on every path except rejection of the
// invalid sentinel.
func (lp *Launchpad) ELFLoad(vmo mx.Handle) error {
	if !vmo.IsValid() {
		return lp.fail(mx.ErrBadHandle, "elf load: invalid image handle")
	}
	if lp.err != nil {
		vmo.Close()
		return lp.err
	}
	info, err := elfload.Start(vmo)
	if err != nil {
		vmo.Close()
		return lp.fail(err, "elf load: parse failed")
	}
	if size := info.StackSize(); size > 0 {
		lp.SetStackSize(size)
	}
	if interp := info.Interp(); interp != "" {
		info.Destroy()
		return lp.handleInterp(vmo, interp)
	}
	base, entry, err := info.Finish(lp.vmar())
	info.Destroy()
	vmo.Close()
	if err != nil {
		return lp.fail(err, "elf load: map failed")
	}
	lp.base = base
	lp.entry = entry
	// A directly runnable image needs no loader handoff.
	lp.loaderMessage = false
	return nil
}

// ELFLoadExtra maps a secondary image, such as a vDSO, without touching
// the entry point or stack size. The VMO is consumed on every path except
// rejection of the invalid sentinel.
func (lp *Launchpad) ELFLoadExtra(vmo mx.Handle) (base, entry uint64, err error) {
	if !vmo.IsValid() {
		return 0, 0, lp.fail(mx.ErrBadHandle, "elf load extra: invalid image handle")
	}
	if lp.err != nil {
		vmo.Close()
		return 0, 0, lp.err
	}
	base, entry, err = lp.loadELF(vmo)
	if err != nil {
		return 0, 0, lp.fail(err, "elf load extra: map failed")
	}
	return base, entry, nil
}
