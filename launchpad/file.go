package launchpad

import (
	"io/ioutil"

	"github.com/ohnx-osdev/magenta/mx"
)

// VMOFromFile reads a file into a fresh VMO.
func VMOFromFile(path string) (mx.Handle, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return mx.HandleInvalid, err
	}
	return mx.VMOFromBytes(data)
}

// LoadFromVMO loads the main executable image and, when a default vDSO is
// available, maps it alongside. The VMO is consumed.
func (lp *Launchpad) LoadFromVMO(vmo mx.Handle) error {
	if err := lp.ELFLoad(vmo); err != nil {
		return err
	}
	if HasVDSOVMO() {
		return lp.LoadVDSO(mx.HandleInvalid)
	}
	return nil
}

// LoadFromFile reads an executable from the filesystem and loads it.
func (lp *Launchpad) LoadFromFile(path string) error {
	if lp.err != nil {
		return lp.err
	}
	vmo, err := VMOFromFile(path)
	if err != nil {
		return lp.fail(err, "load from file: read failed")
	}
	return lp.LoadFromVMO(vmo)
}
