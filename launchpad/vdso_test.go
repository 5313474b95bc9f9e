package launchpad

import (
	"debug/elf"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ohnx-osdev/magenta/elfload/elftest"
	"github.com/ohnx-osdev/magenta/mx"
	"github.com/ohnx-osdev/magenta/procargs"
)

func vdsoImage(t *testing.T) mx.Handle {
	return execImage(t, elftest.Config{
		Type:  elf.ET_DYN,
		Entry: 0x20,
		Segs:  []elftest.Seg{{Vaddr: 0, Data: make([]byte, 64)}},
	})
}

func TestVDSODefaultUnset(t *testing.T) {
	require.False(t, HasVDSOVMO())
	_, err := GetVDSOVMO()
	require.Equal(t, mx.ErrNotFound, errors.Cause(err))

	lp := Create("novdso")
	defer lp.Destroy()
	err = lp.LoadVDSO(mx.HandleInvalid)
	require.Equal(t, mx.ErrNotFound, errors.Cause(err))
}

func TestVDSOSwap(t *testing.T) {
	old := SetVDSOVMO(vdsoImage(t))
	require.False(t, old.IsValid())
	defer func() {
		if h := SetVDSOVMO(mx.HandleInvalid); h.IsValid() {
			h.Close()
		}
	}()
	require.True(t, HasVDSOVMO())

	// Swapping in a replacement hands back the previous default.
	prev := SetVDSOVMO(vdsoImage(t))
	require.True(t, prev.IsValid())
	require.NoError(t, prev.Close())

	// The caller gets a duplicate; the default stays usable.
	dup, err := GetVDSOVMO()
	require.NoError(t, err)
	require.NoError(t, dup.Close())
	require.True(t, HasVDSOVMO())
}

func TestLoadVDSODefault(t *testing.T) {
	old := SetVDSOVMO(vdsoImage(t))
	require.False(t, old.IsValid())
	defer func() {
		if h := SetVDSOVMO(mx.HandleInvalid); h.IsValid() {
			h.Close()
		}
	}()

	lp := Create("vdso")
	defer lp.Destroy()
	require.NoError(t, lp.LoadVDSO(mx.HandleInvalid))
	require.NotZero(t, lp.VDSOBase())

	// Loading maps a duplicate; the default is still set.
	require.True(t, HasVDSOVMO())
}

func TestLoadVDSOExplicit(t *testing.T) {
	lp := Create("vdsoexp")
	defer lp.Destroy()
	require.NoError(t, lp.LoadVDSO(vdsoImage(t)))
	require.NotZero(t, lp.VDSOBase())
}

func TestAddVDSOVMO(t *testing.T) {
	lp := Create("vdsoadd")
	defer lp.Destroy()
	require.NoError(t, lp.AddVDSOVMO(vdsoImage(t)))
	tag := lp.handlesInfo[len(lp.handlesInfo)-1]
	require.Equal(t, procargs.HandleVDSOVMO, procargs.InfoType(tag))
	require.Zero(t, lp.VDSOBase())
}

func TestLoadFromVMOAttachesVDSO(t *testing.T) {
	old := SetVDSOVMO(vdsoImage(t))
	require.False(t, old.IsValid())
	defer func() {
		if h := SetVDSOVMO(mx.HandleInvalid); h.IsValid() {
			h.Close()
		}
	}()

	lp := Create("full-load")
	defer lp.Destroy()
	require.NoError(t, lp.LoadFromVMO(basicExec(t)))
	require.NotZero(t, lp.VDSOBase())
	entry, err := lp.Entry()
	require.NoError(t, err)
	require.Equal(t, uint64(0x1010), entry)
}
