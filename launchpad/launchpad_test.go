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

func execImage(t *testing.T, cfg elftest.Config) mx.Handle {
	t.Helper()
	vmo, err := mx.VMOFromBytes(elftest.Build(cfg))
	require.NoError(t, err)
	return vmo
}

func basicExec(t *testing.T) mx.Handle {
	return execImage(t, elftest.Config{
		Type:  elf.ET_EXEC,
		Entry: 0x1010,
		Segs:  []elftest.Seg{{Vaddr: 0x1000, Data: make([]byte, 64)}},
	})
}

func TestCreate(t *testing.T) {
	lp := Create("worker")
	defer lp.Destroy()
	require.NoError(t, lp.Error())
	require.True(t, lp.ProcessHandle().IsValid())
	require.True(t, lp.RootVMARHandle().IsValid())
	p, err := mx.ProcessOf(lp.ProcessHandle())
	require.NoError(t, err)
	require.Equal(t, "worker", p.Name())
	require.False(t, p.Started())
}

func TestCreateWithJob(t *testing.T) {
	job := mx.JobCreate("root-job")
	defer job.Close()
	lp := CreateWithJob(job, "worker")
	defer lp.Destroy()
	require.NoError(t, lp.Error())
	require.Equal(t, 1, kindsOf(lp.handlesInfo)[procargs.HandleJob])

	// A duplicate travels; the caller keeps the original.
	j, err := mx.JobOf(job)
	require.NoError(t, err)
	require.Equal(t, "root-job", j.Name())

	require.NoError(t, lp.SetArgs("app"))
	require.NoError(t, lp.ELFLoadBasic(basicExec(t)))
	proc, err := lp.Start()
	require.NoError(t, err)
	defer proc.Close()

	msg, raw := readBootstrap(t, proc)
	defer mx.CloseAll(raw.Handles...)
	require.Equal(t, 1, kindsOf(msg.Info)[procargs.HandleJob])
}

func TestStickyError(t *testing.T) {
	lp := Create("sticky")
	defer lp.Destroy()
	require.NoError(t, lp.SetArgs("one", "two"))
	first := lp.AddHandle(mx.HandleInvalid, 0)
	require.Equal(t, mx.ErrBadHandle, errors.Cause(first))

	// Every later operation reports the first error, unchanged, and
	// mutates nothing.
	require.Equal(t, first, lp.SetArgs("a"))
	require.Equal(t, uint32(2), lp.args.Count())
	require.Equal(t, first, lp.SetEnviron("K=V"))
	require.Equal(t, first, lp.Error())

	size := lp.StackSize()
	lp.SetStackSize(0)
	require.Equal(t, size, lp.StackSize())

	vmo := basicExec(t)
	require.Equal(t, first, lp.ELFLoadBasic(vmo))

	_, err := lp.Start()
	require.Equal(t, first, err)
}

func TestAbort(t *testing.T) {
	lp := Create("abort")
	defer lp.Destroy()
	lp.Abort(mx.ErrInternal, "caller gave up")
	require.Equal(t, mx.ErrInternal, errors.Cause(lp.Error()))
	// Abort does not displace an earlier error.
	lp.Abort(mx.ErrNoMemory, "later")
	require.Equal(t, mx.ErrInternal, errors.Cause(lp.Error()))
}

func TestSetStackSize(t *testing.T) {
	lp := Create("stack")
	defer lp.Destroy()
	require.Equal(t, uint64(DefaultStackSize), lp.StackSize())

	old := lp.SetStackSize(1)
	require.Equal(t, uint64(DefaultStackSize), old)
	require.Equal(t, uint64(mx.PageSize), lp.StackSize())

	// Rounding is idempotent.
	lp.SetStackSize(lp.StackSize())
	require.Equal(t, uint64(mx.PageSize), lp.StackSize())

	// Near the top of the range the size clamps instead of wrapping.
	lp.SetStackSize(^uint64(0))
	require.Equal(t, ^uint64(0)&^uint64(mx.PageSize-1), lp.StackSize())

	lp.SetStackSize(0)
	require.Zero(t, lp.StackSize())
}

func TestAddHandlesTableFull(t *testing.T) {
	lp := Create("full")
	defer lp.Destroy()
	for len(lp.handles) < maxHandles {
		vmo, err := mx.VMOCreate(mx.PageSize)
		require.NoError(t, err)
		require.NoError(t, lp.AddHandle(vmo, procargs.Info(procargs.HandleUser0, 0)))
	}

	// The whole rejected batch is closed, observable through the peer of a
	// queued channel end.
	c1, c2, err := mx.ChannelCreate()
	require.NoError(t, err)
	defer c1.Close()
	err = lp.AddHandles([]mx.Handle{c2}, []uint32{procargs.Info(procargs.HandleUser0, 1)})
	require.Equal(t, mx.ErrNoMemory, errors.Cause(err))
	err = mx.ChannelWrite(c1, []byte("x"), nil)
	require.Equal(t, mx.ErrPeerClosed, errors.Cause(err))
}

func TestAddHandlesPartialInvalid(t *testing.T) {
	lp := Create("partial")
	defer lp.Destroy()
	vmo, err := mx.VMOCreate(mx.PageSize)
	require.NoError(t, err)
	err = lp.AddHandles(
		[]mx.Handle{vmo, mx.HandleInvalid},
		[]uint32{procargs.Info(procargs.HandleUser0, 0), procargs.Info(procargs.HandleUser0, 1)},
	)
	require.Equal(t, mx.ErrBadHandle, errors.Cause(err))
	// The valid entry was ingested before the sentinel was noticed; the
	// table owns it and Destroy releases it.
	require.Equal(t, 4, len(lp.handles))
}

func TestAddHandlesCountMismatch(t *testing.T) {
	lp := Create("mismatch")
	defer lp.Destroy()
	err := lp.AddHandles(nil, []uint32{1})
	require.Equal(t, mx.ErrInvalidArgs, errors.Cause(err))
}

func TestTransferFD(t *testing.T) {
	lp := Create("fd")
	defer lp.Destroy()
	vmo, err := mx.VMOCreate(mx.PageSize)
	require.NoError(t, err)
	require.NoError(t, lp.TransferFD(vmo, 5))
	tag := lp.handlesInfo[len(lp.handlesInfo)-1]
	require.Equal(t, procargs.HandleFD, procargs.InfoType(tag))
	require.Equal(t, uint16(5), procargs.InfoArg(tag))
}

func TestUseLoaderServiceSwap(t *testing.T) {
	lp := Create("svc")
	defer lp.Destroy()
	a1, b1, err := mx.ChannelCreate()
	require.NoError(t, err)
	defer b1.Close()
	old, err := lp.UseLoaderService(a1)
	require.NoError(t, err)
	require.False(t, old.IsValid())

	a2, b2, err := mx.ChannelCreate()
	require.NoError(t, err)
	defer b2.Close()
	old, err = lp.UseLoaderService(a2)
	require.NoError(t, err)
	require.NoError(t, old.Close())
}

func TestEntryBeforeLoad(t *testing.T) {
	lp := Create("noimage")
	defer lp.Destroy()
	_, err := lp.Entry()
	require.Equal(t, mx.ErrBadState, errors.Cause(err))
	_, err = lp.Base()
	require.Equal(t, mx.ErrBadState, errors.Cause(err))
}

func TestELFLoadBasic(t *testing.T) {
	lp := Create("load")
	defer lp.Destroy()
	require.NoError(t, lp.ELFLoadBasic(basicExec(t)))
	entry, err := lp.Entry()
	require.NoError(t, err)
	require.Equal(t, uint64(0x1010), entry)
	base, err := lp.Base()
	require.NoError(t, err)
	require.Zero(t, base)
}

func TestELFLoadDeclaredStack(t *testing.T) {
	lp := Create("declstack")
	defer lp.Destroy()
	vmo := execImage(t, elftest.Config{
		Type:      elf.ET_EXEC,
		Entry:     0x1000,
		StackSize: 3 * mx.PageSize,
		Segs:      []elftest.Seg{{Vaddr: 0x1000, Data: make([]byte, 16)}},
	})
	require.NoError(t, lp.ELFLoadBasic(vmo))
	require.Equal(t, uint64(3*mx.PageSize), lp.StackSize())
}

func TestELFLoadGarbage(t *testing.T) {
	lp := Create("garbage")
	defer lp.Destroy()
	vmo, err := mx.VMOFromBytes([]byte("not an image"))
	require.NoError(t, err)
	err = lp.ELFLoadBasic(vmo)
	require.Equal(t, mx.ErrNotSupported, errors.Cause(err))
	require.Equal(t, err, lp.Error())
}
