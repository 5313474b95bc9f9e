package mx

import (
	"testing"

	"github.com/pkg/errors"
)

func newTestVMAR(t *testing.T) Handle {
	t.Helper()
	_, vmar, err := ProcessCreate("vmar-test")
	if err != nil {
		t.Fatal(err)
	}
	return vmar
}

func TestVMARMapFixed(t *testing.T) {
	vmar := newTestVMAR(t)
	defer vmar.Close()
	vmo, err := VMOCreate(2 * PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer vmo.Close()
	base, err := VMARMap(vmar, 0x10000, vmo, 0, 2*PageSize, ProtRead|ProtWrite)
	if err != nil {
		t.Fatal(err)
	}
	if base != 0x10000 {
		t.Fatalf("mapped at 0x%x, want 0x10000", base)
	}
	if _, err := VMARMap(vmar, 0x10000, vmo, 0, PageSize, ProtRead); errors.Cause(err) != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory for occupied region, got %v", err)
	}
}

func TestVMARMapAnywhere(t *testing.T) {
	vmar := newTestVMAR(t)
	defer vmar.Close()
	var last uint64
	for i := 0; i < 3; i++ {
		vmo, err := VMOCreate(PageSize)
		if err != nil {
			t.Fatal(err)
		}
		base, err := VMARMap(vmar, 0, vmo, 0, PageSize, ProtRead|ProtWrite)
		vmo.Close()
		if err != nil {
			t.Fatal(err)
		}
		if base%PageSize != 0 {
			t.Fatalf("base 0x%x not page aligned", base)
		}
		if base <= last {
			t.Fatalf("placement did not advance: 0x%x after 0x%x", base, last)
		}
		last = base
	}
}

func TestVMARMapRounding(t *testing.T) {
	vmar := newTestVMAR(t)
	defer vmar.Close()
	vmo, err := VMOCreate(PageSize + 1)
	if err != nil {
		t.Fatal(err)
	}
	defer vmo.Close()
	base, err := VMARMap(vmar, 0, vmo, 0, PageSize+1, ProtRead)
	if err != nil {
		t.Fatal(err)
	}
	v, err := VMAROf(vmar)
	if err != nil {
		t.Fatal(err)
	}
	maps := v.Mappings()
	if len(maps) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(maps))
	}
	if maps[0].Addr != base || maps[0].Size != 2*PageSize {
		t.Fatalf("mapping [0x%x +0x%x], want [0x%x +0x%x]",
			maps[0].Addr, maps[0].Size, base, uint64(2*PageSize))
	}
}

func TestVMARMapBadArgs(t *testing.T) {
	vmar := newTestVMAR(t)
	defer vmar.Close()
	vmo, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer vmo.Close()
	if _, err := VMARMap(vmar, 0x10001, vmo, 0, PageSize, ProtRead); errors.Cause(err) != ErrInvalidArgs {
		t.Fatalf("expected ErrInvalidArgs for unaligned addr, got %v", err)
	}
	if _, err := VMARMap(vmar, 0, vmo, 0, 0, ProtRead); errors.Cause(err) != ErrInvalidArgs {
		t.Fatalf("expected ErrInvalidArgs for zero length, got %v", err)
	}
	if _, err := VMARMap(vmar, 0, vmo, 0, 3*PageSize, ProtRead); errors.Cause(err) != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange beyond vmo, got %v", err)
	}
}

func TestVMARWrite(t *testing.T) {
	vmar := newTestVMAR(t)
	defer vmar.Close()
	vmo, err := VMOCreate(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	base, err := VMARMap(vmar, 0, vmo, 0, PageSize, ProtRead|ProtWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := VMARWrite(vmar, base+16, []byte("data")); err != nil {
		t.Fatal(err)
	}
	obj, err := VMOOf(vmo)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := obj.ReadAt(buf, 16); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "data" {
		t.Fatalf("read back %q", buf)
	}
	vmo.Close()
	if err := VMARWrite(vmar, base+PageSize, []byte("x")); errors.Cause(err) != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestProcessStartOnce(t *testing.T) {
	proc, vmar, err := ProcessCreate("starter")
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAll(proc, vmar)
	thread, err := ThreadCreate(proc, "main")
	if err != nil {
		t.Fatal(err)
	}
	defer thread.Close()
	if err := ProcessStart(proc, thread, 0x1000, 0, HandleInvalid, 0); err != nil {
		t.Fatal(err)
	}
	tobj, err := ThreadOf(thread)
	if err != nil {
		t.Fatal(err)
	}
	if !tobj.Started() || tobj.Entry() != 0x1000 {
		t.Fatalf("thread state: started=%v entry=0x%x", tobj.Started(), tobj.Entry())
	}
	thread2, err := ThreadCreate(proc, "again")
	if err != nil {
		t.Fatal(err)
	}
	defer thread2.Close()
	if err := ProcessStart(proc, thread2, 0x1000, 0, HandleInvalid, 0); errors.Cause(err) != ErrBadState {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
}
