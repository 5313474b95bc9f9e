package mx

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// PageSize is the mapping granularity of every address space.
const PageSize = 4096

const (
	vmarBase    = PageSize // page zero stays unmapped
	vmarEnd     = uint64(1) << 47
	vmarAnyBase = 0x1000000 // where choose-for-me placement starts
)

// Prot is a mapping permission bitmask.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Mapping records one VMO mapping inside a VMAR.
type Mapping struct {
	Addr    uint64
	Size    uint64
	VMOOff  uint64
	VMOSize uint64
	Prot    Prot

	vmo *VMO
}

// VMAR is an address-space object mappings are placed into.
type VMAR struct {
	mu       sync.Mutex
	mappings []*Mapping
}

func (v *VMAR) TypeName() string { return "vmar" }

// Mappings returns a snapshot of the current mappings, sorted by address.
func (v *VMAR) Mappings() []Mapping {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Mapping, len(v.mappings))
	for i, m := range v.mappings {
		out[i] = *m
	}
	return out
}

func align(addr, size uint64) (uint64, uint64) {
	base := addr &^ (PageSize - 1)
	size = ((addr + size + PageSize - 1) &^ (PageSize - 1)) - base
	return base, size
}

func (v *VMAR) overlapping(addr, size uint64) *Mapping {
	for _, m := range v.mappings {
		if addr < m.Addr+m.Size && m.Addr < addr+size {
			return m
		}
	}
	return nil
}

// VMARMap places length bytes of vmo starting at vmoOff into the address
// space. addr zero asks the VMAR to choose a free region; a non-zero addr
// must be page aligned and free. The chosen base address is returned.
func VMARMap(vmar Handle, addr uint64, vmo Handle, vmoOff, length uint64, prot Prot) (uint64, error) {
	v, err := VMAROf(vmar)
	if err != nil {
		return 0, err
	}
	obj, err := VMOOf(vmo)
	if err != nil {
		return 0, err
	}
	if length == 0 || addr%PageSize != 0 || vmoOff%PageSize != 0 {
		return 0, errors.Wrap(ErrInvalidArgs, "vmar map")
	}
	_, size := align(0, length)
	limit := (obj.Size() + PageSize - 1) &^ (PageSize - 1)
	if vmoOff+length < vmoOff || vmoOff+length > limit {
		return 0, errors.Wrap(ErrOutOfRange, "vmar map beyond vmo")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if addr == 0 {
		addr = vmarAnyBase
		for {
			m := v.overlapping(addr, size)
			if m == nil {
				break
			}
			next, _ := align(m.Addr+m.Size, 0)
			addr = next
			if addr+size > vmarEnd {
				return 0, errors.Wrap(ErrNoMemory, "vmar exhausted")
			}
		}
	} else {
		if addr < vmarBase || addr+size < addr || addr+size > vmarEnd {
			return 0, errors.Wrap(ErrInvalidArgs, "vmar map outside address space")
		}
		if v.overlapping(addr, size) != nil {
			return 0, errors.Wrap(ErrNoMemory, "vmar region occupied")
		}
	}
	v.mappings = append(v.mappings, &Mapping{
		Addr:    addr,
		Size:    size,
		VMOOff:  vmoOff,
		VMOSize: obj.Size(),
		Prot:    prot,
		vmo:     obj,
	})
	sort.Slice(v.mappings, func(i, j int) bool {
		return v.mappings[i].Addr < v.mappings[j].Addr
	})
	return addr, nil
}

// VMARWrite copies p into the mapped region containing addr.
func VMARWrite(vmar Handle, addr uint64, p []byte) error {
	v, err := VMAROf(vmar)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mappings {
		if addr >= m.Addr && addr+uint64(len(p)) <= m.Addr+m.Size {
			off := m.VMOOff + (addr - m.Addr)
			if off+uint64(len(p)) > m.VMOSize {
				break
			}
			_, err := m.vmo.WriteAt(p, int64(off))
			return err
		}
	}
	return errors.Wrap(ErrOutOfRange, "vmar write outside mapping")
}

// VMAROf resolves a handle to its VMAR.
func VMAROf(h Handle) (*VMAR, error) {
	obj, _, err := h.get()
	if err != nil {
		return nil, err
	}
	v, ok := obj.(*VMAR)
	if !ok {
		return nil, errors.Wrap(ErrWrongType, "not a vmar handle")
	}
	return v, nil
}
