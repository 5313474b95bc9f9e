// Package elftest builds small ELF images in memory for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Seg is one loadable segment of a test image.
type Seg struct {
	Vaddr uint64
	Data  []byte
	Memsz uint64 // defaults to len(Data)
	Flags elf.ProgFlag
}

// Config describes a test image.
type Config struct {
	Type      elf.Type // ET_EXEC or ET_DYN
	Entry     uint64
	Interp    string
	StackSize uint64 // emitted as PT_GNU_STACK memsz when non-zero
	Segs      []Seg
}

const (
	ehdrSize = 64
	phdrSize = 56
)

type phdr struct {
	ptype  elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

// Build serializes cfg into a 64-bit little-endian ELF image.
func Build(cfg Config) []byte {
	var phdrs []phdr
	var content []byte
	contentOff := func() uint64 {
		return uint64(ehdrSize + phdrSize*numPhdrs(cfg) + len(content))
	}

	if cfg.Interp != "" {
		data := append([]byte(cfg.Interp), 0)
		phdrs = append(phdrs, phdr{
			ptype:  elf.PT_INTERP,
			flags:  elf.PF_R,
			off:    contentOff(),
			filesz: uint64(len(data)),
			memsz:  uint64(len(data)),
			align:  1,
		})
		content = append(content, data...)
	}
	for _, seg := range cfg.Segs {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		flags := seg.Flags
		if flags == 0 {
			flags = elf.PF_R | elf.PF_X
		}
		phdrs = append(phdrs, phdr{
			ptype:  elf.PT_LOAD,
			flags:  flags,
			off:    contentOff(),
			vaddr:  seg.Vaddr,
			filesz: uint64(len(seg.Data)),
			memsz:  memsz,
			align:  0x1000,
		})
		content = append(content, seg.Data...)
	}
	if cfg.StackSize > 0 {
		phdrs = append(phdrs, phdr{
			ptype: elf.PT_GNU_STACK,
			flags: elf.PF_R | elf.PF_W,
			memsz: cfg.StackSize,
			align: 8,
		})
	}

	var buf bytes.Buffer
	le := binary.LittleEndian

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F'})
	buf.WriteByte(byte(elf.ELFCLASS64))
	buf.WriteByte(byte(elf.ELFDATA2LSB))
	buf.WriteByte(byte(elf.EV_CURRENT))
	buf.Write(make([]byte, 9))

	w := func(v interface{}) { binary.Write(&buf, le, v) }
	w(uint16(cfg.Type))
	w(uint16(elf.EM_X86_64))
	w(uint32(elf.EV_CURRENT))
	w(cfg.Entry)
	w(uint64(ehdrSize)) // phoff
	w(uint64(0))        // shoff
	w(uint32(0))        // flags
	w(uint16(ehdrSize))
	w(uint16(phdrSize))
	w(uint16(len(phdrs)))
	w(uint16(0)) // shentsize
	w(uint16(0)) // shnum
	w(uint16(0)) // shstrndx

	for _, p := range phdrs {
		w(uint32(p.ptype))
		w(uint32(p.flags))
		w(p.off)
		w(p.vaddr)
		w(p.vaddr) // paddr
		w(p.filesz)
		w(p.memsz)
		w(p.align)
	}
	buf.Write(content)
	return buf.Bytes()
}

func numPhdrs(cfg Config) int {
	n := len(cfg.Segs)
	if cfg.Interp != "" {
		n++
	}
	if cfg.StackSize > 0 {
		n++
	}
	return n
}
