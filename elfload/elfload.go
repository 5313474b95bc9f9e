// Package elfload locates the pieces of an executable image a process
// bootstrap needs: loadable segments, entry point, interpreter path and
// declared stack size. It is not a validator.
package elfload

import (
	"debug/elf"
	"io"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/ohnx-osdev/magenta/mx"
)

type segment struct {
	vaddr uint64
	memsz uint64
	data  []byte
	prot  mx.Prot
}

// Info is the parse state of one image between Start and Finish. Release
// it with Destroy.
type Info struct {
	entry     uint64
	interp    string
	stackSize uint64
	typ       elf.Type
	segs      []segment
	done      bool
}

func progProt(flags elf.ProgFlag) mx.Prot {
	var p mx.Prot
	if flags&elf.PF_R != 0 {
		p |= mx.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= mx.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= mx.ProtExec
	}
	return p
}

// Start parses the image held by vmo. The vmo handle stays owned by the
// caller.
func Start(vmo mx.Handle) (*Info, error) {
	v, err := mx.VMOOf(vmo)
	if err != nil {
		return nil, err
	}
	f, err := elf.NewFile(v)
	if err != nil {
		return nil, errors.Wrap(mx.ErrNotSupported, "unrecognized image format")
	}
	defer f.Close()
	switch f.Type {
	case elf.ET_EXEC, elf.ET_DYN:
	default:
		return nil, errors.Wrap(mx.ErrNotSupported, "image is not executable")
	}
	info := &Info{entry: f.Entry, typ: f.Type}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			data, err := ioutil.ReadAll(prog.Open())
			if err != nil {
				return nil, errors.Wrap(mx.ErrInvalidArgs, "unreadable interpreter path")
			}
			s := strings.TrimRight(string(data), "\x00")
			if s == "" {
				return nil, errors.Wrap(mx.ErrInvalidArgs, "empty interpreter path")
			}
			info.interp = s
		case elf.PT_GNU_STACK:
			info.stackSize = prog.Memsz
		case elf.PT_LOAD:
			if prog.Memsz == 0 {
				continue
			}
			data := make([]byte, prog.Filesz)
			if _, err := io.ReadFull(prog.Open(), data); err != nil {
				return nil, errors.Wrap(mx.ErrInvalidArgs, "truncated load segment")
			}
			info.segs = append(info.segs, segment{
				vaddr: prog.Vaddr,
				memsz: prog.Memsz,
				data:  data,
				prot:  progProt(prog.Flags),
			})
		}
	}
	if len(info.segs) == 0 {
		return nil, errors.Wrap(mx.ErrInvalidArgs, "image has no loadable segments")
	}
	return info, nil
}

// Interp returns the interpreter path the image requests, empty when it
// can run directly.
func (i *Info) Interp() string { return i.interp }

// StackSize returns the image's declared minimum stack size, zero when it
// declares none.
func (i *Info) StackSize() uint64 { return i.stackSize }

type mapRange struct {
	start, end uint64
	prot       mx.Prot
}

// mergedRanges collapses the page-aligned segment extents into
// non-overlapping ranges, unioning permissions where they touch.
func (i *Info) mergedRanges() []mapRange {
	ranges := make([]mapRange, 0, len(i.segs))
	for _, seg := range i.segs {
		start := seg.vaddr &^ (mx.PageSize - 1)
		end := (seg.vaddr + seg.memsz + mx.PageSize - 1) &^ (mx.PageSize - 1)
		ranges = append(ranges, mapRange{start: start, end: end, prot: seg.prot})
	}
	sort.Slice(ranges, func(a, b int) bool { return ranges[a].start < ranges[b].start })
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			last.prot |= r.prot
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}

// Finish maps the loadable segments into vmar and writes their contents.
// It returns the load base and the entry address adjusted for it. An Info
// maps at most once.
func (i *Info) Finish(vmar mx.Handle) (uint64, uint64, error) {
	if i.done {
		return 0, 0, errors.Wrap(mx.ErrBadState, "image already mapped")
	}
	var bias uint64
	for idx, r := range i.mergedRanges() {
		size := r.end - r.start
		vmo, err := mx.VMOCreate(size)
		if err != nil {
			return 0, 0, err
		}
		if i.typ == elf.ET_DYN && idx == 0 {
			base, err := mx.VMARMap(vmar, 0, vmo, 0, size, r.prot)
			vmo.Close()
			if err != nil {
				return 0, 0, err
			}
			bias = base - r.start
		} else {
			_, err := mx.VMARMap(vmar, bias+r.start, vmo, 0, size, r.prot)
			vmo.Close()
			if err != nil {
				return 0, 0, err
			}
		}
	}
	for _, seg := range i.segs {
		if len(seg.data) == 0 {
			continue
		}
		if err := mx.VMARWrite(vmar, bias+seg.vaddr, seg.data); err != nil {
			return 0, 0, err
		}
	}
	i.done = true
	return bias, bias + i.entry, nil
}

// Destroy releases the parse state.
func (i *Info) Destroy() {
	i.segs = nil
}
