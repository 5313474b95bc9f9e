// Package procargs implements the bootstrap message a new process reads
// from its designated channel: a fixed header, one handle-kind tag per
// attached handle, and the packed argument and environment strings.
package procargs

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/ohnx-osdev/magenta/mx"
)

const (
	// Protocol and Version tag every bootstrap message. A receiver must
	// reject anything else.
	Protocol uint32 = 0x4150585d
	Version  uint32 = 0x00010000
)

// HandleType is the semantic role of one transferred handle.
type HandleType uint32

const (
	HandleProcSelf   HandleType = 0x01
	HandleThreadSelf HandleType = 0x02
	HandleVMARRoot   HandleType = 0x03
	HandleStackVMO   HandleType = 0x04
	HandleLoaderSvc  HandleType = 0x05
	HandleExecVMO    HandleType = 0x06
	HandleVDSOVMO    HandleType = 0x07
	HandleJob        HandleType = 0x08
	HandleFD         HandleType = 0x30
	HandleUser0      HandleType = 0xf0
)

// Info packs a handle role and its small auxiliary argument (for example a
// target file descriptor number) into one handle-kind tag.
func Info(t HandleType, arg uint16) uint32 {
	return uint32(t)&0xffff | uint32(arg)<<16
}

// InfoType extracts the role from a handle-kind tag.
func InfoType(tag uint32) HandleType {
	return HandleType(tag & 0xffff)
}

// InfoArg extracts the auxiliary argument from a handle-kind tag.
func InfoArg(tag uint32) uint16 {
	return uint16(tag >> 16)
}

// Header is the fixed leading section of a bootstrap message. Offsets are
// relative to the buffer start; a zero offset/count pair means the section
// is absent. All fields are little-endian on the wire.
type Header struct {
	Protocol      uint32
	Version       uint32
	HandleInfoOff uint32
	ArgsOff       uint32
	ArgsNum       uint32
	EnvironOff    uint32
	EnvironNum    uint32
}

// HeaderSize is the packed size of Header.
const HeaderSize = 28

// Blob is an ordered string sequence packed into one contiguous buffer,
// each string followed by a NUL.
type Blob struct {
	count uint32
	data  []byte
}

// PackStrings encodes ss in order. The encoded length is computed before
// the copy and verified after it; a mismatch means the backing strings
// changed mid-encode, which is caller error, never silently truncated.
// Zero strings encode to an empty blob with count zero.
func PackStrings(ss []string) (Blob, error) {
	total := 0
	for _, s := range ss {
		total += len(s) + 1
	}
	buf := make([]byte, 0, total)
	for _, s := range ss {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	if len(buf) != total {
		return Blob{}, errors.Wrap(mx.ErrInvalidArgs, "strings changed during encode")
	}
	return Blob{count: uint32(len(ss)), data: buf}, nil
}

// Count returns the number of packed strings.
func (b Blob) Count() uint32 { return b.count }

// Len returns the packed byte length.
func (b Blob) Len() int { return len(b.data) }

// Strings splits the blob back into its original sequence.
func (b Blob) Strings() []string {
	out := make([]string, 0, b.count)
	rest := b.data
	for i := uint32(0); i < b.count; i++ {
		n := bytes.IndexByte(rest, 0)
		if n < 0 {
			break
		}
		out = append(out, string(rest[:n]))
		rest = rest[n+1:]
	}
	return out
}

// BuildMessage serializes the header, handle-kind tags and both string
// blobs into the single buffer sent alongside the handle table. The tag
// array must have exactly one entry per handle attached to the send, in
// the same order.
func BuildMessage(info []uint32, args, env Blob) ([]byte, error) {
	total := HeaderSize + 4*len(info) + args.Len() + env.Len()
	hdr := Header{Protocol: Protocol, Version: Version}
	off := HeaderSize
	hdr.HandleInfoOff = uint32(off)
	off += 4 * len(info)
	if args.count > 0 {
		hdr.ArgsOff = uint32(off)
		hdr.ArgsNum = args.count
	}
	off += args.Len()
	if env.count > 0 {
		hdr.EnvironOff = uint32(off)
		hdr.EnvironNum = env.count
	}

	buf := bytes.NewBuffer(make([]byte, 0, total))
	if err := struc.PackWithOrder(buf, &hdr, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "procargs: pack header")
	}
	var tag [4]byte
	for _, t := range info {
		binary.LittleEndian.PutUint32(tag[:], t)
		buf.Write(tag[:])
	}
	buf.Write(args.data)
	buf.Write(env.data)
	return buf.Bytes(), nil
}

// Message is a decoded bootstrap message.
type Message struct {
	Header  Header
	Info    []uint32
	Args    []string
	Environ []string
}

// Parse decodes a received bootstrap message. numHandles is the number of
// handles that arrived with it; the handle-kind tag array has exactly that
// many entries.
func Parse(buf []byte, numHandles int) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrap(mx.ErrInvalidArgs, "procargs: short message")
	}
	var hdr Header
	if err := struc.UnpackWithOrder(bytes.NewReader(buf[:HeaderSize]), &hdr, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "procargs: unpack header")
	}
	if hdr.Protocol != Protocol || hdr.Version != Version {
		return nil, errors.Wrap(mx.ErrInvalidArgs, "procargs: protocol mismatch")
	}
	msg := &Message{Header: hdr}
	if numHandles > 0 {
		end := uint64(hdr.HandleInfoOff) + 4*uint64(numHandles)
		if hdr.HandleInfoOff < HeaderSize || end > uint64(len(buf)) {
			return nil, errors.Wrap(mx.ErrInvalidArgs, "procargs: handle info out of bounds")
		}
		msg.Info = make([]uint32, numHandles)
		for i := range msg.Info {
			msg.Info[i] = binary.LittleEndian.Uint32(buf[hdr.HandleInfoOff+uint32(4*i):])
		}
	}
	var err error
	if msg.Args, err = splitStrings(buf, hdr.ArgsOff, hdr.ArgsNum); err != nil {
		return nil, err
	}
	if msg.Environ, err = splitStrings(buf, hdr.EnvironOff, hdr.EnvironNum); err != nil {
		return nil, err
	}
	return msg, nil
}

func splitStrings(buf []byte, off, num uint32) ([]string, error) {
	if num == 0 {
		return nil, nil
	}
	if uint64(off) >= uint64(len(buf)) {
		return nil, errors.Wrap(mx.ErrInvalidArgs, "procargs: string section out of bounds")
	}
	rest := buf[off:]
	out := make([]string, 0, num)
	for i := uint32(0); i < num; i++ {
		n := bytes.IndexByte(rest, 0)
		if n < 0 {
			return nil, errors.Wrap(mx.ErrInvalidArgs, "procargs: unterminated string")
		}
		out = append(out, string(rest[:n]))
		rest = rest[n+1:]
	}
	return out, nil
}
