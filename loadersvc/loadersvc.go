// Package loadersvc speaks the loader-service protocol: synchronous
// request/reply over a channel, resolving loadable object images by name.
package loadersvc

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/ohnx-osdev/magenta/mx"
)

const (
	// MsgMax bounds one request or reply frame, header included.
	MsgMax = 1024

	OpStatus     uint32 = 0
	OpDone       uint32 = 1
	OpLoadObject uint32 = 2
	OpDebugPrint uint32 = 3
)

// Header leads every frame. Replies carry OpStatus with the status code in
// Arg; a success reply may attach one handle. Little-endian on the wire.
type Header struct {
	Txid     uint32
	Reserved uint32
	Opcode   uint32
	Arg      int32
}

// HeaderSize is the packed size of Header.
const HeaderSize = 16

var nextTxid uint32

func packHeader(hdr *Header, payload []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(payload)+1))
	if err := struc.PackWithOrder(buf, hdr, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "loadersvc: pack header")
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

func parseHeader(b []byte) (Header, error) {
	var hdr Header
	if len(b) < HeaderSize {
		return hdr, errors.Wrap(mx.ErrInvalidArgs, "loadersvc: short frame")
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(b[:HeaderSize]), &hdr, binary.LittleEndian); err != nil {
		return hdr, errors.Wrap(err, "loadersvc: unpack header")
	}
	return hdr, nil
}

// RPC sends one request over svc and blocks, with no timeout, until the
// reply arrives. It returns the handle accompanying a success reply, if
// any. Any reply that does not match the protocol shape exactly is a
// violation reported as ErrBadState, distinct from a failure status.
func RPC(svc mx.Handle, opcode uint32, payload []byte) (mx.Handle, error) {
	if len(payload) >= MsgMax-HeaderSize {
		return mx.HandleInvalid, errors.Wrap(mx.ErrBufferTooSmall, "loadersvc: request payload too large")
	}
	txid := atomic.AddUint32(&nextTxid, 1)
	// The payload travels NUL-terminated.
	data := make([]byte, len(payload)+1)
	copy(data, payload)
	req, err := packHeader(&Header{Txid: txid, Opcode: opcode}, data)
	if err != nil {
		return mx.HandleInvalid, err
	}
	reply, err := mx.ChannelCall(svc, req, nil)
	if err != nil {
		return mx.HandleInvalid, errors.Wrap(err, "loadersvc: call failed")
	}

	handle := mx.HandleInvalid
	if len(reply.Handles) > 0 {
		handle = reply.Handles[0]
	}
	violation := func(msg string) (mx.Handle, error) {
		mx.CloseAll(reply.Handles...)
		return mx.HandleInvalid, errors.Wrap(mx.ErrBadState, msg)
	}
	if len(reply.Handles) > 1 {
		return violation("loadersvc: reply with extra handles")
	}
	if len(reply.Bytes) != HeaderSize {
		return violation("loadersvc: reply size mismatch")
	}
	hdr, err := parseHeader(reply.Bytes)
	if err != nil {
		return violation("loadersvc: reply header unreadable")
	}
	if hdr.Opcode != OpStatus {
		return violation("loadersvc: reply opcode mismatch")
	}
	if hdr.Txid != txid {
		return violation("loadersvc: reply txid mismatch")
	}
	if hdr.Arg != int32(mx.StatusOK) {
		if handle.IsValid() {
			return violation("loadersvc: handle with failure status")
		}
		if hdr.Arg > 0 {
			return violation("loadersvc: positive failure status")
		}
		return mx.HandleInvalid, errors.Wrap(mx.Status(hdr.Arg).Err(), "loadersvc: request failed")
	}
	return handle, nil
}

// LoadObject asks the service for the named object's image.
func LoadObject(svc mx.Handle, name string) (mx.Handle, error) {
	return RPC(svc, OpLoadObject, []byte(name))
}

// Done tells the service no further requests are coming.
func Done(svc mx.Handle) error {
	req, err := packHeader(&Header{Txid: atomic.AddUint32(&nextTxid, 1), Opcode: OpDone}, nil)
	if err != nil {
		return err
	}
	return mx.ChannelWrite(svc, req, nil)
}
