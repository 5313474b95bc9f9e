package loadersvc

import (
	"bytes"

	"github.com/ohnx-osdev/magenta/logging"
	"github.com/ohnx-osdev/magenta/mx"
)

// Resolver supplies the image for a named object.
type Resolver func(name string) (mx.Handle, error)

// Server answers loader-service requests on one channel end. It exists for
// in-process loader services: tests and tooling.
type Server struct {
	channel mx.Handle
	resolve Resolver
	logger  *logging.Logger
}

// NewServer wraps a channel end; the server owns it until Serve returns.
func NewServer(channel mx.Handle, resolve Resolver) *Server {
	return &Server{
		channel: channel,
		resolve: resolve,
		logger:  logging.GetLogger("loadersvc/server"),
	}
}

// Serve answers requests until the peer goes away or an OpDone arrives.
// The channel end is closed on return.
func (s *Server) Serve() {
	defer s.channel.Close()
	for {
		msg, err := mx.ChannelRead(s.channel)
		if err != nil {
			return
		}
		// Requests carry no handles; drop any that arrive anyway.
		mx.CloseAll(msg.Handles...)
		hdr, err := parseHeader(msg.Bytes)
		if err != nil {
			s.logger.Warn("dropping unreadable request", "err", err)
			continue
		}
		payload := bytes.TrimRight(msg.Bytes[HeaderSize:], "\x00")
		switch hdr.Opcode {
		case OpDone:
			return
		case OpLoadObject:
			name := string(payload)
			h, err := s.resolve(name)
			if err != nil {
				s.logger.Debug("load object failed", "name", name, "err", err)
				s.reply(hdr.Txid, mx.StatusOf(err), mx.HandleInvalid)
				break
			}
			s.logger.Debug("load object", "name", name)
			s.reply(hdr.Txid, mx.StatusOK, h)
		case OpDebugPrint:
			s.logger.Info("debug print", "text", string(payload))
			s.reply(hdr.Txid, mx.StatusOK, mx.HandleInvalid)
		default:
			s.reply(hdr.Txid, mx.StatusNotSupported, mx.HandleInvalid)
		}
	}
}

func (s *Server) reply(txid uint32, status mx.Status, h mx.Handle) {
	buf, err := packHeader(&Header{Txid: txid, Opcode: OpStatus, Arg: int32(status)}, nil)
	if err != nil {
		mx.CloseAll(h)
		return
	}
	var handles []mx.Handle
	if h.IsValid() {
		handles = []mx.Handle{h}
	}
	if err := mx.ChannelWrite(s.channel, buf, handles); err != nil {
		mx.CloseAll(h)
	}
}
