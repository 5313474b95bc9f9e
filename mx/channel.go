package mx

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	// ChannelMaxMessageBytes bounds one message payload.
	ChannelMaxMessageBytes = 65536
	// ChannelMaxMessageHandles bounds the handles attached to one message.
	ChannelMaxMessageHandles = 64
)

// Message is one channel datagram: a byte payload plus the handles
// transferred with it, in order.
type Message struct {
	Bytes   []byte
	Handles []Handle
}

// chanPair is the shared state of two channel ends. queue[i] holds the
// messages readable by side i.
type chanPair struct {
	mu     sync.Mutex
	cond   [2]*sync.Cond
	queue  [2][]*Message
	closed [2]bool
}

// Channel is one end of a bidirectional message pipe. Message delivery is
// atomic: the payload and every attached handle arrive together or not at
// all.
type Channel struct {
	pair *chanPair
	side int
}

func (c *Channel) TypeName() string { return "channel" }

func (c *Channel) handleClosed() {
	p := c.pair
	p.mu.Lock()
	p.closed[c.side] = true
	// Unread messages die with the end that would have read them. The
	// closes happen outside the lock; a queued handle may be an end of
	// this same channel.
	var orphans []Handle
	for _, m := range p.queue[c.side] {
		orphans = append(orphans, m.Handles...)
	}
	p.queue[c.side] = nil
	p.cond[0].Broadcast()
	p.cond[1].Broadcast()
	p.mu.Unlock()
	CloseAll(orphans...)
}

// ChannelCreate returns handles to the two ends of a new channel.
func ChannelCreate() (Handle, Handle, error) {
	p := &chanPair{}
	p.cond[0] = sync.NewCond(&p.mu)
	p.cond[1] = sync.NewCond(&p.mu)
	a := newHandle(&Channel{pair: p, side: 0}, rightsChannel)
	b := newHandle(&Channel{pair: p, side: 1}, rightsChannel)
	return a, b, nil
}

func channelOf(h Handle) (*Channel, error) {
	obj, _, err := h.get()
	if err != nil {
		return nil, err
	}
	c, ok := obj.(*Channel)
	if !ok {
		return nil, errors.Wrap(ErrWrongType, "not a channel handle")
	}
	return c, nil
}

// ChannelWrite queues one message on the peer end. On success every handle
// in hs has been transferred; on failure none has been and the caller still
// owns all of them.
func ChannelWrite(h Handle, b []byte, hs []Handle) error {
	c, err := channelOf(h)
	if err != nil {
		return err
	}
	if len(b) > ChannelMaxMessageBytes || len(hs) > ChannelMaxMessageHandles {
		return errors.Wrap(ErrOutOfRange, "channel message too large")
	}
	for i, th := range hs {
		if _, r, err := th.get(); err != nil {
			return errors.Wrap(ErrBadHandle, "channel write of invalid handle")
		} else if r&RightTransfer == 0 {
			return errors.Wrap(ErrAccessDenied, "channel write of untransferable handle")
		}
		for _, prev := range hs[:i] {
			if prev.e == th.e {
				return errors.Wrap(ErrInvalidArgs, "channel write of repeated handle")
			}
		}
	}
	p := c.pair
	peer := 1 - c.side
	p.mu.Lock()
	if p.closed[c.side] {
		p.mu.Unlock()
		return errors.Wrap(ErrBadHandle, "channel end closed")
	}
	if p.closed[peer] {
		p.mu.Unlock()
		return errors.Wrap(ErrPeerClosed, "channel write")
	}
	moved := make([]Handle, len(hs))
	for i, th := range hs {
		nh, err := th.transfer()
		if err != nil {
			for _, prev := range hs[:i] {
				prev.restore()
			}
			p.mu.Unlock()
			return errors.Wrap(err, "channel write")
		}
		moved[i] = nh
	}
	msg := &Message{
		Bytes:   append([]byte(nil), b...),
		Handles: moved,
	}
	p.queue[peer] = append(p.queue[peer], msg)
	p.cond[peer].Signal()
	p.mu.Unlock()
	return nil
}

// ChannelRead takes the next message off this end, blocking until one
// arrives. Reading a drained end whose peer is gone fails with
// ErrPeerClosed.
func ChannelRead(h Handle) (*Message, error) {
	c, err := channelOf(h)
	if err != nil {
		return nil, err
	}
	p := c.pair
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed[c.side] {
			return nil, errors.Wrap(ErrBadHandle, "channel end closed")
		}
		if len(p.queue[c.side]) > 0 {
			msg := p.queue[c.side][0]
			p.queue[c.side] = p.queue[c.side][1:]
			return msg, nil
		}
		if p.closed[1-c.side] {
			return nil, errors.Wrap(ErrPeerClosed, "channel read")
		}
		p.cond[c.side].Wait()
	}
}

// ChannelCall writes one request and blocks, with no timeout, until the
// reply message arrives on the same end.
func ChannelCall(h Handle, b []byte, hs []Handle) (*Message, error) {
	if err := ChannelWrite(h, b, hs); err != nil {
		return nil, err
	}
	return ChannelRead(h)
}
