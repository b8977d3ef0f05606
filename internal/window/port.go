package window

import (
	"context"
	"io"
	"sync"

	"github.com/danmuck/xframe/internal/protocol/channel"
)

// Port is a channel.Port between two windows. It sends by posting to peer
// and receives the messages peer posts to self.
type Port struct {
	self *Window
	peer *Window

	in    chan channel.Message
	unsub func()

	closeOnce sync.Once
	closed    chan struct{}
}

var _ channel.Port = (*Port)(nil)

func NewPort(self, peer *Window) *Port {
	p := &Port{
		self:   self,
		peer:   peer,
		in:     make(chan channel.Message, queueDepth),
		closed: make(chan struct{}),
	}
	p.unsub = self.Subscribe(func(ev Event) {
		if ev.Source != peer {
			return
		}
		select {
		case p.in <- channel.Message{Origin: ev.Origin, Data: ev.Data}:
		case <-p.closed:
		case <-self.done:
		}
	})
	return p
}

func (p *Port) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return channel.ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return p.peer.PostMessage(p.self, data)
}

func (p *Port) Receive(ctx context.Context) (channel.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return channel.Message{}, channel.ErrPortClosed
	case <-p.self.done:
		return channel.Message{}, io.EOF
	case <-p.peer.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return channel.Message{}, io.EOF
		}
	case <-ctx.Done():
		return channel.Message{}, ctx.Err()
	}
}

// Close detaches the port; the windows stay open.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.unsub()
		close(p.closed)
	})
	return nil
}
