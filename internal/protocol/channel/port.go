package channel

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrPortClosed = errors.New("channel: port closed")

// Message is one payload as observed by the receiving side.
type Message struct {
	// Origin is stamped by the delivering platform, not by the sender's payload.
	Origin string
	Data   []byte
}

// Port is a duplex message stream between two contexts. Implementations
// must be safe for concurrent use; Receive returns io.EOF or ErrPortClosed
// once the port is gone.
type Port interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// memPort is one end of an in-memory Pipe.
type memPort struct {
	origin string
	in     chan Message
	peer   *memPort

	closeOnce sync.Once
	done      chan struct{}
}

// Pipe returns two connected in-memory ports. Messages sent on a are
// received on b stamped with originA, and the other way around.
func Pipe(originA, originB string) (Port, Port) {
	a := &memPort{origin: originA, in: make(chan Message, 64), done: make(chan struct{})}
	b := &memPort{origin: originB, in: make(chan Message, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *memPort) Send(ctx context.Context, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-p.done:
		return ErrPortClosed
	case <-p.peer.done:
		return ErrPortClosed
	default:
	}
	select {
	case p.peer.in <- Message{Origin: p.origin, Data: buf}:
		return nil
	case <-p.done:
		return ErrPortClosed
	case <-p.peer.done:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *memPort) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return Message{}, ErrPortClosed
	case <-p.peer.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return Message{}, io.EOF
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *memPort) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// pump moves messages from a blocking reader into a channel so Receive can
// honour ctx.
type pump struct {
	msgs   chan Message
	failed chan struct{}
	err    error

	closeOnce sync.Once
	closed    chan struct{}
}

func newPump() *pump {
	return &pump{
		msgs:   make(chan Message, 16),
		failed: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (p *pump) run(read func() (Message, error)) {
	for {
		msg, err := read()
		if err != nil {
			p.err = err
			close(p.failed)
			return
		}
		select {
		case p.msgs <- msg:
		case <-p.closed:
			return
		}
	}
}

func (p *pump) receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.msgs:
		return msg, nil
	case <-p.closed:
		return Message{}, ErrPortClosed
	case <-p.failed:
		select {
		case msg := <-p.msgs:
			return msg, nil
		default:
			return Message{}, p.err
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// close reports whether this call was the one that closed the pump.
func (p *pump) close() bool {
	first := false
	p.closeOnce.Do(func() {
		close(p.closed)
		first = true
	})
	return first
}
