package channel

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/xframe/internal/protocol/frame"
	"github.com/danmuck/xframe/internal/protocol/tlv"
)

const (
	fieldOrigin uint16 = 1
	fieldBody   uint16 = 2
)

// StreamPort frames channel messages over a byte stream such as TCP. A
// stream has no platform origin, so each side stamps its own origin into
// the frame and the receiver trusts it.
type StreamPort struct {
	conn   net.Conn
	origin string
	limits frame.Limits

	writeMu sync.Mutex
	seq     uint64
	in      *pump
}

func NewStreamPort(conn net.Conn, localOrigin string, limits frame.Limits) *StreamPort {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	p := &StreamPort{conn: conn, origin: localOrigin, limits: limits, in: newPump()}
	go p.in.run(p.read)
	return p
}

// DialStream opens a TCP stream port to addr.
func DialStream(ctx context.Context, addr, localOrigin string) (*StreamPort, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamPort(conn, localOrigin, frame.DefaultLimits()), nil
}

func (p *StreamPort) read() (Message, error) {
	f, err := frame.ReadFrame(p.conn, p.limits)
	if err != nil {
		return Message{}, err
	}
	if f.Header.Flags&frame.FlagBye != 0 {
		return Message{}, io.EOF
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, err
	}
	origin, err := tlv.Require(fields, fieldOrigin, tlv.TypeString)
	if err != nil {
		return Message{}, err
	}
	body, err := tlv.Require(fields, fieldBody, tlv.TypeBytes)
	if err != nil {
		return Message{}, err
	}
	return Message{Origin: string(origin.Value), Data: body.Value}, nil
}

func (p *StreamPort) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.in.closed:
		return ErrPortClosed
	default:
	}
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.String(fieldOrigin, p.origin),
		tlv.Bytes(fieldBody, data),
	})
	return p.write(ctx, frame.Frame{Payload: payload})
}

func (p *StreamPort) write(ctx context.Context, f frame.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.seq++
	f.Header.Sequence = p.seq
	deadline, _ := ctx.Deadline()
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return frame.WriteFrame(p.conn, f, p.limits)
}

func (p *StreamPort) Receive(ctx context.Context) (Message, error) {
	return p.in.receive(ctx)
}

// Close sends a bye frame so the peer sees a clean EOF, then closes the stream.
func (p *StreamPort) Close() error {
	if !p.in.close() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = p.write(ctx, frame.Frame{Header: frame.Header{Flags: frame.FlagBye}})
	cancel()
	return p.conn.Close()
}
