package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPort carries channel messages as websocket text frames. The
// origin on received messages is fixed at connection time: the browser
// Origin header on the accepting side, the dialed URL on the dialing side.
type WebSocketPort struct {
	conn       *websocket.Conn
	peerOrigin string

	writeMu sync.Mutex
	in      *pump
}

func NewWebSocketPort(conn *websocket.Conn, peerOrigin string) *WebSocketPort {
	p := &WebSocketPort{conn: conn, peerOrigin: peerOrigin, in: newPump()}
	go p.in.run(p.read)
	return p
}

// NewUpgrader accepts any Origin header; Conn applies the allow-list to
// every message instead.
func NewUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// AcceptWebSocket upgrades an HTTP request into a port.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader) (*WebSocketPort, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: websocket upgrade: %w", err)
	}
	return NewWebSocketPort(conn, r.Header.Get("Origin")), nil
}

// DialWebSocket connects to rawURL announcing localOrigin in the Origin
// header.
func DialWebSocket(ctx context.Context, rawURL, localOrigin string) (*WebSocketPort, error) {
	peer, err := OriginOfURL(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if localOrigin != "" {
		header.Set("Origin", localOrigin)
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("channel: dial websocket %s: %w", rawURL, err)
	}
	return NewWebSocketPort(conn, peer), nil
}

// OriginOfURL maps ws/wss/http/https URLs to their http(s) origin.
func OriginOfURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidOrigin, rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return NormalizeOrigin(scheme + "://" + u.Host)
}

func (p *WebSocketPort) read() (Message, error) {
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return Message{Origin: p.peerOrigin, Data: data}, nil
	}
}

func (p *WebSocketPort) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.in.closed:
		return ErrPortClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *WebSocketPort) Receive(ctx context.Context) (Message, error) {
	return p.in.receive(ctx)
}

func (p *WebSocketPort) Close() error {
	if !p.in.close() {
		return nil
	}
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	return p.conn.Close()
}
