// Package window models isolated browsing contexts in-process: each Window
// has an origin, an optional parent, and an ordered message queue. Windows
// never share values, only byte payloads delivered through PostMessage.
package window

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoParent    = errors.New("window: no parent context")
	ErrCrossOrigin = errors.New("window: parent not accessible across origins")
	ErrClosed      = errors.New("window: closed")
)

const queueDepth = 1024

// Event is one delivered message.
type Event struct {
	Origin string
	Source *Window
	Data   []byte
}

type Option func(*Window)

// WithIsolation makes Parent fail with ErrCrossOrigin when the parent has a
// different origin.
func WithIsolation() Option {
	return func(w *Window) {
		w.isolated = true
	}
}

type Window struct {
	id       string
	origin   string
	parent   *Window
	isolated bool

	mu       sync.Mutex
	closed   bool
	subSeq   uint64
	subs     map[uint64]func(Event)
	hookSeq  uint64
	onClose  []closeHook
	children []*Window

	queue chan Event
	done  chan struct{}
}

// New creates a top-level window.
func New(origin string, opts ...Option) *Window {
	return newWindow(origin, nil, opts)
}

func newWindow(origin string, parent *Window, opts []Option) *Window {
	w := &Window{
		id:     uuid.NewString(),
		origin: origin,
		parent: parent,
		subs:   make(map[uint64]func(Event)),
		queue:  make(chan Event, queueDepth),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.dispatch()
	log.Debug().Msgf("window.New id=%s origin=%s parent=%v", w.id, origin, parent != nil)
	return w
}

// OpenFrame embeds a child window. Closing w closes the child.
func (w *Window) OpenFrame(origin string, opts ...Option) (*Window, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	child := newWindow(origin, w, opts)
	w.children = append(w.children, child)
	return child, nil
}

func (w *Window) ID() string {
	return w.id
}

func (w *Window) Origin() string {
	return w.origin
}

func (w *Window) String() string {
	return fmt.Sprintf("window(%s %s)", w.origin, w.id[:8])
}

// Parent returns the embedding window.
func (w *Window) Parent() (*Window, error) {
	if w.parent == nil {
		return nil, ErrNoParent
	}
	if w.isolated && w.parent.origin != w.origin {
		return nil, fmt.Errorf("%w: %s -> %s", ErrCrossOrigin, w.origin, w.parent.origin)
	}
	return w.parent, nil
}

// PostMessage queues data for delivery to w's subscribers, stamped with
// source's origin.
func (w *Window) PostMessage(source *Window, data []byte) error {
	ev := Event{Source: source, Data: append([]byte(nil), data...)}
	if source != nil {
		ev.Origin = source.origin
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- ev:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

// Subscribe registers fn for every message delivered to w. Delivery runs on
// w's dispatcher goroutine, in post order.
func (w *Window) Subscribe(fn func(Event)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subSeq++
	id := w.subSeq
	w.subs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

type closeHook struct {
	id uint64
	fn func()
}

// OnClose runs fn once w closes, immediately if it already has. The returned
// func unregisters fn if it has not run yet.
func (w *Window) OnClose(fn func()) func() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		fn()
		return func() {}
	}
	w.hookSeq++
	id := w.hookSeq
	w.onClose = append(w.onClose, closeHook{id: id, fn: fn})
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, h := range w.onClose {
			if h.id == id {
				w.onClose = append(w.onClose[:i], w.onClose[i+1:]...)
				return
			}
		}
	}
}

// Done is closed when w closes.
func (w *Window) Done() <-chan struct{} {
	return w.done
}

func (w *Window) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Close closes w and its frames and runs the close hooks.
func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	children := w.children
	hooks := w.onClose
	w.children = nil
	w.onClose = nil
	close(w.done)
	w.mu.Unlock()

	for _, child := range children {
		child.Close()
	}
	for _, h := range hooks {
		h.fn()
	}
	log.Debug().Msgf("window.Close id=%s origin=%s", w.id, w.origin)
}

func (w *Window) dispatch() {
	for {
		select {
		case ev := <-w.queue:
			w.mu.Lock()
			fns := make([]func(Event), 0, len(w.subs))
			for _, fn := range w.subs {
				fns = append(fns, fn)
			}
			w.mu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		case <-w.done:
			return
		}
	}
}
