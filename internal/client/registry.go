package client

import (
	"context"
	"sync"
	"weak"

	"github.com/danmuck/xframe/internal/window"
	"github.com/rs/zerolog/log"
)

// key identifies a (self, remote) window pair without keeping either alive.
type key struct {
	self   weak.Pointer[window.Window]
	remote weak.Pointer[window.Window]
}

type entry struct {
	key     key
	ready   chan struct{}
	conn    *connection
	err     error
	unwatch []func()
}

// detach takes the entry's window close hooks; r.mu must be held. Running
// them keeps repeated dials of the same pair from piling hooks up.
func (e *entry) detach() []func() {
	fns := e.unwatch
	e.unwatch = nil
	return fns
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Registry caches one connection per (self, remote) pair. Entries go away
// when either window closes, when the channel is destroyed, or when the last
// client on it closes. The key holds both windows weakly; a cached
// connection keeps its peer window reachable until one of those happens.
type Registry struct {
	mu      sync.Mutex
	entries map[key]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]*entry)}
}

// DefaultRegistry is used when Options.Registry is nil.
var DefaultRegistry = NewRegistry()

// Len is the number of live or connecting entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func keyOf(self, remote *window.Window) key {
	return key{self: weak.Make(self), remote: weak.Make(remote)}
}

// acquire returns the cached connection for the pair or dials one. Callers
// racing on a missing entry share a single dial; reserve runs under the
// registry lock so a concurrent release cannot close the connection before
// the caller's id is on it.
func (r *Registry) acquire(ctx context.Context, self, remote *window.Window, dial func(context.Context) (*connection, error), reserve func(*connection)) (*connection, bool, error) {
	k := keyOf(self, remote)
	for {
		r.mu.Lock()
		e, ok := r.entries[k]
		if !ok {
			e = &entry{key: k, ready: make(chan struct{})}
			r.entries[k] = e
			r.mu.Unlock()
			unwatch := r.watch(k, self, remote)

			conn, err := dial(ctx)
			r.mu.Lock()
			owned := r.entries[k] == e
			if err == nil && !owned {
				// a window closed while dialing
				conn.close()
				conn, err = nil, window.ErrClosed
			}
			e.conn, e.err, e.unwatch = conn, err, unwatch
			if err != nil {
				if owned {
					delete(r.entries, k)
				}
				unwatch = e.detach()
			} else {
				reserve(conn)
			}
			close(e.ready)
			r.mu.Unlock()
			if err != nil {
				runAll(unwatch)
				return nil, false, err
			}
			go func() {
				<-conn.conn.Done()
				r.evict(e)
			}()
			return conn, false, nil
		}
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err != nil {
			return nil, false, e.err
		}
		r.mu.Lock()
		if r.entries[k] == e {
			reserve(e.conn)
			r.mu.Unlock()
			return e.conn, true, nil
		}
		// evicted while we waited; dial again
		r.mu.Unlock()
	}
}

// release drops clientID from conn and closes conn once no client is left.
func (r *Registry) release(self, remote *window.Window, conn *connection, clientID string) {
	k := keyOf(self, remote)
	r.mu.Lock()
	conn.ids.remove(clientID)
	empty := conn.ids.len() == 0
	var unwatch []func()
	if empty {
		if e, ok := r.entries[k]; ok && e.conn == conn {
			delete(r.entries, k)
			unwatch = e.detach()
		}
	}
	r.mu.Unlock()
	runAll(unwatch)
	if empty {
		conn.close()
	}
}

func (r *Registry) watch(k key, self, remote *window.Window) []func() {
	return []func(){
		remote.OnClose(func() { r.evictKey(k) }),
		self.OnClose(func() { r.evictKey(k) }),
	}
}

func (r *Registry) evict(e *entry) {
	r.mu.Lock()
	owned := r.entries[e.key] == e
	var unwatch []func()
	if owned {
		delete(r.entries, e.key)
		unwatch = e.detach()
	}
	r.mu.Unlock()
	if owned {
		runAll(unwatch)
		log.Debug().Msg("client.Registry evicted destroyed connection")
	}
}

func (r *Registry) evictKey(k key) {
	r.mu.Lock()
	var conn *connection
	var unwatch []func()
	if e, ok := r.entries[k]; ok {
		conn = e.conn
		unwatch = e.detach()
		delete(r.entries, k)
	}
	r.mu.Unlock()
	runAll(unwatch)
	if conn != nil {
		conn.close()
	}
}
