// Package pool tracks the clients registered with a server.
package pool

import (
	"sort"
	"sync"

	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

type Event string

const (
	EventAdd    Event = "add"
	EventDelete Event = "delete"
)

// Record is one registered client. Records are never mutated after Add.
type Record struct {
	ClientID string
	Settings schema.Entity
}

type Listener func(Event, Record)

// Pool stores records in registration order. It is safe for concurrent use;
// listeners run synchronously on the goroutine that changed the pool,
// outside the pool lock.
type Pool struct {
	mu        sync.Mutex
	order     []string
	items     map[string]Record
	listenSeq uint64
	listeners map[uint64]Listener
}

func New() *Pool {
	return &Pool{
		items:     make(map[string]Record),
		listeners: make(map[uint64]Listener),
	}
}

// Add registers clientID. It reports false and notifies nobody when the id
// is already present.
func (p *Pool) Add(clientID string, settings schema.Entity) bool {
	p.mu.Lock()
	if _, ok := p.items[clientID]; ok {
		p.mu.Unlock()
		return false
	}
	rec := Record{ClientID: clientID, Settings: settings}
	p.items[clientID] = rec
	p.order = append(p.order, clientID)
	listeners := p.snapshotListeners()
	p.mu.Unlock()

	log.Debug().Msgf("pool.Add client=%s", clientID)
	for _, fn := range listeners {
		fn(EventAdd, rec)
	}
	return true
}

// Delete removes clientID and notifies listeners even when it was absent.
func (p *Pool) Delete(clientID string) bool {
	p.mu.Lock()
	_, existed := p.items[clientID]
	if existed {
		delete(p.items, clientID)
		for i, id := range p.order {
			if id == clientID {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	listeners := p.snapshotListeners()
	p.mu.Unlock()

	log.Debug().Msgf("pool.Delete client=%s existed=%v", clientID, existed)
	for _, fn := range listeners {
		fn(EventDelete, Record{ClientID: clientID})
	}
	return existed
}

func (p *Pool) Has(clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[clientID]
	return ok
}

// IDs returns registered ids in registration order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.items[id])
	}
	return out
}

// Settings returns the settings clientID registered with.
func (p *Pool) Settings(clientID string) (schema.Entity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.items[clientID]
	return rec.Settings, ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// AddListener registers fn and returns the function that unregisters it.
func (p *Pool) AddListener(fn Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listenSeq++
	id := p.listenSeq
	p.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.listeners, id)
		})
	}
}

// snapshotListeners must be called with p.mu held. Listeners run in
// registration order.
func (p *Pool) snapshotListeners() []Listener {
	ids := make([]uint64, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.listeners[id])
	}
	return out
}
