package channel

import (
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

type reply struct {
	result json.RawMessage
	err    error
}

// PendingCall tracks one outbound call awaiting its reply.
type PendingCall struct {
	ID     uint64
	Method string
	SentAt time.Time
}

type pendingEntry struct {
	meta PendingCall
	ch   chan reply
}

// pendingCalls stores in-flight calls by message id.
type pendingCalls struct {
	mu     sync.Mutex
	items  map[uint64]pendingEntry
	closed error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{
		items: make(map[uint64]pendingEntry),
	}
}

// add registers id; once the table is failed every add returns that error.
func (p *pendingCalls) add(id uint64, method string) (<-chan reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, p.closed
	}
	ch := make(chan reply, 1)
	p.items[id] = pendingEntry{
		meta: PendingCall{ID: id, Method: method, SentAt: time.Now()},
		ch:   ch,
	}
	return ch, nil
}

func (p *pendingCalls) resolve(id uint64, r reply) bool {
	p.mu.Lock()
	entry, ok := p.items[id]
	if ok {
		delete(p.items, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- r
	return true
}

func (p *pendingCalls) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
}

// failAll settles every waiting call with err and refuses new ones.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	if p.closed == nil {
		p.closed = err
	}
	items := p.items
	p.items = make(map[uint64]pendingEntry)
	p.mu.Unlock()
	for _, entry := range items {
		entry.ch <- reply{err: err}
	}
}

func (p *pendingCalls) list() []PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, entry := range p.items {
		out = append(out, entry.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
