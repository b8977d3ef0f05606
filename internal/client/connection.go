package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/danmuck/xframe/internal/protocol/session"
	"github.com/danmuck/xframe/internal/transportable"
	"github.com/danmuck/xframe/internal/window"
	"github.com/rs/zerolog/log"
)

// identitySet is the client side's record of the logical clients sharing
// one connection, in open order. A reserved id holds its place on the
// connection but is not offered to the server until its record is set.
type identitySet struct {
	mu    sync.Mutex
	order []string
	recs  map[string]*identity
}

type identity struct {
	rec   session.ClientRecord
	ready bool
}

func newIdentitySet() *identitySet {
	return &identitySet{recs: make(map[string]*identity)}
}

func (s *identitySet) reserve(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; ok {
		return
	}
	s.order = append(s.order, id)
	s.recs[id] = &identity{rec: session.ClientRecord{ClientID: id}}
}

func (s *identitySet) set(rec session.ClientRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.recs[rec.ClientID]
	if !ok {
		s.order = append(s.order, rec.ClientID)
		slot = &identity{}
		s.recs[rec.ClientID] = slot
	}
	slot.rec = rec
	slot.ready = true
}

func (s *identitySet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return false
	}
	delete(s.recs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *identitySet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *identitySet) records() []session.ClientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.ClientRecord, 0, len(s.order))
	for _, id := range s.order {
		if slot := s.recs[id]; slot.ready {
			out = append(out, slot.rec)
		}
	}
	return out
}

// connection is one channel to a server, shared by every logical client
// created for the same (self, remote) pair. Its transport engine is named
// after the client that opened it.
type connection struct {
	conn   *channel.Conn
	engine *transportable.Engine
	server session.ServerAPI
	ids    *identitySet

	closeOnce sync.Once
}

type dialOptions struct {
	self, remote   *window.Window
	ownerID        string
	allowedOrigins []string
	config         channel.Config
	observer       channel.Observer
}

func dial(ctx context.Context, opts dialOptions) (*connection, error) {
	c := &connection{ids: newIdentitySet()}
	c.engine = transportable.New(opts.ownerID, func(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
		return c.server.Callback(ctx, cb, args)
	})
	handlers := session.ClientHandlers{
		Open: func(ctx context.Context) ([]session.ClientRecord, error) {
			return c.ids.records(), nil
		},
		Close: func(ctx context.Context, clientID string) error {
			if c.ids.remove(clientID) {
				log.Info().Msgf("client.connection server closed client=%s", clientID)
			}
			return nil
		},
		Callback: c.resolveCallback,
	}

	port := window.NewPort(opts.self, opts.remote)
	conn, err := channel.Connect(ctx, port, channel.Options{
		AllowedOrigins: opts.allowedOrigins,
		Config:         opts.config,
		Methods:        handlers.Methods(),
		Observer:       opts.observer,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.server = session.NewServerAPI(conn)
	log.Debug().Msgf("client.dial connected owner=%s remote=%s session=%s", opts.ownerID, opts.remote, conn.Session())
	return c, nil
}

// resolveCallback runs a callback this connection's engine handed out. A
// callback naming any other source is refused, so one logical client cannot
// trigger another environment's functions through a shared channel.
func (c *connection) resolveCallback(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
	if cb.Source != c.engine.Name() {
		return nil, fmt.Errorf("%w: source=%q client=%q", ErrInvalidCallbackSource, cb.Source, c.engine.Name())
	}
	run, err := c.engine.ResolveCallback(cb)
	if err != nil {
		return nil, err
	}
	return run(ctx, args)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
