// Package server is the serving side of an xframe connection. It accepts
// the channel from its parent window, keeps the pool of registered clients,
// and dispatches their invocations to a locally supplied method table.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/xframe/internal/pool"
	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/danmuck/xframe/internal/protocol/session"
	"github.com/danmuck/xframe/internal/token"
	"github.com/danmuck/xframe/internal/transportable"
	"github.com/danmuck/xframe/internal/window"
	"github.com/rs/zerolog/log"
)

// EnvName names the server's transport engine and every reference it
// hands out.
const EnvName = "server"

var (
	ErrClientNotAccessible = errors.New("server: client not accessible")
	ErrUnknownMethod       = errors.New("server: unknown method")
	ErrNoProxy             = errors.New("server: proxy required")
)

// Methods maps method names to Go functions. Any function signature
// token.Call accepts is allowed; results may be token.Token values.
type Methods map[string]any

// Proxy returns the method table for a client, given the settings it
// registered with.
type Proxy func(ctx context.Context, settings any) (Methods, error)

type Options struct {
	Self *window.Window
	// AllowedOrigins defaults to the parent window's origin.
	AllowedOrigins []string
	// Timeout bounds the channel handshake; zero uses the channel default.
	Timeout  time.Duration
	Proxy    Proxy
	Channel  channel.Config
	Observer channel.Observer
}

type Server struct {
	pool    *pool.Pool
	engine  *transportable.Engine
	conn    *channel.Conn
	clients session.ClientAPI
	proxy   Proxy
}

// Serve connects to the parent window and pulls the ids of clients already
// waiting there. Zero clients is a valid steady state.
func Serve(ctx context.Context, opts Options) (*Server, error) {
	if opts.Proxy == nil {
		return nil, ErrNoProxy
	}
	if opts.Self == nil {
		return nil, fmt.Errorf("%w: %w", ErrClientNotAccessible, window.ErrNoParent)
	}
	parent, err := opts.Self.Parent()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientNotAccessible, err)
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{parent.Origin()}
	}
	cfg := opts.Channel
	if opts.Timeout != 0 {
		cfg.HandshakeTimeout = opts.Timeout
	}

	s := &Server{pool: pool.New(), proxy: opts.Proxy}
	s.engine = transportable.New(EnvName, func(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
		return s.clients.Callback(ctx, cb, args)
	})
	handlers := session.ServerHandlers{
		Open:     s.onOpen,
		Close:    s.onClose,
		Invoke:   s.onInvoke,
		Callback: s.resolveCallback,
	}

	conn, err := channel.Connect(ctx, window.NewPort(opts.Self, parent), channel.Options{
		AllowedOrigins: origins,
		Config:         cfg,
		Methods:        handlers.Methods(),
		Observer:       opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.clients = session.NewClientAPI(conn)

	added, err := session.PullClients(ctx, s.clients, s.pool)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	go s.watch()
	log.Info().Msgf("server.Serve ready self=%s parent=%s pulled=%d", opts.Self, parent, len(added))
	return s, nil
}

// ClientIDs lists registered clients in registration order.
func (s *Server) ClientIDs() []string {
	return s.pool.IDs()
}

func (s *Server) Clients() []pool.Record {
	return s.pool.Records()
}

// AddClientListener reports pool changes; the returned func unregisters.
func (s *Server) AddClientListener(fn pool.Listener) func() {
	return s.pool.AddListener(fn)
}

// Disconnect tells the client side to drop clientID and removes it from
// the pool.
func (s *Server) Disconnect(ctx context.Context, clientID string) error {
	if !s.pool.Has(clientID) {
		return fmt.Errorf("%w: %s", session.ErrClientNotFound, clientID)
	}
	err := s.clients.Close(ctx, clientID)
	s.pool.Delete(clientID)
	return err
}

// Engine exposes the server's reference table, mainly for Revoke.
func (s *Server) Engine() *transportable.Engine {
	return s.engine
}

func (s *Server) Done() <-chan struct{} {
	return s.conn.Done()
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// watch empties the pool once the channel is gone.
func (s *Server) watch() {
	<-s.conn.Done()
	for _, id := range s.pool.IDs() {
		s.pool.Delete(id)
	}
	log.Info().Msgf("server.watch channel closed err=%v", s.conn.Err())
}

func (s *Server) onOpen(ctx context.Context, rec session.ClientRecord) (bool, error) {
	if s.pool.Add(rec.ClientID, rec.SettingsEntity()) {
		log.Info().Msgf("server.open client=%s", rec.ClientID)
	}
	return true, nil
}

func (s *Server) onClose(ctx context.Context, clientID string) (bool, error) {
	existed := s.pool.Delete(clientID)
	log.Info().Msgf("server.close client=%s existed=%v", clientID, existed)
	return existed, nil
}

func (s *Server) onInvoke(ctx context.Context, clientID, method string, args []schema.Entity) (schema.Entity, error) {
	settingsEnt, ok := s.pool.Settings(clientID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrClientNotFound, clientID)
	}
	settings, err := s.engine.ParseEntity(settingsEnt)
	if err != nil {
		return nil, fmt.Errorf("server: settings for %s: %w", clientID, err)
	}
	methods, err := s.proxy(ctx, settings)
	if err != nil {
		return nil, err
	}
	fn, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrUnknownMethod, channel.ErrMethodNotFound, method)
	}
	params, err := s.engine.ParseEntities(args)
	if err != nil {
		return nil, err
	}
	log.Debug().Msgf("server.invoke client=%s method=%s args=%d", clientID, method, len(params))
	result, err := token.Call(ctx, fn, params)
	if err != nil {
		return nil, err
	}
	return s.engine.CreateEntity(ctx, result)
}

func (s *Server) resolveCallback(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
	run, err := s.engine.ResolveCallback(cb)
	if err != nil {
		return nil, err
	}
	return run(ctx, args)
}
