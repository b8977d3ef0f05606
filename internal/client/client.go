// Package client is the calling side of an xframe connection: it opens (or
// reuses) a channel to a remote window, registers a logical client id with
// the server there, and turns Go calls into remote invocations.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/protocol/session"
	"github.com/danmuck/xframe/internal/window"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCallbackSource = errors.New("client: callback source does not match client")
	ErrNotConnected          = errors.New("client: not connected")
	ErrNoRemote              = errors.New("client: remote window required")
)

// Invoker performs one remote call for a logical client. Arguments may be
// token.Token values carrying explicit rules.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) (any, error)
}

type Options[M any] struct {
	Self   *window.Window
	Remote *window.Window
	// AllowedOrigins defaults to the remote window's origin.
	AllowedOrigins []string
	// Timeout bounds the channel handshake; zero uses the channel default.
	Timeout time.Duration
	// Proxy builds the method table handed back from Methods.
	Proxy    func(Invoker) M
	Settings any
	Registry *Registry
	IDs      *IDGenerator
	Channel  channel.Config
	Observer channel.Observer
}

// Client is one logical client. Several clients may share a connection.
type Client[M any] struct {
	id       string
	methods  M
	conn     *connection
	invoker  *invoker
	registry *Registry
	self     *window.Window
	remote   *window.Window
	reused   bool
}

// Create registers a new logical client with the server in opts.Remote.
func Create[M any](ctx context.Context, opts Options[M]) (*Client[M], error) {
	if opts.Self == nil || opts.Remote == nil {
		return nil, ErrNoRemote
	}
	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry
	}
	ids := opts.IDs
	if ids == nil {
		ids = defaultIDs
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{opts.Remote.Origin()}
	}
	cfg := opts.Channel
	if opts.Timeout != 0 {
		cfg.HandshakeTimeout = opts.Timeout
	}

	id := ids.Next()
	inv := &invoker{id: id}

	conn, reused, err := reg.acquire(ctx, opts.Self, opts.Remote,
		func(ctx context.Context) (*connection, error) {
			return dial(ctx, dialOptions{
				self:           opts.Self,
				remote:         opts.Remote,
				ownerID:        id,
				allowedOrigins: origins,
				config:         cfg,
				observer:       opts.Observer,
			})
		},
		func(c *connection) {
			c.ids.reserve(id)
		},
	)
	if err != nil {
		return nil, err
	}
	inv.conn = conn

	cl := &Client[M]{
		id:       id,
		conn:     conn,
		invoker:  inv,
		registry: reg,
		self:     opts.Self,
		remote:   opts.Remote,
		reused:   reused,
	}
	if opts.Proxy != nil {
		cl.methods = opts.Proxy(inv)
	}

	rec := session.ClientRecord{ClientID: id}
	if opts.Settings != nil {
		settings, err := conn.engine.CreateEntity(ctx, opts.Settings)
		if err != nil {
			reg.release(opts.Self, opts.Remote, conn, id)
			return nil, fmt.Errorf("client: settings: %w", err)
		}
		rec = session.NewClientRecord(id, settings)
	}
	conn.ids.set(rec)
	if _, err := conn.server.Open(ctx, rec); err != nil {
		reg.release(opts.Self, opts.Remote, conn, id)
		return nil, err
	}
	inv.opened.Store(true)
	log.Info().Msgf("client.Create id=%s remote=%s reused=%v", id, opts.Remote, reused)
	return cl, nil
}

func (c *Client[M]) ID() string {
	return c.id
}

// Methods is the table Options.Proxy built.
func (c *Client[M]) Methods() M {
	return c.methods
}

// Reused reports whether this client joined an existing connection.
func (c *Client[M]) Reused() bool {
	return c.reused
}

// Session identifies the underlying channel; clients sharing a connection
// report the same value.
func (c *Client[M]) Session() string {
	return c.conn.conn.Session()
}

func (c *Client[M]) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return c.invoker.Invoke(ctx, method, args...)
}

// Close unregisters the client with the server. The channel closes with the
// last client on it.
func (c *Client[M]) Close(ctx context.Context) error {
	if !c.invoker.opened.CompareAndSwap(true, false) {
		return nil
	}
	_, err := c.conn.server.Close(ctx, c.id)
	c.registry.release(c.self, c.remote, c.conn, c.id)
	log.Info().Msgf("client.Close id=%s err=%v", c.id, err)
	return err
}

type invoker struct {
	id     string
	conn   *connection
	opened atomic.Bool
}

func (i *invoker) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	if !i.opened.Load() {
		return nil, fmt.Errorf("%w: client=%s method=%s", ErrNotConnected, i.id, method)
	}
	ents, err := i.conn.engine.CreateEntities(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", method, err)
	}
	res, err := i.conn.server.Invoke(ctx, i.id, method, ents)
	if err != nil {
		return nil, err
	}
	return i.conn.engine.ParseEntity(res)
}
