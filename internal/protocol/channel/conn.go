package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrTimeout        = errors.New("channel: handshake timed out")
	ErrDestroyed      = errors.New("channel: connection destroyed")
	ErrOriginRejected = errors.New("channel: message origin rejected")
	ErrMethodNotFound = errors.New("channel: method not found")
)

// Handler serves one inbound method call. The returned value is sent back
// JSON-encoded.
type Handler func(ctx context.Context, args Args) (any, error)

// Observer receives connection measurements. observability.RPC
// implements it.
type Observer interface {
	ObserveHandshake(channel string, err error, d time.Duration)
	ObserveInbound(channel, method string, err error, d time.Duration)
}

type Options struct {
	// Channel is the multiplexing key; messages for other channels on the
	// same port are ignored. Defaults to Name.
	Channel        string
	AllowedOrigins []string
	Config         Config
	Methods        map[string]Handler
	Observer       Observer
}

// Conn is one established connection over a Port.
type Conn struct {
	port    Port
	channel string
	origins Origins
	cfg     Config
	methods map[string]Handler
	obs     Observer
	session string

	ctx    context.Context
	cancel context.CancelFunc

	sendMu  sync.Mutex
	seq     atomic.Uint64
	pending *pendingCalls

	readyOnce sync.Once
	ready     chan struct{}
	rejected  atomic.Int64

	peerMu      sync.Mutex
	peerSession string

	destroyOnce sync.Once
	done        chan struct{}
	err         error
}

// Connect runs the syn/ack handshake on port and returns once both sides
// are listening. Conn owns port from here on; a failed handshake closes it.
func Connect(ctx context.Context, port Port, opts Options) (*Conn, error) {
	origins, err := ParseOrigins(opts.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	if opts.Channel == "" {
		opts.Channel = Name
	}
	methods := make(map[string]Handler, len(opts.Methods))
	for name, h := range opts.Methods {
		methods[name] = h
	}

	c := &Conn{
		port:    port,
		channel: opts.Channel,
		origins: origins,
		cfg:     opts.Config.WithDefaults(),
		methods: methods,
		obs:     opts.Observer,
		session: uuid.NewString(),
		pending: newPendingCalls(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	start := time.Now()
	go c.readLoop()
	err = c.handshake(ctx)
	if c.obs != nil {
		c.obs.ObserveHandshake(c.channel, err, time.Since(start))
	}
	if err != nil {
		c.destroy(err)
		log.Warn().Msgf("channel.Connect failed channel=%s session=%s err=%v", c.channel, c.session, err)
		return nil, err
	}
	log.Debug().Msgf("channel.Connect ready channel=%s session=%s peer=%s origins=%s",
		c.channel, c.session, c.PeerSession(), c.origins)
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if err := c.send(ctx, envelope{Kind: KindSyn}); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			select {
			case <-c.done:
				return c.err
			default:
			}
			log.Debug().Msgf("channel.handshake syn attempt=%d err=%v", attempt, err)
		}
		timer := time.NewTimer(NextBackoffDelay(c.cfg.SynBackoff, attempt, rng))
		select {
		case <-c.ready:
			timer.Stop()
			return nil
		case <-c.done:
			timer.Stop()
			return c.err
		case <-ctx.Done():
			timer.Stop()
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			if c.rejected.Load() > 0 {
				return fmt.Errorf("%w: %w", ErrTimeout, ErrOriginRejected)
			}
			return ErrTimeout
		case <-timer.C:
		}
	}
}

// Call invokes method on the peer and returns the raw JSON result. ctx
// bounds only the local wait.
func (c *Conn) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	id := c.seq.Add(1)
	ch, err := c.pending.add(id, method)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, envelope{Kind: KindCall, ID: id, Method: method, Args: raw}); err != nil {
		c.pending.remove(id)
		select {
		case <-c.done:
			return nil, c.err
		default:
		}
		return nil, err
	}
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}

// CallInto is Call followed by decoding the result into out.
func (c *Conn) CallInto(ctx context.Context, out any, method string, args ...any) error {
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("channel: decode %s result: %w", method, err)
	}
	return nil
}

// Close tells the peer goodbye and fails every pending call with ErrDestroyed.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	_ = c.send(ctx, envelope{Kind: KindBye})
	cancel()
	c.destroy(fmt.Errorf("%w: closed locally", ErrDestroyed))
	return nil
}

// Done is closed once the connection is destroyed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection was destroyed, nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Channel() string {
	return c.channel
}

// Session is this side's connection id, sent with syn and ack.
func (c *Conn) Session() string {
	return c.session
}

func (c *Conn) PeerSession() string {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	return c.peerSession
}

// Pending lists outbound calls still awaiting a reply.
func (c *Conn) Pending() []PendingCall {
	return c.pending.list()
}

func (c *Conn) send(ctx context.Context, env envelope) error {
	env.Channel = c.channel
	if env.Kind == KindSyn || env.Kind == KindAck {
		env.Session = c.session
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if len(data) > c.cfg.MaxMessageBytes {
		return fmt.Errorf("channel: message too large: %d > %d", len(data), c.cfg.MaxMessageBytes)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.port.Send(ctx, data)
}

func (c *Conn) readLoop() {
	for {
		msg, err := c.port.Receive(c.ctx)
		if err != nil {
			c.destroy(fmt.Errorf("%w: %v", ErrDestroyed, err))
			return
		}
		if len(msg.Data) > c.cfg.MaxMessageBytes {
			log.Warn().Msgf("channel.readLoop drop oversized channel=%s bytes=%d", c.channel, len(msg.Data))
			continue
		}
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			log.Debug().Msgf("channel.readLoop drop undecodable channel=%s err=%v", c.channel, err)
			continue
		}
		if env.Channel != c.channel {
			continue
		}
		if !c.origins.Allows(msg.Origin) {
			c.rejected.Add(1)
			log.Warn().Msgf("channel.readLoop origin rejected channel=%s origin=%q allowed=%s", c.channel, msg.Origin, c.origins)
			continue
		}
		c.handle(env)
	}
}

func (c *Conn) handle(env envelope) {
	switch env.Kind {
	case KindSyn:
		c.markReady(env.Session)
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SynBackoff.MaxDelay+time.Second)
			defer cancel()
			if err := c.send(ctx, envelope{Kind: KindAck}); err != nil {
				log.Debug().Msgf("channel.handle ack send failed channel=%s err=%v", c.channel, err)
			}
		}()
	case KindAck:
		c.markReady(env.Session)
	case KindCall:
		c.markReady("")
		go c.dispatch(env)
	case KindReply:
		r := reply{result: env.Result}
		if env.Error != nil {
			r.err = &RemoteError{Method: c.methodOf(env.ID), Code: env.Error.Code, Message: env.Error.Message}
		}
		if !c.pending.resolve(env.ID, r) {
			log.Debug().Msgf("channel.handle late reply channel=%s id=%d", c.channel, env.ID)
		}
	case KindBye:
		c.destroy(fmt.Errorf("%w: closed by peer", ErrDestroyed))
	default:
		log.Debug().Msgf("channel.handle unknown kind channel=%s kind=%q", c.channel, env.Kind)
	}
}

func (c *Conn) methodOf(id uint64) string {
	for _, p := range c.pending.list() {
		if p.ID == id {
			return p.Method
		}
	}
	return ""
}

func (c *Conn) markReady(peer string) {
	if peer != "" {
		c.peerMu.Lock()
		if c.peerSession == "" {
			c.peerSession = peer
		} else if c.peerSession != peer {
			log.Warn().Msgf("channel.markReady peer session changed channel=%s old=%s new=%s", c.channel, c.peerSession, peer)
			c.peerSession = peer
		}
		c.peerMu.Unlock()
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Conn) dispatch(env envelope) {
	start := time.Now()
	result, err := c.run(env)
	if c.obs != nil {
		c.obs.ObserveInbound(c.channel, env.Method, err, time.Since(start))
	}

	out := envelope{Kind: KindReply, ID: env.ID}
	if err == nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			err = fmt.Errorf("channel: encode %s result: %w", env.Method, merr)
		} else {
			out.Result = raw
		}
	}
	if err != nil {
		log.Debug().Msgf("channel.dispatch method=%s id=%d err=%v", env.Method, env.ID, err)
		out.Error = toWireError(err)
	}
	if serr := c.send(c.ctx, out); serr != nil {
		log.Debug().Msgf("channel.dispatch reply send failed method=%s id=%d err=%v", env.Method, env.ID, serr)
	}
}

func (c *Conn) run(env envelope) (result any, err error) {
	h, ok := c.methods[env.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, env.Method)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel: method %s panicked: %v", env.Method, r)
		}
	}()
	return h(c.ctx, Args(env.Args))
}

func (c *Conn) destroy(err error) {
	c.destroyOnce.Do(func() {
		if !errors.Is(err, ErrDestroyed) {
			err = fmt.Errorf("%w: %w", ErrDestroyed, err)
		}
		c.err = err
		c.cancel()
		c.pending.failAll(err)
		_ = c.port.Close()
		close(c.done)
		log.Debug().Msgf("channel.destroy channel=%s session=%s err=%v", c.channel, c.session, err)
	})
}
