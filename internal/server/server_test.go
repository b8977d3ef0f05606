package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/xframe/internal/client"
	"github.com/danmuck/xframe/internal/pool"
	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/danmuck/xframe/internal/protocol/session"
	"github.com/danmuck/xframe/internal/testutil/testlog"
	"github.com/danmuck/xframe/internal/token"
	"github.com/danmuck/xframe/internal/transportable"
	"github.com/danmuck/xframe/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostOrigin  = "https://host.example"
	frameOrigin = "https://frame.example"
)

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func demoMethods() Methods {
	return Methods{
		"ping": func() string { return "pong" },
		"on": func(cb token.Func) {
			go func() {
				_, _ = cb(context.Background(), map[string]any{"type": "x", "data": "bar"})
			}()
		},
		"apply": func(ctx context.Context, in map[string]any) (any, error) {
			fn, ok := in["b"].(token.Func)
			if !ok {
				return nil, errors.New("b is not a function")
			}
			return fn(ctx, in["a"])
		},
		"check": func(ctx context.Context, in map[string]any) (any, error) {
			if in["a"] != 1.0 {
				return nil, errors.New("a is not 1")
			}
			return in["b"].(token.Func)(ctx)
		},
		"counter": func() *counter { return &counter{} },
		"inc":     func(c *counter) int { return c.inc() },
	}
}

func staticProxy(m Methods) Proxy {
	return func(ctx context.Context, settings any) (Methods, error) {
		return m, nil
	}
}

type fixture struct {
	host  *window.Window
	frame *window.Window
	reg   *client.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	host := window.New(hostOrigin)
	t.Cleanup(host.Close)
	frame, err := host.OpenFrame(frameOrigin)
	require.NoError(t, err)
	return fixture{host: host, frame: frame, reg: client.NewRegistry()}
}

// serve starts the server side; it completes once a client side connects.
func (f fixture) serve(t *testing.T, proxy Proxy) <-chan *Server {
	t.Helper()
	out := make(chan *Server, 1)
	go func() {
		s, err := Serve(context.Background(), Options{Self: f.frame, Proxy: proxy, Timeout: 2 * time.Second})
		if err != nil {
			t.Errorf("serve: %v", err)
			close(out)
			return
		}
		out <- s
	}()
	return out
}

func (f fixture) client(t *testing.T, settings any) *client.Client[struct{}] {
	t.Helper()
	c, err := client.Create(context.Background(), client.Options[struct{}]{
		Self:     f.host,
		Remote:   f.frame,
		Settings: settings,
		Registry: f.reg,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func await(t *testing.T, ch <-chan *Server) *Server {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "server failed to start")
		t.Cleanup(func() { _ = s.Close() })
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not start")
		return nil
	}
}

func TestPingPong(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	served := f.serve(t, staticProxy(demoMethods()))
	c := f.client(t, nil)
	srv := await(t, served)

	res, err := c.Invoke(context.Background(), "ping")
	require.NoError(t, err)
	require.Equal(t, "pong", res)
	require.Eventually(t, func() bool {
		ids := srv.ClientIDs()
		return len(ids) == 1 && ids[0] == c.ID()
	}, time.Second, 5*time.Millisecond)
}

func TestCallbackRoundTrip(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	served := f.serve(t, staticProxy(demoMethods()))
	c := f.client(t, nil)
	await(t, served)

	var calls atomic.Int32
	got := make(chan map[string]any, 1)
	_, err := c.Invoke(context.Background(), "on", func(ev map[string]any) {
		calls.Add(1)
		got <- ev
	})
	require.NoError(t, err)

	select {
	case ev := <-got:
		require.Equal(t, map[string]any{"type": "x", "data": "bar"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestMixedStructureAndOpaqueRefs(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	served := f.serve(t, staticProxy(demoMethods()))
	c := f.client(t, nil)
	await(t, served)
	ctx := context.Background()

	got, err := c.Invoke(ctx, "check", map[string]any{"a": 1, "b": func() string { return "ok" }})
	require.NoError(t, err)
	require.Equal(t, "ok", got)

	double := func(v float64) float64 { return v * 2 }
	res, err := c.Invoke(ctx, "apply", map[string]any{"a": 1, "b": double})
	require.NoError(t, err)
	require.Equal(t, 2.0, res)

	handle, err := c.Invoke(ctx, "counter")
	require.NoError(t, err)
	_, ok := handle.(transportable.RemoteRef)
	require.True(t, ok, "expected RemoteRef, got %T", handle)

	for want := 1.0; want <= 3; want++ {
		n, err := c.Invoke(ctx, "inc", handle)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
}

func TestRuleTaggedResult(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	methods := Methods{
		"session": func() token.Token {
			state := map[string]any{"user": "ada", "logout": func() string { return "bye" }}
			return token.Wrap(state, token.CallbackRule(token.P("logout")))
		},
	}
	served := f.serve(t, staticProxy(methods))
	c := f.client(t, nil)
	await(t, served)

	res, err := c.Invoke(context.Background(), "session")
	require.NoError(t, err)
	m := res.(map[string]any)
	require.Equal(t, "ada", m["user"])
	out, err := m["logout"].(token.Func)(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bye", out)
}

func TestMultiClientDispatch(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	proxy := func(ctx context.Context, settings any) (Methods, error) {
		name, _ := settings.(map[string]any)["name"].(string)
		return Methods{"whoami": func() string { return name }}, nil
	}
	served := f.serve(t, proxy)
	a := f.client(t, map[string]any{"name": "a"})
	srv := await(t, served)
	b := f.client(t, map[string]any{"name": "b"})

	require.False(t, a.Reused())
	require.True(t, b.Reused())
	require.Equal(t, a.Session(), b.Session())
	require.Equal(t, 1, f.reg.Len())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := a.Invoke(ctx, "whoami")
			assert.NoError(t, err)
			assert.Equal(t, "a", res)
		}()
		go func() {
			defer wg.Done()
			res, err := b.Invoke(ctx, "whoami")
			assert.NoError(t, err)
			assert.Equal(t, "b", res)
		}()
	}
	wg.Wait()
	require.ElementsMatch(t, []string{a.ID(), b.ID()}, srv.ClientIDs())
}

func TestListenerAndDisconnect(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	served := f.serve(t, staticProxy(demoMethods()))
	a := f.client(t, nil)
	srv := await(t, served)

	var mu sync.Mutex
	var events []pool.Event
	stop := srv.AddClientListener(func(e pool.Event, r pool.Record) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	defer stop()

	b := f.client(t, nil)
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, srv.Disconnect(context.Background(), a.ID()))

	_, err := a.Invoke(context.Background(), "ping")
	require.ErrorIs(t, err, session.ErrClientNotFound)
	require.ErrorIs(t, srv.Disconnect(context.Background(), a.ID()), session.ErrClientNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []pool.Event{pool.EventAdd, pool.EventDelete, pool.EventDelete}, events)
	require.Empty(t, srv.ClientIDs())
}

func TestUnknownMethod(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	served := f.serve(t, staticProxy(demoMethods()))
	c := f.client(t, nil)
	await(t, served)

	_, err := c.Invoke(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownMethod)
	require.ErrorIs(t, err, channel.ErrMethodNotFound)
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, channel.CodeMethodNotFound, remote.Code)
}

func TestForgedCallbackSourceRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	served := f.serve(t, staticProxy(demoMethods()))
	f.client(t, nil)
	srv := await(t, served)

	forged := schema.Callback{Source: "client_forged", Ref: transportable.RefPrefix + "1"}
	_, err := srv.clients.Callback(context.Background(), forged, nil)
	require.ErrorIs(t, err, client.ErrInvalidCallbackSource)
}

func TestServeRequiresAccessibleParent(t *testing.T) {
	testlog.Start(t)
	top := window.New(hostOrigin)
	defer top.Close()
	_, err := Serve(context.Background(), Options{Self: top, Proxy: staticProxy(nil)})
	require.ErrorIs(t, err, ErrClientNotAccessible)
	require.ErrorIs(t, err, window.ErrNoParent)

	isolated, err := top.OpenFrame(frameOrigin, window.WithIsolation())
	require.NoError(t, err)
	_, err = Serve(context.Background(), Options{Self: isolated, Proxy: staticProxy(nil)})
	require.ErrorIs(t, err, ErrClientNotAccessible)
	require.ErrorIs(t, err, window.ErrCrossOrigin)

	_, err = Serve(context.Background(), Options{Self: isolated})
	require.ErrorIs(t, err, ErrNoProxy)
}

func TestServeWithZeroClients(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	served := f.serve(t, staticProxy(demoMethods()))

	// a bare client side with nobody registered
	conn, err := channel.Connect(context.Background(), window.NewPort(f.host, f.frame), channel.Options{
		AllowedOrigins: []string{frameOrigin},
		Methods:        session.ClientHandlers{}.Methods(),
	})
	require.NoError(t, err)
	defer conn.Close()

	srv := await(t, served)
	require.Empty(t, srv.ClientIDs())
}

func TestServerInitiatedPullRegistersWaitingClient(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	records := []session.ClientRecord{session.NewClientRecord("client_waiting", schema.Data{Value: "s"})}
	served := f.serve(t, staticProxy(demoMethods()))

	conn, err := channel.Connect(context.Background(), window.NewPort(f.host, f.frame), channel.Options{
		AllowedOrigins: []string{frameOrigin},
		Methods: session.ClientHandlers{
			Open: func(ctx context.Context) ([]session.ClientRecord, error) { return records, nil },
		}.Methods(),
	})
	require.NoError(t, err)
	defer conn.Close()

	srv := await(t, served)
	require.Equal(t, []string{"client_waiting"}, srv.ClientIDs())
	settings, ok := srv.pool.Settings("client_waiting")
	require.True(t, ok)
	require.Equal(t, schema.Data{Value: "s"}, settings)
}
