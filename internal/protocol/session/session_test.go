package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/danmuck/xframe/internal/testutil/testlog"
)

type memRegistry struct {
	mu      sync.Mutex
	clients map[string]schema.Entity
	adds    int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{clients: make(map[string]schema.Entity)}
}

func (r *memRegistry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	return ok
}

func (r *memRegistry) Add(id string, settings schema.Entity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; ok {
		return false
	}
	r.clients[id] = settings
	r.adds++
	return true
}

func (r *memRegistry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	return ok
}

func serverHandlers(reg *memRegistry) ServerHandlers {
	return ServerHandlers{
		Open: func(ctx context.Context, rec ClientRecord) (bool, error) {
			reg.Add(rec.ClientID, rec.SettingsEntity())
			return true, nil
		},
		Close: func(ctx context.Context, id string) (bool, error) {
			return reg.Delete(id), nil
		},
		Invoke: func(ctx context.Context, id, method string, args []schema.Entity) (schema.Entity, error) {
			if !reg.Has(id) {
				return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
			}
			switch method {
			case "ping":
				return schema.Data{Value: "pong"}, nil
			case "count":
				return schema.Data{Value: float64(len(args))}, nil
			case "void":
				return nil, nil
			}
			return nil, fmt.Errorf("unknown method %s", method)
		},
	}
}

// connect links a server-role conn and a client-role conn over a pipe.
func connect(t *testing.T, server, client map[string]channel.Handler) (*channel.Conn, *channel.Conn) {
	t.Helper()
	a, b := channel.Pipe("https://host.example", "https://frame.example")
	type result struct {
		conn *channel.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := channel.Connect(context.Background(), b, channel.Options{
			AllowedOrigins: []string{"https://host.example"},
			Methods:        server,
		})
		done <- result{c, err}
	}()
	clientConn, err := channel.Connect(context.Background(), a, channel.Options{
		AllowedOrigins: []string{"https://frame.example"},
		Methods:        client,
	})
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("server connect: %v", r.err)
	}
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = r.conn.Close()
	})
	return r.conn, clientConn
}

func TestClientInitiatedOpenIsIdempotent(t *testing.T) {
	testlog.Start(t)
	reg := newMemRegistry()
	_, clientConn := connect(t, serverHandlers(reg).Methods(), ClientHandlers{}.Methods())
	api := NewServerAPI(clientConn)
	ctx := context.Background()

	settings := schema.Map{Fields: map[string]schema.Entity{"theme": schema.Data{Value: "dark"}}}
	for i := 0; i < 2; i++ {
		ok, err := api.Open(ctx, NewClientRecord("client_1", settings))
		if err != nil || !ok {
			t.Fatalf("open %d: ok=%v err=%v", i, ok, err)
		}
	}
	if reg.adds != 1 {
		t.Fatalf("expected one registration, got %d", reg.adds)
	}
	got, ok := reg.clients["client_1"].(schema.Map)
	if !ok || got.Fields["theme"] != (schema.Data{Value: "dark"}) {
		t.Fatalf("settings not carried: %#v", reg.clients["client_1"])
	}

	res, err := api.Invoke(ctx, "client_1", "ping", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res != (schema.Data{Value: "pong"}) {
		t.Fatalf("unexpected result %#v", res)
	}

	res, err = api.Invoke(ctx, "client_1", "count", []schema.Entity{schema.Data{Value: 1.0}, schema.Data{}})
	if err != nil || res != (schema.Data{Value: 2.0}) {
		t.Fatalf("count: res=%#v err=%v", res, err)
	}

	res, err = api.Invoke(ctx, "client_1", "void", nil)
	if err != nil || res != nil {
		t.Fatalf("void: res=%#v err=%v", res, err)
	}
}

func TestInvokeUnknownClient(t *testing.T) {
	testlog.Start(t)
	reg := newMemRegistry()
	_, clientConn := connect(t, serverHandlers(reg).Methods(), ClientHandlers{}.Methods())
	_, err := NewServerAPI(clientConn).Invoke(context.Background(), "client_404", "ping", nil)
	if !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound across the wire, got %v", err)
	}
	var remote *channel.RemoteError
	if !errors.As(err, &remote) || remote.Method != MethodInvoke {
		t.Fatalf("expected RemoteError for invoke, got %#v", err)
	}
}

func TestCloseRemovesClient(t *testing.T) {
	testlog.Start(t)
	reg := newMemRegistry()
	_, clientConn := connect(t, serverHandlers(reg).Methods(), ClientHandlers{}.Methods())
	api := NewServerAPI(clientConn)
	ctx := context.Background()
	if _, err := api.Open(ctx, NewClientRecord("client_1", nil)); err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, err := api.Close(ctx, "client_1")
	if err != nil || !ok {
		t.Fatalf("close: ok=%v err=%v", ok, err)
	}
	if _, err := api.Invoke(ctx, "client_1", "ping", nil); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound after close, got %v", err)
	}
}

func TestOpenRejectsInvalidRecord(t *testing.T) {
	testlog.Start(t)
	_, err := NewServerAPI(nil).Open(context.Background(), ClientRecord{})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	rec := NewClientRecord("client_1", schema.Callback{Source: "client_1"})
	if err := rec.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for bad settings, got %v", err)
	}
}

func TestServerInitiatedPullDedups(t *testing.T) {
	testlog.Start(t)
	reg := newMemRegistry()
	reg.Add("client_1", nil)
	clientSide := ClientHandlers{
		Open: func(ctx context.Context) ([]ClientRecord, error) {
			return []ClientRecord{
				NewClientRecord("client_1", nil),
				NewClientRecord("client_2", schema.Data{Value: "s"}),
				{ClientID: " "},
			}, nil
		},
	}
	serverConn, _ := connect(t, serverHandlers(reg).Methods(), clientSide.Methods())

	added, err := PullClients(context.Background(), NewClientAPI(serverConn), reg)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(added) != 1 || added[0] != "client_2" {
		t.Fatalf("unexpected added ids %v", added)
	}
	if reg.clients["client_2"] != (schema.Data{Value: "s"}) {
		t.Fatalf("settings not registered: %#v", reg.clients["client_2"])
	}

	again, err := PullClients(context.Background(), NewClientAPI(serverConn), reg)
	if err != nil || len(again) != 0 {
		t.Fatalf("second pull should add nothing: %v %v", again, err)
	}
}

func TestPullWithNoClients(t *testing.T) {
	testlog.Start(t)
	reg := newMemRegistry()
	serverConn, _ := connect(t, serverHandlers(reg).Methods(), ClientHandlers{}.Methods())
	added, err := PullClients(context.Background(), NewClientAPI(serverConn), reg)
	if err != nil || len(added) != 0 {
		t.Fatalf("expected empty pull, got %v %v", added, err)
	}
}

func TestCallbackSurface(t *testing.T) {
	testlog.Start(t)
	var seen []schema.Entity
	clientSide := ClientHandlers{
		Callback: func(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
			if cb.Source != "client_1" {
				return nil, errors.New("wrong source")
			}
			seen = args
			return schema.Data{Value: "done"}, nil
		},
	}
	serverConn, clientConn := connect(t, ServerHandlers{}.Methods(), clientSide.Methods())
	ctx := context.Background()

	cb := schema.Callback{Source: "client_1", Ref: "__xf_ref_1"}
	res, err := NewClientAPI(serverConn).Callback(ctx, cb, []schema.Entity{schema.Data{Value: "x"}})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res != (schema.Data{Value: "done"}) || len(seen) != 1 {
		t.Fatalf("unexpected callback result=%#v seen=%#v", res, seen)
	}

	_, err = NewServerAPI(clientConn).Callback(ctx, schema.Callback{Source: "server", Ref: "__xf_ref_1"}, nil)
	if !errors.Is(err, ErrNoResolver) {
		t.Fatalf("expected ErrNoResolver, got %v", err)
	}
	_, err = NewServerAPI(clientConn).Invoke(ctx, "client_1", "ping", nil)
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
