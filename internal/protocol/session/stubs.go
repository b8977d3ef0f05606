package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// Caller is the outbound half of a channel.Conn.
type Caller interface {
	CallInto(ctx context.Context, out any, method string, args ...any) error
}

// ServerAPI calls the server-facing surface from the client side.
type ServerAPI struct {
	conn Caller
}

func NewServerAPI(conn Caller) ServerAPI {
	return ServerAPI{conn: conn}
}

func (s ServerAPI) Open(ctx context.Context, rec ClientRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	var ok bool
	err := s.conn.CallInto(ctx, &ok, MethodOpen, rec)
	return ok, err
}

func (s ServerAPI) Close(ctx context.Context, clientID string) (bool, error) {
	var ok bool
	err := s.conn.CallInto(ctx, &ok, MethodClose, clientID)
	return ok, err
}

// Invoke runs method on the server for clientID. A method without a
// return value yields a nil entity.
func (s ServerAPI) Invoke(ctx context.Context, clientID, method string, args []schema.Entity) (schema.Entity, error) {
	var out schema.Wire
	if err := s.conn.CallInto(ctx, &out, MethodInvoke, clientID, method, schema.WrapAll(args)); err != nil {
		return nil, err
	}
	return out.Entity, nil
}

// Callback runs a server-owned callback.
func (s ServerAPI) Callback(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
	return callCallback(ctx, s.conn, cb, args)
}

// ClientAPI calls the client-facing surface from the server side.
type ClientAPI struct {
	conn Caller
}

func NewClientAPI(conn Caller) ClientAPI {
	return ClientAPI{conn: conn}
}

func (c ClientAPI) Open(ctx context.Context) ([]ClientRecord, error) {
	var recs []ClientRecord
	if err := c.conn.CallInto(ctx, &recs, MethodOpen); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c ClientAPI) Close(ctx context.Context, clientID string) error {
	return c.conn.CallInto(ctx, nil, MethodClose, clientID)
}

// Callback runs a client-owned callback.
func (c ClientAPI) Callback(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
	return callCallback(ctx, c.conn, cb, args)
}

func callCallback(ctx context.Context, conn Caller, cb schema.Callback, args []schema.Entity) (schema.Entity, error) {
	var out schema.Wire
	if err := conn.CallInto(ctx, &out, MethodCallback, schema.Wire{Entity: cb}, schema.WrapAll(args)); err != nil {
		return nil, err
	}
	return out.Entity, nil
}

// Registry is the server's view of registered clients.
type Registry interface {
	Has(clientID string) bool
	Add(clientID string, settings schema.Entity) bool
}

// PullClients is the server-initiated handshake: it asks the client side
// for its records and registers the ones not seen yet. Invalid records are
// skipped.
func PullClients(ctx context.Context, api ClientAPI, reg Registry) ([]string, error) {
	recs, err := api.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: pull clients: %w", err)
	}
	added := make([]string, 0, len(recs))
	var invalid error
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			invalid = errors.Join(invalid, err)
			continue
		}
		if reg.Has(rec.ClientID) {
			continue
		}
		if reg.Add(rec.ClientID, rec.SettingsEntity()) {
			added = append(added, rec.ClientID)
		}
	}
	if invalid != nil {
		log.Warn().Msgf("session.PullClients skipped invalid records err=%v", invalid)
	}
	log.Debug().Msgf("session.PullClients offered=%d added=%d", len(recs), len(added))
	return added, nil
}
