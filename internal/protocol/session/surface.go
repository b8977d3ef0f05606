package session

import (
	"context"
	"fmt"

	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// CallbackResolver runs a callback owned by the local side with arguments
// sent by the peer.
type CallbackResolver func(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error)

// ServerHandlers implement the server-facing surface.
type ServerHandlers struct {
	Open     func(ctx context.Context, rec ClientRecord) (bool, error)
	Close    func(ctx context.Context, clientID string) (bool, error)
	Invoke   func(ctx context.Context, clientID, method string, args []schema.Entity) (schema.Entity, error)
	Callback CallbackResolver
}

// Methods binds the handlers to channel method names.
func (h ServerHandlers) Methods() map[string]channel.Handler {
	return map[string]channel.Handler{
		MethodOpen: func(ctx context.Context, args channel.Args) (any, error) {
			if h.Open == nil {
				return nil, fmt.Errorf("%w: server %s", ErrNotImplemented, MethodOpen)
			}
			var rec ClientRecord
			if err := args.Decode(0, &rec); err != nil {
				return nil, err
			}
			if err := rec.Validate(); err != nil {
				return nil, err
			}
			return h.Open(ctx, rec)
		},
		MethodClose: func(ctx context.Context, args channel.Args) (any, error) {
			if h.Close == nil {
				return nil, fmt.Errorf("%w: server %s", ErrNotImplemented, MethodClose)
			}
			var id string
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			return h.Close(ctx, id)
		},
		MethodInvoke: func(ctx context.Context, args channel.Args) (any, error) {
			if h.Invoke == nil {
				return nil, fmt.Errorf("%w: server %s", ErrNotImplemented, MethodInvoke)
			}
			var (
				id, method string
				params     []schema.Wire
			)
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &method); err != nil {
				return nil, err
			}
			if args.Len() > 2 {
				if err := args.Decode(2, &params); err != nil {
					return nil, err
				}
			}
			ents := schema.UnwrapAll(params)
			if err := validateArgs(ents); err != nil {
				return nil, err
			}
			result, err := h.Invoke(ctx, id, method, ents)
			if err != nil {
				return nil, err
			}
			return schema.Wire{Entity: result}, nil
		},
		MethodCallback: callbackHandler(h.Callback),
	}
}

// ClientHandlers implement the client-facing surface.
type ClientHandlers struct {
	Open     func(ctx context.Context) ([]ClientRecord, error)
	Close    func(ctx context.Context, clientID string) error
	Callback CallbackResolver
}

func (h ClientHandlers) Methods() map[string]channel.Handler {
	return map[string]channel.Handler{
		MethodOpen: func(ctx context.Context, args channel.Args) (any, error) {
			if h.Open == nil {
				return []ClientRecord{}, nil
			}
			recs, err := h.Open(ctx)
			if err != nil {
				return nil, err
			}
			if recs == nil {
				recs = []ClientRecord{}
			}
			return recs, nil
		},
		MethodClose: func(ctx context.Context, args channel.Args) (any, error) {
			if h.Close == nil {
				return nil, fmt.Errorf("%w: client %s", ErrNotImplemented, MethodClose)
			}
			var id string
			if err := args.Decode(0, &id); err != nil {
				return nil, err
			}
			return nil, h.Close(ctx, id)
		},
		MethodCallback: callbackHandler(h.Callback),
	}
}

func callbackHandler(resolve CallbackResolver) channel.Handler {
	return func(ctx context.Context, args channel.Args) (any, error) {
		if resolve == nil {
			return nil, ErrNoResolver
		}
		var (
			wire   schema.Wire
			params []schema.Wire
		)
		if err := args.Decode(0, &wire); err != nil {
			return nil, err
		}
		cb, ok := wire.Entity.(schema.Callback)
		if !ok {
			return nil, fmt.Errorf("%w: expected callback entity, got %T", ErrInvalidArgument, wire.Entity)
		}
		if err := validateCallback(cb); err != nil {
			return nil, err
		}
		if args.Len() > 1 {
			if err := args.Decode(1, &params); err != nil {
				return nil, err
			}
		}
		ents := schema.UnwrapAll(params)
		if err := validateArgs(ents); err != nil {
			return nil, err
		}
		log.Debug().Msgf("session.callback source=%s ref=%s args=%d", cb.Source, cb.Ref, len(ents))
		result, err := resolve(ctx, cb, ents)
		if err != nil {
			return nil, err
		}
		return schema.Wire{Entity: result}, nil
	}
}
