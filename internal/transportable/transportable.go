// Package transportable owns one endpoint's reference table and the
// conversion of live values to and from schema entities.
//
// Ownership boundary:
// - reference id allocation, deduplicated by value identity
// - resolution of own references back to live values
// - proxies for functions and objects owned by the other side
package transportable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/xframe/internal/protocol/schema"
	"github.com/danmuck/xframe/internal/token"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidReference  = errors.New("transportable: invalid reference")
	ErrForeignReference  = errors.New("transportable: reference owned by another environment")
	ErrNoInvoker         = errors.New("transportable: no remote callback invoker")
	ErrUnknownSchemaType = schema.ErrUnknownType
)

// Invoker performs the cross-boundary call that runs a callback owned by
// the other side.
type Invoker func(ctx context.Context, cb schema.Callback, args []schema.Entity) (schema.Entity, error)

// Resolved runs a local callback with schema arguments and returns its
// result as schema.
type Resolved func(ctx context.Context, args []schema.Entity) (schema.Entity, error)

// RemoteRef stands in for an object owned by another environment. It can be
// held, compared and passed along, but it has nothing to read.
type RemoteRef struct {
	source string
	ref    string
}

// Entity sends the handle back to its owner as the same reference.
func (r RemoteRef) Entity() schema.Entity {
	return schema.Ref{Source: r.source, Ref: r.ref}
}

func (r RemoteRef) String() string {
	return fmt.Sprintf("remote-ref(%s/%s)", r.source, r.ref)
}

// Engine is one endpoint's transport engine. It is safe for concurrent use.
type Engine struct {
	name   string
	invoke Invoker

	mu    sync.Mutex
	seq   uint64
	byID  map[string]any
	byKey map[any]string
}

func New(name string, invoke Invoker) *Engine {
	return &Engine{
		name:   name,
		invoke: invoke,
		byID:   make(map[string]any),
		byKey:  make(map[any]string),
	}
}

// Name is the environment name stamped on every reference this engine creates.
func (e *Engine) Name() string {
	return e.name
}

// Allocate returns the reference id for v, reusing the id already given to
// the same value.
func (e *Engine) Allocate(v any) string {
	key, ok := identityOf(v)
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		if id, found := e.byKey[key]; found {
			return id
		}
	}
	e.seq++
	id := formatID(e.seq)
	e.byID[id] = v
	if ok {
		e.byKey[key] = id
	}
	log.Debug().Msgf("transportable.Allocate env=%s ref=%s type=%T", e.name, id, v)
	return id
}

// Lookup returns the live value behind one of this engine's ids.
func (e *Engine) Lookup(id string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.byID[id]
	return v, ok
}

// Revoke drops id from the table. Later resolutions of id fail with
// ErrInvalidReference; converting the same value again allocates a new id.
func (e *Engine) Revoke(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.byID[id]
	if !ok {
		return false
	}
	delete(e.byID, id)
	if key, ok := identityOf(v); ok && e.byKey[key] == id {
		delete(e.byKey, key)
	}
	return true
}

// Len is the number of live references.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// CreateEntity converts v; a token.Token brings its own rules.
func (e *Engine) CreateEntity(ctx context.Context, v any) (schema.Entity, error) {
	switch t := v.(type) {
	case token.Token:
		return token.ToEntity(ctx, t.Value, t.Rules, e)
	case *token.Token:
		if t != nil {
			return token.ToEntity(ctx, t.Value, t.Rules, e)
		}
	}
	return token.ToEntity(ctx, v, nil, e)
}

// CreateEntities converts call arguments in order.
func (e *Engine) CreateEntities(ctx context.Context, values []any) ([]schema.Entity, error) {
	out := make([]schema.Entity, len(values))
	for i, v := range values {
		ent, err := e.CreateEntity(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = ent
	}
	return out, nil
}

// ParseEntity rebuilds a local value. Own references resolve to the original
// value; foreign callbacks become token.Func proxies and foreign objects
// become RemoteRef handles.
func (e *Engine) ParseEntity(ent schema.Entity) (any, error) {
	switch v := ent.(type) {
	case nil:
		return nil, nil
	case schema.Data:
		return v.Value, nil
	case schema.Array:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			parsed, err := e.ParseEntity(item)
			if err != nil {
				return nil, err
			}
			out[i] = parsed
		}
		return out, nil
	case schema.Map:
		out := make(map[string]any, len(v.Fields))
		for key, field := range v.Fields {
			parsed, err := e.ParseEntity(field)
			if err != nil {
				return nil, err
			}
			out[key] = parsed
		}
		return out, nil
	case schema.Callback:
		if v.Source == e.name {
			return e.resolveOwn(v.Ref)
		}
		return e.proxy(v), nil
	case schema.Ref:
		if v.Source == e.name {
			return e.resolveOwn(v.Ref)
		}
		return RemoteRef{source: v.Source, ref: v.Ref}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSchemaType, ent)
	}
}

// ParseEntities parses call arguments in order.
func (e *Engine) ParseEntities(ents []schema.Entity) ([]any, error) {
	out := make([]any, len(ents))
	for i, ent := range ents {
		v, err := e.ParseEntity(ent)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// ResolveCallback binds a callback this engine owns so the other side can run it.
func (e *Engine) ResolveCallback(cb schema.Callback) (Resolved, error) {
	if cb.Source != e.name {
		return nil, fmt.Errorf("%w: source=%q env=%q", ErrForeignReference, cb.Source, e.name)
	}
	fn, err := e.resolveOwn(cb.Ref)
	if err != nil {
		return nil, err
	}
	if !token.IsCallable(fn) {
		return nil, fmt.Errorf("%w: %s is not a function", ErrInvalidReference, cb.Ref)
	}
	return func(ctx context.Context, args []schema.Entity) (schema.Entity, error) {
		parsed, err := e.ParseEntities(args)
		if err != nil {
			return nil, err
		}
		result, err := token.Call(ctx, fn, parsed)
		if err != nil {
			return nil, err
		}
		return e.CreateEntity(ctx, result)
	}, nil
}

func (e *Engine) resolveOwn(id string) (any, error) {
	v, ok := e.Lookup(id)
	if !ok {
		log.Warn().Msgf("transportable.resolve unknown ref env=%s ref=%s", e.name, id)
		return nil, fmt.Errorf("%w: %s", ErrInvalidReference, id)
	}
	return v, nil
}

func (e *Engine) proxy(cb schema.Callback) token.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		if e.invoke == nil {
			return nil, ErrNoInvoker
		}
		ents, err := e.CreateEntities(ctx, args)
		if err != nil {
			return nil, err
		}
		result, err := e.invoke(ctx, cb, ents)
		if err != nil {
			return nil, err
		}
		return e.ParseEntity(result)
	}
}
