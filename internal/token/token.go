// Package token converts Go values to and from their schema form.
//
// Without rules a value is inspected: primitives, byte slices, lists,
// string-keyed maps and struct values whose exported fields are all
// transmissible travel as data. Functions become callbacks. Pointers and any
// other value become opaque references owned by the sending side, so a
// *T reaches the peer as a handle while a T arrives as a decoded map.
package token

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/danmuck/xframe/internal/protocol/schema"
)

var (
	ErrPathNotFound  = errors.New("token: rule path not found")
	ErrNotStructural = errors.New("token: value is not a container")
	ErrRuleConflict  = errors.New("token: rule conflicts with an earlier rule")
	ErrUnknownRule   = errors.New("token: unknown rule type")
)

// Env is the converting environment: its name becomes the Source of every
// reference, and Allocate hands out the reference id for a local value.
type Env interface {
	Name() string
	Allocate(v any) string
}

// ToEntity converts v into its schema form. With rules, only the declared
// paths get non-data treatment; without rules the value is inspected.
func ToEntity(ctx context.Context, v any, rules []Rule, env Env) (schema.Entity, error) {
	if len(rules) == 0 {
		return inspect(ctx, v, env)
	}
	if p, ok := v.(Pending); ok {
		settled, err := p.Await(ctx)
		if err != nil {
			return nil, err
		}
		v = settled
	}
	for _, r := range rules {
		if !knownRule(r.Type) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, r.Type)
		}
	}

	root := skeleton(v)
	for _, typ := range ruleOrder {
		for _, r := range rules {
			if r.Type != typ {
				continue
			}
			for _, path := range r.Paths {
				next, err := apply(root, path, path, typ, env)
				if err != nil {
					return nil, err
				}
				root = next
			}
		}
	}
	return root, nil
}

func knownRule(t RuleType) bool {
	for _, k := range ruleOrder {
		if k == t {
			return true
		}
	}
	return false
}

// skeleton turns a container into one level of structure with data leaves.
// Non-containers stay data.
func skeleton(v any) schema.Entity {
	rv := reflect.ValueOf(v)
	switch {
	case isList(rv):
		items := make([]schema.Entity, rv.Len())
		for i := range items {
			items[i] = schema.Data{Value: rv.Index(i).Interface()}
		}
		return schema.Array{Items: items}
	case isObject(rv):
		fields := make(map[string]schema.Entity, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			fields[iter.Key().String()] = schema.Data{Value: iter.Value().Interface()}
		}
		return schema.Map{Fields: fields}
	default:
		return schema.Data{Value: v}
	}
}

func structure(node schema.Entity) schema.Entity {
	if d, ok := node.(schema.Data); ok {
		return skeleton(d.Value)
	}
	return node
}

func apply(node schema.Entity, rest, full Path, typ RuleType, env Env) (schema.Entity, error) {
	if len(rest) == 0 {
		return convert(node, full, typ, env)
	}
	step := rest[0]
	switch n := structure(node).(type) {
	case schema.Array:
		i, ok := step.Position()
		if !ok || i < 0 || i >= len(n.Items) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, full)
		}
		child, err := apply(n.Items[i], rest[1:], full, typ, env)
		if err != nil {
			return nil, err
		}
		n.Items[i] = child
		return n, nil
	case schema.Map:
		key := step.Key()
		current, ok := n.Fields[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, full)
		}
		child, err := apply(current, rest[1:], full, typ, env)
		if err != nil {
			return nil, err
		}
		n.Fields[key] = child
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, full)
	}
}

func convert(node schema.Entity, path Path, typ RuleType, env Env) (schema.Entity, error) {
	switch typ {
	case RuleCallback:
		switch n := node.(type) {
		case schema.Callback:
			return n, nil
		case schema.Data:
			if !IsCallable(n.Value) {
				return nil, fmt.Errorf("%w: %s holds %T", ErrNotCallable, path, n.Value)
			}
			return schema.Callback{Source: env.Name(), Ref: env.Allocate(n.Value)}, nil
		}
	case RuleRef:
		switch n := node.(type) {
		case schema.Ref:
			return n, nil
		case schema.Data:
			return schema.Ref{Source: env.Name(), Ref: env.Allocate(n.Value)}, nil
		}
	case RuleMap:
		switch n := structure(node).(type) {
		case schema.Map:
			return n, nil
		case schema.Array:
			fields := make(map[string]schema.Entity, len(n.Items))
			for i, item := range n.Items {
				fields[strconv.Itoa(i)] = item
			}
			return schema.Map{Fields: fields}, nil
		case schema.Data:
			return nil, fmt.Errorf("%w: %s holds %T", ErrNotStructural, path, n.Value)
		}
	case RuleArray:
		switch n := structure(node).(type) {
		case schema.Array:
			return n, nil
		case schema.Map:
			return nil, fmt.Errorf("%w: %s is a map", ErrNotStructural, path)
		case schema.Data:
			return nil, fmt.Errorf("%w: %s holds %T", ErrNotStructural, path, n.Value)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, typ)
	}
	return nil, fmt.Errorf("%w: %s rule at %s meets %s", ErrRuleConflict, typ, path, node.Kind())
}

// Handle is a value that already has a schema form, such as a handle to an
// object the peer owns. It is sent as that form unchanged.
type Handle interface {
	Entity() schema.Entity
}

// inspect converts without rules.
func inspect(ctx context.Context, v any, env Env) (schema.Entity, error) {
	switch x := v.(type) {
	case nil:
		return schema.Data{}, nil
	case schema.Entity:
		return x, nil
	case Handle:
		return x.Entity(), nil
	case Token:
		return ToEntity(ctx, x.Value, x.Rules, env)
	case *Token:
		if x == nil {
			return schema.Data{}, nil
		}
		return ToEntity(ctx, x.Value, x.Rules, env)
	case Func:
		if x == nil {
			return schema.Data{}, nil
		}
		return schema.Callback{Source: env.Name(), Ref: env.Allocate(x)}, nil
	case Pending:
		settled, err := x.Await(ctx)
		if err != nil {
			return nil, err
		}
		return inspect(ctx, settled, env)
	case string, bool, []byte:
		return schema.Data{Value: v}, nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case isPrimitive(rv.Kind()):
		return schema.Data{Value: v}, nil
	case rv.Kind() == reflect.Func:
		if rv.IsNil() {
			return schema.Data{}, nil
		}
		return schema.Callback{Source: env.Name(), Ref: env.Allocate(v)}, nil
	case isNilRef(rv):
		return schema.Data{}, nil
	case isList(rv):
		if Transmissible(v) {
			return schema.Data{Value: v}, nil
		}
		items := make([]schema.Entity, rv.Len())
		for i := range items {
			e, err := inspect(ctx, rv.Index(i).Interface(), env)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return schema.Array{Items: items}, nil
	case isObject(rv):
		if Transmissible(v) {
			return schema.Data{Value: v}, nil
		}
		fields := make(map[string]schema.Entity, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := inspect(ctx, iter.Value().Interface(), env)
			if err != nil {
				return nil, err
			}
			fields[iter.Key().String()] = e
		}
		return schema.Map{Fields: fields}, nil
	case rv.Kind() == reflect.Struct && Transmissible(v):
		return schema.Data{Value: v}, nil
	default:
		return schema.Ref{Source: env.Name(), Ref: env.Allocate(v)}, nil
	}
}

// Transmissible reports whether v can be sent as plain data: primitives,
// lists or string-keyed maps whose members are all transmissible, and struct
// values that marshal themselves or whose exported fields are transmissible.
func Transmissible(v any) bool {
	switch v.(type) {
	case nil, string, bool, []byte:
		return true
	case schema.Entity, Handle, Token, *Token, Func, Pending:
		return false
	}
	rv := reflect.ValueOf(v)
	switch {
	case isPrimitive(rv.Kind()):
		return true
	case isNilRef(rv):
		return true
	case isList(rv):
		for i := 0; i < rv.Len(); i++ {
			if !Transmissible(rv.Index(i).Interface()) {
				return false
			}
		}
		return true
	case isObject(rv):
		iter := rv.MapRange()
		for iter.Next() {
			if !Transmissible(iter.Value().Interface()) {
				return false
			}
		}
		return true
	case rv.Kind() == reflect.Struct:
		return structTransmissible(rv)
	default:
		return false
	}
}

var marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// structTransmissible rejects structs with no exported fields unless they
// implement json.Marshaler; those carry state JSON cannot see.
func structTransmissible(rv reflect.Value) bool {
	if rv.Type().Implements(marshalerType) {
		return true
	}
	exported := 0
	for i := 0; i < rv.NumField(); i++ {
		f := rv.Type().Field(i)
		if !f.IsExported() {
			continue
		}
		exported++
		if f.Tag.Get("json") == "-" {
			continue
		}
		if !Transmissible(rv.Field(i).Interface()) {
			return false
		}
	}
	return exported > 0
}

func isPrimitive(k reflect.Kind) bool {
	return isNumeric(k) || k == reflect.String || k == reflect.Bool
}

func isList(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Slice:
		return !rv.IsNil()
	case reflect.Array:
		return true
	}
	return false
}

func isObject(rv reflect.Value) bool {
	return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String && !rv.IsNil()
}

// isNilRef catches typed nils (nil slices, maps, pointers) which travel as null.
func isNilRef(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
