package token

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotCallable  = errors.New("token: value is not callable")
	ErrArgumentType = errors.New("token: argument type mismatch")
)

// Func is the uniform shape of a callable crossing the boundary. Functions
// received from the other side are always Funcs.
type Func func(ctx context.Context, args ...any) (any, error)

// Pending is a result that is not settled yet. Conversion awaits it and
// converts whatever it settles to.
type Pending interface {
	Await(ctx context.Context) (any, error)
}

// Future is a Pending backed by a goroutine.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// Async runs fn on its own goroutine and returns its Future.
func Async(fn func() (any, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		v, err := fn()
		f.settle(v, err)
	}()
	return f
}

// Resolved returns an already settled Future.
func Resolved(v any) *Future {
	f := &Future{done: make(chan struct{})}
	f.settle(v, nil)
	return f
}

func (f *Future) settle(v any, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// IsCallable reports whether v is a non-nil function.
func IsCallable(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Func && !rv.IsNil()
}

// Call invokes fn with args. Func values are called directly; any other Go
// function is called through reflection: a leading context.Context parameter
// receives ctx, missing arguments are zero values, extra arguments are
// dropped unless fn is variadic, and each argument is coerced to the
// parameter type (assignment, numeric conversion, then a JSON clone).
// Results may be (), (T), (error) or (T, error).
func Call(ctx context.Context, fn any, args []any) (any, error) {
	if f, ok := fn.(Func); ok {
		return f(ctx, args...)
	}
	if f, ok := fn.(func(context.Context, ...any) (any, error)); ok {
		return f(ctx, args...)
	}
	if !IsCallable(fn) {
		return nil, fmt.Errorf("%w: %T", ErrNotCallable, fn)
	}
	rv := reflect.ValueOf(fn)
	rt := rv.Type()

	offset := 0
	in := make([]reflect.Value, 0, rt.NumIn())
	if rt.NumIn() > 0 && rt.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}
	fixed := rt.NumIn() - offset
	if rt.IsVariadic() {
		fixed--
	}
	for i := 0; i < fixed; i++ {
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		v, err := coerce(arg, rt.In(offset+i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	if rt.IsVariadic() {
		elem := rt.In(rt.NumIn() - 1).Elem()
		for i := fixed; i < len(args); i++ {
			v, err := coerce(args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}

	return results(rv.Call(in))
}

func results(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if last.Type() == errorType {
			if err := asError(last); err != nil {
				return nil, err
			}
		}
		return out[0].Interface(), nil
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

func coerce(arg any, to reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(to), nil
	}
	rv := reflect.ValueOf(arg)
	if rv.Type().AssignableTo(to) {
		return rv, nil
	}
	if isNumeric(rv.Kind()) && isNumeric(to.Kind()) {
		return convertNumber(rv, to)
	}
	if to.Kind() == reflect.Func {
		if f, ok := arg.(Func); ok {
			return adaptFunc(f, to), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: %T to %s", ErrArgumentType, arg, to)
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", ErrArgumentType, arg, to, err)
	}
	ptr := reflect.New(to)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", ErrArgumentType, arg, to, err)
	}
	return ptr.Elem(), nil
}

// adaptFunc lets a remote Func satisfy a typed function parameter such as
// func(map[string]any) or func(context.Context, string) error. A remote or
// coercion error fills the error result when the signature has one and is
// logged otherwise.
func adaptFunc(f Func, to reflect.Type) reflect.Value {
	errSlot := -1
	for i := 0; i < to.NumOut(); i++ {
		if to.Out(i) == errorType {
			errSlot = i
		}
	}
	return reflect.MakeFunc(to, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		args := make([]any, 0, len(in))
		for i, v := range in {
			if i == 0 && to.In(0) == contextType {
				ctx = v.Interface().(context.Context)
				continue
			}
			if to.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}
		res, err := f(ctx, args...)
		out := make([]reflect.Value, to.NumOut())
		for i := range out {
			if i == errSlot {
				continue
			}
			t := to.Out(i)
			out[i] = reflect.Zero(t)
			if err != nil {
				continue
			}
			v, cerr := coerce(res, t)
			if cerr != nil {
				err = fmt.Errorf("result %d: %w", i, cerr)
				continue
			}
			out[i] = v
		}
		if errSlot >= 0 {
			out[errSlot] = reflect.Zero(errorType)
			if err != nil {
				out[errSlot] = reflect.ValueOf(&err).Elem()
			}
		} else if err != nil {
			log.Warn().Msgf("token.adaptFunc dropped error signature=%s err=%v", to, err)
		}
		return out
	})
}

// convertNumber refuses conversions that would change the value: fractions
// into integers, negatives into unsigned types and overflow.
func convertNumber(rv reflect.Value, to reflect.Type) (reflect.Value, error) {
	fail := func() (reflect.Value, error) {
		return reflect.Value{}, fmt.Errorf("%w: %v to %s", ErrArgumentType, rv.Interface(), to)
	}
	switch {
	case isFloat(rv.Kind()) && !isFloat(to.Kind()):
		f := rv.Float()
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return fail()
		}
		if isUnsigned(to.Kind()) {
			if f < 0 || f >= math.Ldexp(1, to.Bits()) {
				return fail()
			}
		} else if f < -math.Ldexp(1, to.Bits()-1) || f >= math.Ldexp(1, to.Bits()-1) {
			return fail()
		}
	case isUnsigned(rv.Kind()) && !isFloat(to.Kind()):
		u := rv.Uint()
		if isUnsigned(to.Kind()) {
			if reflect.Zero(to).OverflowUint(u) {
				return fail()
			}
		} else if u > math.MaxInt64 || reflect.Zero(to).OverflowInt(int64(u)) {
			return fail()
		}
	case !isFloat(rv.Kind()) && !isFloat(to.Kind()):
		i := rv.Int()
		if isUnsigned(to.Kind()) {
			if i < 0 || reflect.Zero(to).OverflowUint(uint64(i)) {
				return fail()
			}
		} else if reflect.Zero(to).OverflowInt(i) {
			return fail()
		}
	}
	return rv.Convert(to), nil
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
