package transportable

import (
	"reflect"
	"strconv"
	"unsafe"
)

// RefPrefix namespaces every reference id handed out by an engine.
const RefPrefix = "__xf_ref_"

type addrKey struct {
	typ  reflect.Type
	addr uintptr
	len  int
}

// identityOf returns a map key that is equal for the same live value and
// distinct for distinct values. ok is false when v has no usable identity
// (for example a struct holding a slice); such values get a fresh id each time.
func identityOf(v any) (key any, ok bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		// A func value's data word points at its closure record, which is
		// distinct per closure instance; reflect.Value.Pointer only yields
		// the code address.
		return addrKey{typ: rv.Type(), addr: uintptr(eface(v).data)}, true
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return addrKey{typ: rv.Type(), addr: rv.Pointer()}, true
	case reflect.Slice:
		return addrKey{typ: rv.Type(), addr: rv.Pointer(), len: rv.Len()}, true
	}
	if rv.IsValid() && rv.Comparable() {
		return v, true
	}
	return nil, false
}

type emptyInterface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

func eface(v any) emptyInterface {
	return *(*emptyInterface)(unsafe.Pointer(&v))
}

func formatID(n uint64) string {
	return RefPrefix + strconv.FormatUint(n, 10)
}
