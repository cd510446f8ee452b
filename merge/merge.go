// Package merge implements the deterministic deep merge used to fold the
// capability contributions of several plugins into a single instance.
//
// The rules are shape based and work on any Go value via reflection:
//
//   - structs, pointers to structs and string keyed maps are composite
//     objects and are merged member by member
//   - two funcs of the same signature are composed: the merged func calls
//     a then b with the same arguments and deep-merges their results
//   - two slices are concatenated, two strings are concatenated
//   - anything else is replaced by b
//
// A zero struct field or top level value on the right hand side counts as
// "not contributed" and keeps the left value. Map keys are different: a key
// present in b always wins, zero or not. Merge is associative for slices,
// strings and composite objects but it is not commutative.
package merge

import (
	"reflect"
)

var errorType = reflect.TypeFor[error]()

// Merge returns the deep merge of b into a. Neither argument is modified.
func Merge[T any](a, b T) T {
	va := reflect.ValueOf(&a).Elem()
	vb := reflect.ValueOf(&b).Elem()

	out := reflect.New(va.Type()).Elem()
	out.Set(value(va, vb))

	res, _ := out.Interface().(T)

	return res
}

// Fold merges values left to right. It reports false when values is empty.
// A single value is returned unchanged.
func Fold[T any](values ...T) (T, bool) {
	var zero T
	if len(values) == 0 {
		return zero, false
	}

	acc := values[0]
	for _, v := range values[1:] {
		acc = Merge(acc, v)
	}

	return acc, true
}

// value merges two values of identical static type.
func value(a, b reflect.Value) reflect.Value {
	if b.IsZero() {
		return a
	}

	if a.IsZero() {
		return b
	}

	t := a.Type()

	switch t.Kind() {
	case reflect.String:
		out := reflect.New(t).Elem()
		out.SetString(a.String() + b.String())

		return out
	case reflect.Slice:
		out := reflect.MakeSlice(t, 0, a.Len()+b.Len())
		out = reflect.AppendSlice(out, a)

		return reflect.AppendSlice(out, b)
	case reflect.Func:
		return compose(a, b)
	case reflect.Struct:
		return structs(a, b)
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return b
		}

		return maps(a, b)
	case reflect.Pointer:
		if t.Elem().Kind() != reflect.Struct {
			return b
		}

		out := reflect.New(t.Elem())
		out.Elem().Set(structs(a.Elem(), b.Elem()))

		return out
	case reflect.Interface:
		ea, eb := a.Elem(), b.Elem()
		if ea.Type() != eb.Type() {
			return b
		}

		out := reflect.New(t).Elem()
		out.Set(value(ea, eb))

		return out
	default:
		return b
	}
}

func structs(a, b reflect.Value) reflect.Value {
	t := a.Type()

	out := reflect.New(t).Elem()
	out.Set(a)

	for i := range t.NumField() {
		if !t.Field(i).IsExported() {
			continue
		}

		out.Field(i).Set(value(a.Field(i), b.Field(i)))
	}

	return out
}

func maps(a, b reflect.Value) reflect.Value {
	t := a.Type()

	out := reflect.MakeMapWithSize(t, a.Len()+b.Len())

	iter := a.MapRange()
	for iter.Next() {
		out.SetMapIndex(iter.Key(), iter.Value())
	}

	iter = b.MapRange()
	for iter.Next() {
		k, bv := iter.Key(), iter.Value()
		if av := a.MapIndex(k); av.IsValid() && !zeroEntry(bv) {
			out.SetMapIndex(k, value(av, bv))
			continue
		}

		out.SetMapIndex(k, bv)
	}

	return out
}

// zeroEntry reports whether a map value is zero, looking through
// interfaces so map[string]any{"k": false} counts as zero.
func zeroEntry(v reflect.Value) bool {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return true
		}

		v = v.Elem()
	}

	return v.IsZero()
}

// compose builds a func that calls a then b and merges their results. When
// the last result is an error and a fails, b is never called.
func compose(a, b reflect.Value) reflect.Value {
	t := a.Type()

	call := func(fn reflect.Value, args []reflect.Value) []reflect.Value {
		if t.IsVariadic() {
			return fn.CallSlice(args)
		}

		return fn.Call(args)
	}

	failed := func(res []reflect.Value) bool {
		n := len(res)
		if n == 0 || t.Out(n-1) != errorType {
			return false
		}

		return !res[n-1].IsNil()
	}

	return reflect.MakeFunc(t, func(args []reflect.Value) []reflect.Value {
		ra := call(a, args)
		if failed(ra) {
			return ra
		}

		rb := call(b, args)
		if failed(rb) {
			return rb
		}

		out := make([]reflect.Value, len(ra))
		for i := range ra {
			if t.Out(i) == errorType {
				out[i] = reflect.Zero(errorType)
				continue
			}

			out[i] = value(ra[i], rb[i])
		}

		return out
	})
}
