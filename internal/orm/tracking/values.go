package tracking

import (
	"bytes"
	"reflect"
	"time"
)

// deepCopyValue copies maps, slices, pointers and exported struct fields
// recursively while preserving their types, so a copied []string still
// compares equal to the original. Unexported struct fields are copied
// shallowly; shared pointers stay shared inside the copy.
func deepCopyValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return copyReflect(reflect.ValueOf(v), make(map[uintptr]reflect.Value)).Interface()
}

func copyReflect(val reflect.Value, seen map[uintptr]reflect.Value) reflect.Value {
	switch val.Kind() {
	case reflect.Pointer:
		if val.IsNil() {
			return val
		}
		if c, ok := seen[val.Pointer()]; ok {
			return c
		}
		out := reflect.New(val.Type().Elem())
		seen[val.Pointer()] = out
		out.Elem().Set(copyReflect(val.Elem(), seen))
		return out
	case reflect.Struct:
		out := reflect.New(val.Type()).Elem()
		out.Set(val)
		for i := 0; i < val.NumField(); i++ {
			if f := out.Field(i); f.CanSet() {
				f.Set(copyReflect(val.Field(i), seen))
			}
		}
		return out
	case reflect.Slice:
		if val.IsNil() {
			return val
		}
		out := reflect.MakeSlice(val.Type(), val.Len(), val.Len())
		for i := 0; i < val.Len(); i++ {
			out.Index(i).Set(copyReflect(val.Index(i), seen))
		}
		return out
	case reflect.Map:
		if val.IsNil() {
			return val
		}
		out := reflect.MakeMapWithSize(val.Type(), val.Len())
		iter := val.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyReflect(iter.Value(), seen))
		}
		return out
	case reflect.Interface:
		if val.IsNil() {
			return val
		}
		inner := copyReflect(val.Elem(), seen)
		out := reflect.New(val.Type()).Elem()
		out.Set(inner)
		return out
	default:
		return val
	}
}

// valuesEqual compares by value. Integers of different widths compare by
// numeric value, times with time.Time.Equal; there is no float tolerance.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	}

	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return ai == bi
		}
	}
	if au, ok := asUint(a); ok {
		if bu, ok := asUint(b); ok {
			return au == bu
		}
	}

	return reflect.DeepEqual(a, b)
}

func asInt(v interface{}) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > 1<<63-1 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

func asUint(v interface{}) (uint64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	}
	return 0, false
}
