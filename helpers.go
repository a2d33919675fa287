package zrel

import (
	"fmt"
	"reflect"
	"strings"
)

// compareIDs compares two key values, handling type conversions (int vs int64, etc.)
func compareIDs(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return normalizeKey(a) == normalizeKey(b)
}

// normalizeKey maps a key value onto a comparable canonical form so that
// values read from Go structs (int) and from drivers (int64, []byte)
// collide in maps. Signed and unsigned integers share the int64 space
// when the value fits.
func normalizeKey(v any) any {
	if v == nil {
		return nil
	}

	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Pointer {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}

	switch {
	case isInteger(val.Kind()):
		return val.Int()
	case isUint(val.Kind()):
		u := val.Uint()
		if u <= 1<<63-1 {
			return int64(u)
		}
		return u
	case isFloat(val.Kind()):
		f := val.Float()
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case val.Kind() == reflect.String:
		return val.String()
	case val.Kind() == reflect.Slice && val.Type().Elem().Kind() == reflect.Uint8:
		return string(val.Bytes())
	}

	if val.Type().Comparable() {
		return val.Interface()
	}
	return fmt.Sprintf("%v", val.Interface())
}

// compositeKey joins several normalized values into one map key.
// The type prefix keeps 1 and "1" apart.
func compositeKey(values ...any) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(0)
		}
		n := normalizeKey(v)
		fmt.Fprintf(&sb, "%T:%v", n, n)
	}
	return sb.String()
}

func isInteger(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
