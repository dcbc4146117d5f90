// Package value implements the CLASP Value tagged variant (§3): null,
// bool, int64, float64, string, byte-blob, ordered array, and string-keyed
// map, with structural comparison and equality.
//
// Modeled as a tagged struct with an exhaustive Kind switch rather than an
// interface hierarchy, to keep the hot decode/apply path allocation-light
// and branch-predictable (§9 Design Notes: "avoid virtual dispatch for
// hot-path decode/apply").
package value

import (
	"bytes"
	"fmt"
)

// Kind identifies which variant of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBlob
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the CLASP wire value types.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	blob   []byte
	arr    []Value
	object map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int64 wraps an int64.
func Int64(i int64) Value { return Value{kind: KindInt64, i: i} }

// Float64 wraps a float64.
func Float64(f float64) Value { return Value{kind: KindFloat64, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Blob wraps a byte slice. The slice is not copied; callers must treat it
// as immutable once wrapped.
func Blob(b []byte) Value { return Value{kind: KindBlob, blob: b} }

// Array wraps an ordered slice of Values.
func Array(items []Value) Value { return Value{kind: KindArray, arr: items} }

// Map wraps a string-keyed map of Values.
func Map(m map[string]Value) Value { return Value{kind: KindMap, object: m} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the bool payload and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt64 returns the int64 payload and whether v is an int64.
func (v Value) AsInt64() (int64, bool) { return v.i, v.kind == KindInt64 }

// AsFloat64 returns the float64 payload and whether v is a float64.
func (v Value) AsFloat64() (float64, bool) { return v.f, v.kind == KindFloat64 }

// AsString returns the string payload and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBlob returns the blob payload and whether v is a blob.
func (v Value) AsBlob() ([]byte, bool) { return v.blob, v.kind == KindBlob }

// AsArray returns the array payload and whether v is an array.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsMap returns the map payload and whether v is a map.
func (v Value) AsMap() (map[string]Value, bool) { return v.object, v.kind == KindMap }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Equal reports structural equality between a and b, per §3
// ("Comparison and equality are structural").
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt64:
		return a.i == b.i
	case KindFloat64:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBlob:
		return bytes.Equal(a.blob, b.blob)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.object) != len(b.object) {
			return false
		}
		for k, av := range a.object {
			bv, ok := b.object[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// NumericDelta returns the absolute difference between two numeric
// (int64 or float64) values, used by the Dispatcher's epsilon-suppression
// (§4.5.4). ok is false when either value is non-numeric.
func NumericDelta(a, b Value) (delta float64, ok bool) {
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if !aok || !bok {
		return 0, false
	}
	d := af - bf
	if d < 0 {
		d = -d
	}
	return d, true
}

func numeric(v Value) (float64, bool) {
	switch v.kind {
	case KindInt64:
		return float64(v.i), true
	case KindFloat64:
		return v.f, true
	default:
		return 0, false
	}
}

// GoString renders v for debugging/logging.
func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.blob))
	case KindArray:
		return fmt.Sprintf("array(%d items)", len(v.arr))
	case KindMap:
		return fmt.Sprintf("map(%d keys)", len(v.object))
	default:
		return "<invalid value>"
	}
}
