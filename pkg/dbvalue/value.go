// Package dbvalue defines the neutral value domain shared by every backend
// adapter: typed scalar values, named parameter bundles, and read-only rows.
package dbvalue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the concrete type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindTimestamp
	KindUUID
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	case KindUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// Value is a tagged variant covering the cross-backend value domain. Every
// wire value an adapter reads maps to exactly one Kind; driver types with no
// natural mapping fall back to a string rendering.
type Value struct {
	kind Kind
	v    any
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, v: b} }

// Int32 wraps a 32-bit signed integer.
func Int32(i int32) Value { return Value{kind: KindInt32, v: i} }

// Int64 wraps a 64-bit signed integer.
func Int64(i int64) Value { return Value{kind: KindInt64, v: i} }

// Float32 wraps a 32-bit float.
func Float32(f float32) Value { return Value{kind: KindFloat32, v: f} }

// Float64 wraps a 64-bit float.
func Float64(f float64) Value { return Value{kind: KindFloat64, v: f} }

// String wraps a text value.
func String(s string) Value { return Value{kind: KindString, v: s} }

// Bytes wraps a binary blob. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, v: b} }

// Timestamp wraps an instant, normalized to UTC at millisecond precision.
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, v: t.UTC().Truncate(time.Millisecond)}
}

// UUID wraps a UUID.
func UUID(u uuid.UUID) Value { return Value{kind: KindUUID, v: u} }

// FromAny maps an arbitrary driver-level value into the value domain.
// Unknown types are rendered as text, the last-resort mapping.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int64(int64(x))
	case int32:
		return Int32(x)
	case int64:
		return Int64(x)
	case float32:
		return Float32(x)
	case float64:
		return Float64(x)
	case string:
		return String(x)
	case []byte:
		return Bytes(x)
	case time.Time:
		return Timestamp(x)
	case uuid.UUID:
		return UUID(x)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// Kind reports the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Interface returns the wrapped Go value (nil for null). This is the form
// handed to drivers when binding parameters.
func (v Value) Interface() any { return v.v }

// BoolValue returns the wrapped bool; ok is false for any other kind.
func (v Value) BoolValue() (b bool, ok bool) {
	b, ok = v.v.(bool)
	return b, ok
}

// Int64Value returns the wrapped integer widened to 64 bits; ok is false for
// non-integer kinds.
func (v Value) Int64Value() (int64, bool) {
	switch x := v.v.(type) {
	case int32:
		return int64(x), true
	case int64:
		return x, true
	}
	return 0, false
}

// Float64Value returns the wrapped float widened to 64 bits; ok is false for
// non-float kinds.
func (v Value) Float64Value() (float64, bool) {
	switch x := v.v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// StringValue returns the wrapped text; ok is false for any other kind.
func (v Value) StringValue() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

// BytesValue returns the wrapped blob; ok is false for any other kind.
func (v Value) BytesValue() ([]byte, bool) {
	b, ok := v.v.([]byte)
	return b, ok
}

// TimeValue returns the wrapped instant; ok is false for any other kind.
func (v Value) TimeValue() (time.Time, bool) {
	t, ok := v.v.(time.Time)
	return t, ok
}

// UUIDValue returns the wrapped UUID; ok is false for any other kind.
func (v Value) UUIDValue() (uuid.UUID, bool) {
	u, ok := v.v.(uuid.UUID)
	return u, ok
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "NULL"
	}
	return fmt.Sprintf("%v", v.v)
}

// Params is a parameter bundle: a mapping from unique parameter name to
// value. Named binding is the adapter contract; positional binding is an
// adapter-internal detail.
type Params map[string]Value
