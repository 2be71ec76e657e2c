package model

import (
	"encoding/json"
	"fmt"
)

// ValueKind tags the concrete type held by a Value.
type ValueKind int

const (
	// KindString holds a string value.
	KindString ValueKind = iota
	// KindInt holds a 64-bit integer value.
	KindInt
	// KindBool holds a boolean value.
	KindBool
)

// Value is the tagged variant that validated product parameters flow
// through. It replaces the runtime-typed parameter handling of a dynamic
// language with an explicit sum type.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	b    bool
}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// IntValue wraps an integer.
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the tag of the value.
func (v Value) Kind() ValueKind { return v.kind }

// String returns the string payload; zero value for non-string kinds.
func (v Value) String() string { return v.s }

// Int returns the integer payload; zero for non-int kinds.
func (v Value) Int() int64 { return v.i }

// Bool returns the boolean payload; false for non-bool kinds.
func (v Value) Bool() bool { return v.b }

// Any returns the payload as an untyped value, for embedding into Claim
// parameter maps.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	default:
		return v.s
	}
}

// MarshalJSON serializes the payload directly (not the wrapper).
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.s == o.s && v.i == o.i && v.b == o.b
}

// GoString implements fmt.GoStringer for readable test failures.
func (v Value) GoString() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("IntValue(%d)", v.i)
	case KindBool:
		return fmt.Sprintf("BoolValue(%t)", v.b)
	default:
		return fmt.Sprintf("StringValue(%q)", v.s)
	}
}
