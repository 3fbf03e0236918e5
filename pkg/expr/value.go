package expr

import (
	"strconv"
	"strings"
)

// Kind is the runtime type of a Value. Kind names match descriptor types.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindNumber
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	default:
		return "invalid"
	}
}

// Value is an immutable expression value
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

// Int returns an integer value
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Number returns a floating point value
func Number(v float64) Value { return Value{kind: KindNumber, f: v} }

// String returns a string value
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bool returns a boolean value
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Kind returns the value kind
func (v Value) Kind() Kind { return v.kind }

// IsNumeric reports whether v is an integer or a number
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindNumber }

// AsInt returns the integer payload
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the numeric payload as float64, promoting integers
func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// AsString returns the string payload
func (v Value) AsString() string { return v.s }

// AsBool returns the boolean payload
func (v Value) AsBool() bool { return v.b }

// Interface returns the Go representation: int64, float64, string or bool
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindNumber:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// FromInterface converts the Go representation returned by Interface back
// into a Value
func FromInterface(x interface{}) (Value, bool) {
	switch v := x.(type) {
	case int64:
		return Int(v), true
	case float64:
		return Number(v), true
	case string:
		return String(v), true
	case bool:
		return Bool(v), true
	default:
		return Value{}, false
	}
}

// String renders the value the way str() does
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindNumber:
		return formatFloat(v.f)
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<invalid>"
	}
}

// formatFloat keeps a trailing ".0" on integral numbers so they stay
// distinguishable from integers once stringified.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}
