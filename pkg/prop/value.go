package prop

import (
	"strconv"
)

// ValueType tags the variant held by a Value.
type ValueType uint8

const (
	// TypeVoid is an unset or directory-like property.
	TypeVoid ValueType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	default:
		return "void"
	}
}

// Value is a scalar property value. The zero Value is void.
type Value struct {
	Type  ValueType `json:"type"`
	Str   string    `json:"str,omitempty"`
	Int   int64     `json:"int,omitempty"`
	Float float64   `json:"float,omitempty"`
	Bool  bool      `json:"bool,omitempty"`
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{Type: TypeString, Str: s} }

// IntValue returns an int Value.
func IntValue(i int64) Value { return Value{Type: TypeInt, Int: i} }

// FloatValue returns a float Value.
func FloatValue(f float64) Value { return Value{Type: TypeFloat, Float: f} }

// BoolValue returns a bool Value.
func BoolValue(b bool) Value { return Value{Type: TypeBool, Bool: b} }

// IsVoid reports whether v holds no value.
func (v Value) IsVoid() bool { return v.Type == TypeVoid }

// String renders v as text. Void renders as the empty string.
func (v Value) String() string {
	switch v.Type {
	case TypeString:
		return v.Str
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// AsInt coerces v to an integer. Strings that do not parse, and void, give 0.
// Floats truncate toward zero.
func (v Value) AsInt() int64 {
	switch v.Type {
	case TypeInt:
		return v.Int
	case TypeFloat:
		return int64(v.Float)
	case TypeBool:
		if v.Bool {
			return 1
		}
		return 0
	case TypeString:
		if i, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return i
		}
		f, _ := strconv.ParseFloat(v.Str, 64)
		return int64(f)
	default:
		return 0
	}
}

// AsFloat coerces v to a float. Strings that do not parse, and void, give 0.
func (v Value) AsFloat() float64 {
	switch v.Type {
	case TypeInt:
		return float64(v.Int)
	case TypeFloat:
		return v.Float
	case TypeBool:
		if v.Bool {
			return 1
		}
		return 0
	case TypeString:
		f, _ := strconv.ParseFloat(v.Str, 64)
		return f
	default:
		return 0
	}
}

// AsBool coerces v to a bool: non-zero numbers and non-empty strings other
// than "false" and "0" are true.
func (v Value) AsBool() bool {
	switch v.Type {
	case TypeBool:
		return v.Bool
	case TypeInt:
		return v.Int != 0
	case TypeFloat:
		return v.Float != 0
	case TypeString:
		if b, err := strconv.ParseBool(v.Str); err == nil {
			return b
		}
		return v.Str != ""
	default:
		return false
	}
}

// StringFunc adapts a string setter into a value callback.
func StringFunc(fn func(string)) func(Value) {
	return func(v Value) { fn(v.String()) }
}

// IntFunc adapts an integer setter into a value callback.
func IntFunc(fn func(int64)) func(Value) {
	return func(v Value) { fn(v.AsInt()) }
}

// FloatFunc adapts a float setter into a value callback.
func FloatFunc(fn func(float64)) func(Value) {
	return func(v Value) { fn(v.AsFloat()) }
}

// BoolFunc adapts a bool setter into a value callback.
func BoolFunc(fn func(bool)) func(Value) {
	return func(v Value) { fn(v.AsBool()) }
}
