package wm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/wmlink/internal/protocol/session"
)

// ValueType is the closed set of WME value kinds.
type ValueType uint8

const (
	TypeIdentifier ValueType = iota + 1
	TypeString
	TypeInt
	TypeFloat
)

func (t ValueType) String() string {
	switch t {
	case TypeIdentifier:
		return session.TypeIdentifier
	case TypeString:
		return session.TypeString
	case TypeInt:
		return session.TypeInt
	case TypeFloat:
		return session.TypeFloat
	default:
		return "unknown"
	}
}

// ParseValueType maps a wire type name. The empty name means string.
func ParseValueType(raw string) (ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", session.TypeString:
		return TypeString, nil
	case session.TypeIdentifier, "identifier":
		return TypeIdentifier, nil
	case session.TypeInt, "integer":
		return TypeInt, nil
	case session.TypeFloat, "double":
		return TypeFloat, nil
	default:
		return 0, fmt.Errorf("%w: unknown value type %q", ErrTypeMismatch, raw)
	}
}

// Value is a tagged union over the four WME value kinds. Identifier values
// carry the symbol name.
type Value struct {
	kind ValueType
	s    string
	i    int64
	f    float64
}

func StringValue(s string) Value { return Value{kind: TypeString, s: s} }

func IntValue(i int64) Value { return Value{kind: TypeInt, i: i} }

func FloatValue(f float64) Value { return Value{kind: TypeFloat, f: f} }

func identifierValue(name string) Value {
	return Value{kind: TypeIdentifier, s: name}
}

// ParseValue decodes the wire form of a value of type t.
func ParseValue(t ValueType, raw string) (Value, error) {
	switch t {
	case TypeIdentifier:
		if strings.TrimSpace(raw) == "" {
			return Value{}, fmt.Errorf("%w: empty identifier", ErrInvalidArgument)
		}
		return identifierValue(raw), nil
	case TypeString:
		return StringValue(raw), nil
	case TypeInt:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: int %q", ErrTypeMismatch, raw)
		}
		return IntValue(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: float %q", ErrTypeMismatch, raw)
		}
		return FloatValue(f), nil
	default:
		return Value{}, fmt.Errorf("%w: value type %d", ErrTypeMismatch, t)
	}
}

func (v Value) Type() ValueType { return v.kind }

func (v Value) IsIdentifier() bool { return v.kind == TypeIdentifier }

// Str returns the string payload; for identifiers this is the symbol name.
func (v Value) Str() string { return v.s }

func (v Value) Int() int64 { return v.i }

func (v Value) Float() float64 { return v.f }

// String renders the wire form. Each call returns a fresh string.
func (v Value) String() string {
	switch v.kind {
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return v.s
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f
	default:
		return v.s == o.s
	}
}
