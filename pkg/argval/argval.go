// Package argval implements the typed primitive values that are collected
// as inputs for a future call injection.
//
// A Value can only be built through the constructors in this package, all
// of which check that the value fits the numeric range of its kind. A zero
// Value has no kind and is rejected by Validate.
package argval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the primitive type tag of a Value.
type Kind uint8

const (
	Invalid Kind = iota
	I8
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	Float
	Double
)

var kindNames = [...]string{
	Invalid: "invalid",
	I8:      "i8",
	I16:     "i16",
	I32:     "i32",
	I64:     "i64",
	U8:      "u8",
	U16:     "u16",
	U32:     "u32",
	U64:     "u64",
	Float:   "float",
	Double:  "double",
}

// Kinds lists every valid kind in menu order.
var Kinds = []Kind{I8, I16, I32, I64, U8, U16, U32, U64, Float, Double}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Signed reports whether k is a signed integer kind.
func (k Kind) Signed() bool { return k >= I8 && k <= I64 }

// Unsigned reports whether k is an unsigned integer kind.
func (k Kind) Unsigned() bool { return k >= U8 && k <= U64 }

// Floating reports whether k is float or double.
func (k Kind) Floating() bool { return k == Float || k == Double }

// Bits returns the storage width of k.
func (k Kind) Bits() int {
	switch k {
	case I8, U8:
		return 8
	case I16, U16:
		return 16
	case I32, U32, Float:
		return 32
	case I64, U64, Double:
		return 64
	}
	return 0
}

// KindNames returns the type tags of Kinds, in order.
func KindNames() []string {
	r := make([]string, len(Kinds))
	for i, k := range Kinds {
		r[i] = k.String()
	}
	return r
}

// ParseKind returns the kind with the given type tag.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(s)
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return Invalid, fmt.Errorf("unknown argument type %q", s)
}

// ErrNoKind is returned when validating a Value that was not built by a
// constructor of this package.
var ErrNoKind = errors.New("argument value has no type")

// RangeError is returned when a value does not fit its declared kind.
type RangeError struct {
	Kind  Kind
	Value string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("value %s outside of %s bounds", e.Value, e.Kind)
}

// Value is a primitive value tagged with its kind. Integers are stored as
// their two's complement bit pattern, floating point values as their IEEE
// 754 bit pattern.
type Value struct {
	kind Kind
	bits uint64
}

// Kind returns the type tag of v.
func (v Value) Kind() Kind { return v.kind }

// Int returns v as a signed integer. It is only meaningful for signed kinds.
func (v Value) Int() int64 {
	switch v.kind {
	case I8:
		return int64(int8(v.bits))
	case I16:
		return int64(int16(v.bits))
	case I32:
		return int64(int32(v.bits))
	}
	return int64(v.bits)
}

// Uint returns v as an unsigned integer. It is only meaningful for unsigned kinds.
func (v Value) Uint() uint64 { return v.bits }

// Float returns v as a float64. It is only meaningful for float and double.
func (v Value) Float() float64 {
	if v.kind == Float {
		return float64(math.Float32frombits(uint32(v.bits)))
	}
	return math.Float64frombits(v.bits)
}

// Bits returns the raw storage of v, zero extended to 64 bits, as it would
// be placed in a general purpose or floating point register.
func (v Value) Bits() uint64 {
	if w := v.kind.Bits(); w > 0 && w < 64 {
		return v.bits & (1<<uint(w) - 1)
	}
	return v.bits
}

func (v Value) String() string {
	switch {
	case v.kind.Signed():
		return fmt.Sprintf("%s(%d)", v.kind, v.Int())
	case v.kind.Unsigned():
		return fmt.Sprintf("%s(%d)", v.kind, v.Uint())
	case v.kind.Floating():
		return fmt.Sprintf("%s(%g)", v.kind, v.Float())
	}
	return "invalid"
}

// Validate checks that v carries a kind and that its stored value fits
// the range of that kind.
func (v Value) Validate() error {
	switch {
	case v.kind.Signed():
		if v.bits != uint64(v.Int()) {
			return &RangeError{Kind: v.kind, Value: strconv.FormatUint(v.bits, 10)}
		}
		return nil
	case v.kind.Unsigned():
		_, err := NewUint(v.kind, v.bits)
		return err
	case v.kind == Float:
		if v.bits > math.MaxUint32 {
			return &RangeError{Kind: v.kind, Value: strconv.FormatUint(v.bits, 16)}
		}
		return nil
	case v.kind == Double:
		return nil
	}
	return ErrNoKind
}

// NewInt returns a signed integer value of kind k.
func NewInt(k Kind, n int64) (Value, error) {
	if !k.Signed() {
		return Value{}, fmt.Errorf("%s is not a signed integer type", k)
	}
	if w := k.Bits(); w < 64 {
		lo, hi := int64(-1)<<uint(w-1), int64(1)<<uint(w-1)-1
		if n < lo || n > hi {
			return Value{}, &RangeError{Kind: k, Value: strconv.FormatInt(n, 10)}
		}
	}
	return Value{kind: k, bits: uint64(n)}, nil
}

// NewUint returns an unsigned integer value of kind k.
func NewUint(k Kind, n uint64) (Value, error) {
	if !k.Unsigned() {
		return Value{}, fmt.Errorf("%s is not an unsigned integer type", k)
	}
	if w := k.Bits(); w < 64 && n > 1<<uint(w)-1 {
		return Value{}, &RangeError{Kind: k, Value: strconv.FormatUint(n, 10)}
	}
	return Value{kind: k, bits: n}, nil
}

// NewFloat returns a floating point value of kind k. Finite values that
// overflow a float are rejected; infinities and NaN are kept as given.
func NewFloat(k Kind, f float64) (Value, error) {
	switch k {
	case Float:
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return Value{}, &RangeError{Kind: k, Value: strconv.FormatFloat(f, 'g', -1, 64)}
		}
		return Value{kind: k, bits: uint64(math.Float32bits(float32(f)))}, nil
	case Double:
		return Value{kind: k, bits: math.Float64bits(f)}, nil
	}
	return Value{}, fmt.Errorf("%s is not a floating point type", k)
}

// Parse converts s to a value of kind k. Integers accept the same bases as
// strconv.ParseInt with base 0.
func Parse(k Kind, s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, fmt.Errorf("empty %s value", k)
	}
	switch {
	case k.Signed():
		n, err := strconv.ParseInt(s, 0, k.Bits())
		if err != nil {
			return Value{}, parseError(k, s, err)
		}
		return NewInt(k, n)
	case k.Unsigned():
		if strings.HasPrefix(s, "-") {
			return Value{}, &RangeError{Kind: k, Value: s}
		}
		n, err := strconv.ParseUint(s, 0, k.Bits())
		if err != nil {
			return Value{}, parseError(k, s, err)
		}
		return NewUint(k, n)
	case k.Floating():
		f, err := strconv.ParseFloat(s, k.Bits())
		if err != nil {
			return Value{}, parseError(k, s, err)
		}
		return NewFloat(k, f)
	}
	return Value{}, ErrNoKind
}

func parseError(k Kind, s string, err error) error {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) && numErr.Err == strconv.ErrRange {
		return &RangeError{Kind: k, Value: s}
	}
	return fmt.Errorf("invalid %s value %q", k, s)
}
