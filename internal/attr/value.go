package attr

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Kind identifies a declared attribute type.
type Kind int

const (
	// KindUndefined is the zero Kind. Attributes declared with it cannot be
	// encoded.
	KindUndefined Kind = iota
	KindString
	KindBool
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindDate
	KindBinary
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindString:    "string",
	KindBool:      "bool",
	KindInt16:     "int16",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindDecimal:   "decimal",
	KindDate:      "date",
	KindBinary:    "binary",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	return k > KindUndefined && int(k) < len(kindNames)
}

// ParseKind maps a kind name (as written in model files) to a Kind.
// "int", "float" and "double" are accepted as aliases.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case "int":
		return KindInt64, true
	case "float":
		return KindFloat32, true
	case "double":
		return KindFloat64, true
	case "timestamp", "datetime":
		return KindDate, true
	case "bytes", "data":
		return KindBinary, true
	}
	for k, n := range kindNames {
		if n == name && Kind(k) != KindUndefined {
			return Kind(k), true
		}
	}
	return KindUndefined, false
}

// Value is a sealed interface over the supported attribute values.
type Value interface {
	attrValue()
	// Kind returns the kind of the value. Null reports KindUndefined.
	Kind() Kind
}

// Null is the absent value. It is valid for every declared kind.
type Null struct{}

func (Null) attrValue() {}
func (Null) Kind() Kind { return KindUndefined }

type String string

func (String) attrValue() {}
func (String) Kind() Kind { return KindString }

type Bool bool

func (Bool) attrValue() {}
func (Bool) Kind() Kind { return KindBool }

type Int16 int16

func (Int16) attrValue() {}
func (Int16) Kind() Kind { return KindInt16 }

type Int32 int32

func (Int32) attrValue() {}
func (Int32) Kind() Kind { return KindInt32 }

type Int64 int64

func (Int64) attrValue() {}
func (Int64) Kind() Kind { return KindInt64 }

type Float32 float32

func (Float32) attrValue() {}
func (Float32) Kind() Kind { return KindFloat32 }

type Float64 float64

func (Float64) attrValue() {}
func (Float64) Kind() Kind { return KindFloat64 }

// Decimal is an arbitrary precision fixed-point number.
// The zero Decimal is 0.
type Decimal struct {
	d *apd.Decimal
}

func (Decimal) attrValue() {}
func (Decimal) Kind() Kind { return KindDecimal }

// NewDecimal parses s ("12.50", "-3", "1E+3").
func NewDecimal(s string) (Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return Decimal{d: d}, nil
}

// MustDecimal is like NewDecimal but panics on error.
// Use only in tests or for constants.
func MustDecimal(s string) Decimal {
	d, err := NewDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFrom copies d into a Decimal.
func DecimalFrom(d *apd.Decimal) Decimal {
	return Decimal{d: new(apd.Decimal).Set(d)}
}

// Apd returns a copy of the underlying decimal.
func (d Decimal) Apd() *apd.Decimal {
	if d.d == nil {
		return new(apd.Decimal)
	}
	return new(apd.Decimal).Set(d.d)
}

// Cmp compares d and o numerically.
func (d Decimal) Cmp(o Decimal) int {
	return d.Apd().Cmp(o.Apd())
}

func (d Decimal) String() string {
	return d.Apd().String()
}

// Date is a point in time with nanosecond precision.
type Date struct {
	time.Time
}

func (Date) attrValue() {}
func (Date) Kind() Kind { return KindDate }

// NewDate wraps t.
func NewDate(t time.Time) Date {
	return Date{Time: t}
}

// Binary is an opaque byte payload. It is always stored as an attachment.
type Binary []byte

func (Binary) attrValue() {}
func (Binary) Kind() Kind { return KindBinary }

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Equal reports whether a and b hold the same kind and value.
// Decimals compare numerically and dates by instant.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Decimal:
		return x.Cmp(b.(Decimal)) == 0
	case Date:
		return x.Equal(b.(Date).Time)
	case Binary:
		return bytes.Equal(x, b.(Binary))
	default:
		return a == b
	}
}

// IntValue builds an integer Value of the given kind, checking its range.
func IntValue(k Kind, n int64) (Value, error) {
	switch k {
	case KindInt16:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("%d out of range for %s", n, k)
		}
		return Int16(n), nil
	case KindInt32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("%d out of range for %s", n, k)
		}
		return Int32(n), nil
	case KindInt64:
		return Int64(n), nil
	case KindFloat32, KindFloat64:
		return FloatValue(k, float64(n))
	default:
		return nil, fmt.Errorf("integer value for %s attribute", k)
	}
}

// FloatValue builds a floating point Value of the given kind. Non-finite
// values are rejected.
func FloatValue(k Kind, f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite value %v", f)
	}
	switch k {
	case KindFloat32:
		// Shortest decimals of the extremes parse slightly beyond
		// MaxFloat32 but still round to it.
		f32 := float32(f)
		if math.IsInf(float64(f32), 0) {
			return nil, fmt.Errorf("%v out of range for %s", f, k)
		}
		return Float32(f32), nil
	case KindFloat64:
		return Float64(f), nil
	default:
		return nil, fmt.Errorf("float value for %s attribute", k)
	}
}

// AsInt64 returns the integer held by an Int16, Int32 or Int64 value.
func AsInt64(v Value) (int64, bool) {
	switch x := v.(type) {
	case Int16:
		return int64(x), true
	case Int32:
		return int64(x), true
	case Int64:
		return int64(x), true
	}
	return 0, false
}

// AsFloat64 returns the number held by a Float32 or Float64 value.
func AsFloat64(v Value) (float64, bool) {
	switch x := v.(type) {
	case Float32:
		return float64(x), true
	case Float64:
		return float64(x), true
	}
	return 0, false
}
