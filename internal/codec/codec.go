// Package codec converts single attribute values to and from their stored
// document form.
//
// Scalars become JSON values. Binary values are never inlined: they become
// attachments named after the attribute. Dates are stored as fixed-width UTC
// strings, so byte order equals chronological order, and decimals as their
// reduced decimal string, so equal numbers are stored identically.
package codec

import (
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
)

// DateLayout is the stored date format. Always UTC, always nine fractional
// digits.
const DateLayout = "2006-01-02T15:04:05.000000000Z"

// Encoded is the stored form of one attribute value: either a document field
// or an attachment. A Null binary value encodes to neither.
type Encoded struct {
	Field      ir.IRValue
	Attachment *ir.Attachment
}

// Encode converts v to its stored form under the declared attribute.
// Fails with UndefinedAttributeType when the attribute kind is undefined,
// when v's kind does not match it, or when v cannot be represented.
func Encode(v attr.Value, a model.Attribute) (Encoded, error) {
	if !a.Kind.Valid() {
		return Encoded{}, undefined(a, "attribute declared with undefined type")
	}
	if attr.IsNull(v) {
		if a.Kind == attr.KindBinary {
			return Encoded{}, nil
		}
		return Encoded{Field: ir.IRNull{}}, nil
	}
	if v.Kind() != a.Kind {
		return Encoded{}, undefined(a, fmt.Sprintf("value of kind %s for %s attribute", v.Kind(), a.Kind))
	}

	switch x := v.(type) {
	case attr.String:
		if !utf8.ValidString(string(x)) {
			return Encoded{}, undefined(a, "string is not valid UTF-8")
		}
		return Encoded{Field: ir.IRString(x)}, nil
	case attr.Bool:
		return Encoded{Field: ir.IRBool(x)}, nil
	case attr.Int16:
		return Encoded{Field: ir.IRInt(x)}, nil
	case attr.Int32:
		return Encoded{Field: ir.IRInt(x)}, nil
	case attr.Int64:
		return Encoded{Field: ir.IRInt(x)}, nil
	case attr.Float32:
		f, err := float32Field(float32(x))
		if err != nil {
			return Encoded{}, undefined(a, err.Error())
		}
		return Encoded{Field: f}, nil
	case attr.Float64:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Encoded{}, undefined(a, fmt.Sprintf("non-finite value %v", f))
		}
		return Encoded{Field: floatField(f)}, nil
	case attr.Decimal:
		return Encoded{Field: ir.IRString(canonicalDecimal(x))}, nil
	case attr.Date:
		s, err := formatDate(x.Time)
		if err != nil {
			return Encoded{}, undefined(a, err.Error())
		}
		return Encoded{Field: ir.IRString(s)}, nil
	case attr.Binary:
		att := ir.NewAttachment(a.Name, a.AttachmentContentType(), []byte(x))
		return Encoded{Attachment: &att}, nil
	default:
		return Encoded{}, undefined(a, fmt.Sprintf("unsupported value %T", v))
	}
}

// Decode converts a stored field (or attachment data, for binary
// attributes) back to a typed value. A missing or null field decodes to
// attr.Null; callers substitute declared defaults.
func Decode(field ir.IRValue, data []byte, a model.Attribute) (attr.Value, error) {
	if !a.Kind.Valid() {
		return nil, undefined(a, "attribute declared with undefined type")
	}
	if a.Kind == attr.KindBinary {
		if data == nil {
			return attr.Null{}, nil
		}
		return attr.Binary(append([]byte{}, data...)), nil
	}
	if field == nil {
		return attr.Null{}, nil
	}
	if _, ok := field.(ir.IRNull); ok {
		return attr.Null{}, nil
	}

	switch a.Kind {
	case attr.KindString:
		if s, ok := field.(ir.IRString); ok {
			return attr.String(s), nil
		}
	case attr.KindBool:
		if b, ok := field.(ir.IRBool); ok {
			return attr.Bool(b), nil
		}
	case attr.KindInt16, attr.KindInt32, attr.KindInt64:
		if n, ok := field.(ir.IRInt); ok {
			v, err := attr.IntValue(a.Kind, int64(n))
			if err != nil {
				return nil, undefined(a, err.Error())
			}
			return v, nil
		}
	case attr.KindFloat32, attr.KindFloat64:
		if f, ok := numberOf(field); ok {
			v, err := attr.FloatValue(a.Kind, f)
			if err != nil {
				return nil, undefined(a, err.Error())
			}
			return v, nil
		}
	case attr.KindDecimal:
		return decodeDecimal(field, a)
	case attr.KindDate:
		return decodeDate(field, a)
	}
	return nil, undefined(a, fmt.Sprintf("stored %T cannot be read as %s", field, a.Kind))
}

// Literal returns the SQL parameter that compares equal to the stored field
// of v. Binary values have no field and cannot be used as literals.
func Literal(v attr.Value, a model.Attribute) (any, error) {
	if a.Kind == attr.KindBinary {
		return nil, fault.New(fault.RequestNotSupported, "literal", "binary attribute %q cannot be compared", a.Name)
	}
	enc, err := Encode(v, a)
	if err != nil {
		return nil, err
	}
	switch f := enc.Field.(type) {
	case ir.IRString:
		return string(f), nil
	case ir.IRInt:
		return int64(f), nil
	case ir.IRFloat:
		return float64(f), nil
	case ir.IRBool:
		// json_extract yields 1 and 0 for JSON booleans.
		if f {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, nil
	}
}

// OrderPreserving reports whether the stored form of kind k sorts like the
// values themselves. Only such kinds support ordering comparisons and sorts
// in the store.
func OrderPreserving(k attr.Kind) bool {
	switch k {
	case attr.KindString, attr.KindBool,
		attr.KindInt16, attr.KindInt32, attr.KindInt64,
		attr.KindFloat32, attr.KindFloat64, attr.KindDate:
		return true
	}
	return false
}

func undefined(a model.Attribute, msg string) error {
	return fault.New(fault.UndefinedAttributeType, "codec", "%s: %s", a.Name, msg)
}

// float32Field stores f as the shortest decimal that reads back as the same
// float32, so the store compares the value the caller sees.
func float32Field(f float32) (ir.IRValue, error) {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return nil, fmt.Errorf("non-finite value %v", f)
	}
	parsed, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil {
		return nil, err
	}
	return floatField(parsed), nil
}

func floatField(f float64) ir.IRValue {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return ir.IRInt(int64(f))
	}
	return ir.IRFloat(f)
}

func numberOf(v ir.IRValue) (float64, bool) {
	switch n := v.(type) {
	case ir.IRInt:
		return float64(n), true
	case ir.IRFloat:
		return float64(n), true
	}
	return 0, false
}

func canonicalDecimal(d attr.Decimal) string {
	reduced, _ := new(apd.Decimal).Reduce(d.Apd())
	return reduced.Text('f')
}

func decodeDecimal(field ir.IRValue, a model.Attribute) (attr.Value, error) {
	var s string
	switch f := field.(type) {
	case ir.IRString:
		s = string(f)
	case ir.IRInt:
		s = strconv.FormatInt(int64(f), 10)
	case ir.IRFloat:
		s = strconv.FormatFloat(float64(f), 'g', -1, 64)
	default:
		return nil, undefined(a, fmt.Sprintf("stored %T cannot be read as decimal", field))
	}
	d, err := attr.NewDecimal(s)
	if err != nil {
		return nil, undefined(a, err.Error())
	}
	return d, nil
}

func formatDate(t time.Time) (string, error) {
	u := t.UTC()
	if y := u.Year(); y < 0 || y > 9999 {
		return "", fmt.Errorf("year %d outside 0-9999", y)
	}
	return u.Format(DateLayout), nil
}

func decodeDate(field ir.IRValue, a model.Attribute) (attr.Value, error) {
	switch f := field.(type) {
	case ir.IRString:
		t, err := time.Parse(DateLayout, string(f))
		if err != nil {
			// Older documents may carry any RFC 3339 timestamp.
			t, err = time.Parse(time.RFC3339Nano, string(f))
			if err != nil {
				return nil, undefined(a, fmt.Sprintf("malformed date %q", string(f)))
			}
		}
		return attr.NewDate(t.UTC()), nil
	case ir.IRInt:
		return attr.NewDate(time.Unix(int64(f), 0).UTC()), nil
	case ir.IRFloat:
		sec, frac := math.Modf(float64(f))
		return attr.NewDate(time.Unix(int64(sec), int64(frac*1e9)).UTC()), nil
	}
	return nil, undefined(a, fmt.Sprintf("stored %T cannot be read as date", field))
}
