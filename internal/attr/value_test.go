package attr

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		name string
		want Kind
		ok   bool
	}{
		{"string", KindString, true},
		{"bool", KindBool, true},
		{"int16", KindInt16, true},
		{"int", KindInt64, true},
		{"float", KindFloat32, true},
		{"double", KindFloat64, true},
		{"decimal", KindDecimal, true},
		{"date", KindDate, true},
		{"timestamp", KindDate, true},
		{"binary", KindBinary, true},
		{"undefined", KindUndefined, false},
		{"uuid", KindUndefined, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseKind(tc.name)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKindValid(t *testing.T) {
	assert.False(t, KindUndefined.Valid())
	assert.True(t, KindBinary.Valid())
	assert.False(t, Kind(99).Valid())
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestEqual(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 5, time.UTC)

	assert.True(t, Equal(Null{}, nil))
	assert.True(t, Equal(String("a"), String("a")))
	assert.False(t, Equal(String("a"), String("b")))
	assert.False(t, Equal(Int32(1), Int64(1)), "kinds differ")
	assert.True(t, Equal(MustDecimal("1.50"), MustDecimal("1.5")))
	assert.True(t, Equal(NewDate(at), NewDate(at.In(time.FixedZone("x", 3600)))))
	assert.True(t, Equal(Binary{1, 2}, Binary{1, 2}))
	assert.False(t, Equal(Binary{1, 2}, Null{}))
}

func TestDecimal(t *testing.T) {
	d, err := NewDecimal("12.340")
	require.NoError(t, err)
	assert.Equal(t, "12.340", d.String())
	assert.Equal(t, 1, d.Cmp(MustDecimal("12.3")))

	_, err = NewDecimal("twelve")
	require.Error(t, err)

	var zero Decimal
	assert.Equal(t, "0", zero.String())
}

func TestIntValue(t *testing.T) {
	v, err := IntValue(KindInt16, 32767)
	require.NoError(t, err)
	assert.Equal(t, Int16(32767), v)

	_, err = IntValue(KindInt16, 32768)
	require.Error(t, err)

	_, err = IntValue(KindInt32, -2147483649)
	require.Error(t, err)

	v, err = IntValue(KindFloat64, 3)
	require.NoError(t, err)
	assert.Equal(t, Float64(3), v)

	_, err = IntValue(KindString, 1)
	require.Error(t, err)
}

func TestFloatValue(t *testing.T) {
	v, err := FloatValue(KindFloat32, 0.5)
	require.NoError(t, err)
	assert.Equal(t, Float32(0.5), v)

	_, err = FloatValue(KindFloat32, 1e39)
	require.Error(t, err)

	// "3.4028235e+38" reads as a float64 just above MaxFloat32.
	v, err = FloatValue(KindFloat32, 3.4028235e+38)
	require.NoError(t, err)
	assert.Equal(t, Float32(math.MaxFloat32), v)

	v, err = FloatValue(KindFloat32, -3.4028235e+38)
	require.NoError(t, err)
	assert.Equal(t, Float32(-math.MaxFloat32), v)

	_, err = FloatValue(KindFloat64, math.NaN())
	require.Error(t, err)

	_, err = FloatValue(KindFloat64, math.Inf(-1))
	require.Error(t, err)
}

func TestAsNumbers(t *testing.T) {
	n, ok := AsInt64(Int16(-3))
	assert.True(t, ok)
	assert.Equal(t, int64(-3), n)

	_, ok = AsInt64(Float32(1))
	assert.False(t, ok)

	f, ok := AsFloat64(Float32(0.25))
	assert.True(t, ok)
	assert.Equal(t, 0.25, f)
}
