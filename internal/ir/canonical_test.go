package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", nil, "null"},
		{"string", IRString("Alice"), `"Alice"`},
		{"int", IRInt(-100), "-100"},
		{"max int64", IRInt(math.MaxInt64), "9223372036854775807"},
		{"bool", IRBool(false), "false"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"fraction", IRFloat(3.25), "3.25"},
		{"integral float collapses", float64(2), "2"},
		{"large exponent", IRFloat(1e21), "1e+21"},
		{"small exponent", IRFloat(1.5e-7), "1.5e-7"},
		{"just below exponent", IRFloat(0.000001), "0.000001"},
		{"float32 widened", float32(0.5), "0.5"},
		{"go map", map[string]any{"b": int64(1), "a": "x"}, `{"a":"x","b":1}`},
		{"go slice", []any{int64(1), "two", true}, `[1,"two",true]`},
		{"html kept", IRString("<b>a & b</b>"), `"<b>a & b</b>"`},
		{"escapes", IRString("a\n\t\"\\"), `"a\n\t\"\\"`},
		{"line separators kept", IRString("a\u2028b\u2029c"), "\"a\u2028b\u2029c\""},
		{"literal backslash u2028", IRString(`seq \u2028 and ` + "\u2028"), "\"seq \\\\u2028 and \u2028\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalDocumentBody(t *testing.T) {
	body := IRObject{
		"name":      IRString("Alice"),
		EntityField: IRString("Person"),
		"age":       IRInt(30),
		"salary":    IRString("1200.5"),
		"ratio":     IRFloat(0.25),
		"nickname":  IRNull{},
		"team":      IRString("t1"),
		"friends":   IRArray{IRString("p1"), IRString("p2")},
		"extra":     IRObject{"z": IRInt(1), "a": nil},
	}

	result, err := MarshalCanonical(body)
	require.NoError(t, err)
	assert.Equal(t,
		`{"age":30,"doc_type":"Person","extra":{"a":null,"z":1},"friends":["p1","p2"],"name":"Alice","nickname":null,"ratio":0.25,"salary":"1200.5","team":"t1"}`,
		string(result))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(IRFloat(math.Inf(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite")

	_, err = MarshalCanonical(IRObject{"ratio": IRFloat(math.NaN())})
	require.Error(t, err)
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as the surrogate pair D800 DC00, which sorts before
	// U+E000 in UTF-16 although its UTF-8 form sorts after.
	obj := IRObject{
		"\uE000":     IRInt(1),
		"\U00010000": IRInt(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalCanonicalKeepsStringsAsWritten(t *testing.T) {
	composed := "caf\u00E9"
	decomposed := "cafe\u0301"

	a, err := MarshalCanonical(IRObject{composed: IRString(composed)})
	require.NoError(t, err)
	b, err := MarshalCanonical(IRObject{decomposed: IRString(decomposed)})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	parsed, err := ParseIRValue(b)
	require.NoError(t, err)
	assert.Equal(t, IRString(decomposed), parsed.(IRObject)[decomposed])
}

func TestMarshalCanonicalRejectsInvalidUTF8(t *testing.T) {
	_, err := MarshalCanonical(IRString("a\xffb"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid UTF-8")

	_, err = MarshalCanonical(IRObject{"k\xff": IRInt(1)})
	require.Error(t, err)
}

func TestHashInputNormalizesNFC(t *testing.T) {
	composed := "caf\u00E9"
	decomposed := "cafe\u0301"

	a, err := marshalHashInput(IRObject{composed: IRString(composed)})
	require.NoError(t, err)
	b, err := marshalHashInput(IRObject{decomposed: IRString(decomposed)})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	ra, err := RevisionHash("", false, IRObject{"name": IRString(composed)}, nil)
	require.NoError(t, err)
	rb, err := RevisionHash("", false, IRObject{"name": IRString(decomposed)}, nil)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}

func TestMarshalCanonicalIdempotent(t *testing.T) {
	bodies := []IRValue{
		IRObject{EntityField: IRString("Team"), "title": IRString("Core"), "members": IRArray{IRString("b"), IRString("a")}},
		IRObject{"nested": IRObject{"array": IRArray{IRInt(1), IRFloat(2.5)}}, "missing": IRNull{}},
		IRArray{IRInt(1), IRString("two"), IRBool(false)},
	}

	for _, original := range bodies {
		first, err := MarshalCanonical(original)
		require.NoError(t, err)

		parsed, err := ParseIRValue(first)
		require.NoError(t, err)

		second, err := MarshalCanonical(parsed)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func FuzzMarshalCanonicalIdempotent(f *testing.F) {
	f.Add(`{"doc_type":"Person","name":"Alice","age":30}`)
	f.Add(`{"friends":["p1","p2"],"team":null}`)
	f.Add(`{"ratio":0.25,"salary":"12.50"}`)
	f.Add(`[1,2,3]`)

	f.Fuzz(func(t *testing.T, jsonStr string) {
		val, err := ParseIRValue([]byte(jsonStr))
		if err != nil {
			t.Skip()
		}
		first, err := MarshalCanonical(val)
		if err != nil {
			t.Skip()
		}

		again, err := ParseIRValue(first)
		require.NoError(t, err)
		second, err := MarshalCanonical(again)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
