package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []Value{
		None(),
		Bool(true),
		Int(-42),
		Float(3.25),
		String("hello"),
		Array([]Value{Int(1), String("two")}),
		Object(map[string]Value{"a": Int(1), "b": String("x")}),
		ThingOf("person", Int(7)),
	}
	for _, v := range cases {
		enc := Encode(v)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, 0, v.Compare(dec))
	}
}

func TestCompareOrdersNumericallyWithinKind(t *testing.T) {
	assert.Equal(t, -1, Int(1).Compare(Int(2)))
	assert.Equal(t, 1, Int(5).Compare(Int(2)))
	assert.Equal(t, 0, Int(2).Compare(Int(2)))
}

func TestTruthy(t *testing.T) {
	assert.False(t, None().Truthy())
	assert.False(t, Int(0).Truthy())
	assert.True(t, Int(1).Truthy())
	assert.False(t, String("").Truthy())
	assert.True(t, Array([]Value{Int(1)}).Truthy())
}

func TestPickAndPutIdiom(t *testing.T) {
	obj := Object(map[string]Value{
		"address": Object(map[string]Value{"city": String("Berlin")}),
	})
	idiom := ParseIdiom("address.city")
	v, ok := obj.Pick(idiom)
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, "Berlin", s)

	updated := obj.Put(idiom, String("Munich"))
	v2, ok := updated.Pick(idiom)
	require.True(t, ok)
	s2, _ := v2.AsString()
	assert.Equal(t, "Munich", s2)
}

func TestArithmetic(t *testing.T) {
	sum, ok := Int(2).Add(Int(3))
	require.True(t, ok)
	i, _ := sum.AsInt()
	assert.Equal(t, int64(5), i)

	cat, ok := String("a").Add(String("b"))
	require.True(t, ok)
	s, _ := cat.AsString()
	assert.Equal(t, "ab", s)
}
