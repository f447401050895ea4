package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSortsKeysAtEveryLevel(t *testing.T) {
	v := map[string]any{
		"b": int64(2),
		"a": map[string]any{
			"z": "last",
			"m": "mid",
		},
	}
	got, err := Encode(v)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"m":"mid","z":"last"},"b":2}`, string(got))
}

func TestEncodeRejectsFloat(t *testing.T) {
	_, err := Encode(map[string]any{"x": 1.5})
	require.Error(t, err)
}

func TestDecimalRoundTrip(t *testing.T) {
	d, err := NewDecimalFromString("10.50")
	require.NoError(t, err)
	require.Equal(t, "10.5", d.String())

	b, err := Encode(map[string]any{"amount": d})
	require.NoError(t, err)
	require.Equal(t, `{"amount":{"__fixed__":"10.5"}}`, string(b))
}

func TestDecodeNormalizesNumbersAndFixed(t *testing.T) {
	v, err := Decode([]byte(`{"amount":{"__fixed__":"3.25"},"count":5,"name":"x"}`))
	require.NoError(t, err)

	m := v.(map[string]any)
	require.Equal(t, int64(5), m["count"])
	require.Equal(t, "x", m["name"])

	dec, ok := m["amount"].(Decimal)
	require.True(t, ok)
	require.Equal(t, "3.25", dec.String())
}

func TestDecimalArithmeticIsExact(t *testing.T) {
	a, _ := NewDecimalFromString("100")
	b, _ := NewDecimalFromString("33.333333")
	sum := a.Sub(b)
	require.Equal(t, "66.666667", sum.String())
}
