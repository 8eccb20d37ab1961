package bigint_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/bigint"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*big.Int{
		big.NewInt(0),
		big.NewInt(-1),
		big.NewInt(1_000_000),
		new(big.Int).Lsh(big.NewInt(1), 200), // wider than a uint64
		new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 200)),
	}

	for _, n := range cases {
		encoded := bigint.Encode(n)
		require.True(t, bigint.IsEncoded(encoded))

		got, ok := bigint.Decode(encoded)
		require.True(t, ok)
		require.Equal(t, 0, n.Cmp(got))
	}
}

func TestEncodeNilIsZero(t *testing.T) {
	got, ok := bigint.Decode(bigint.Encode(nil))
	require.True(t, ok)
	require.Equal(t, big.NewInt(0), got)
}

func TestDecodeRejectsUnprefixedOrNonNumericString(t *testing.T) {
	_, ok := bigint.Decode("1000")
	require.False(t, ok)

	_, ok = bigint.Decode("bi:not-a-number")
	require.False(t, ok)

	require.False(t, bigint.IsEncoded("1000"))
}

func TestEncodeAnyDecodeAnyRoundTripNestedValue(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	row := map[string]any{
		"amount": huge,
		"nested": map[string]any{
			"fee": big.NewInt(-42),
		},
		"list": []any{big.NewInt(1), "plain string", big.NewInt(2)},
	}

	encoded := bigint.EncodeAny(row)
	decoded := bigint.DecodeAny(encoded)

	out, ok := decoded.(map[string]any)
	require.True(t, ok)

	amount, ok := out["amount"].(*big.Int)
	require.True(t, ok)
	require.Equal(t, 0, huge.Cmp(amount))

	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok)
	fee, ok := nested["fee"].(*big.Int)
	require.True(t, ok)
	require.Equal(t, big.NewInt(-42), fee)

	list, ok := out["list"].([]any)
	require.True(t, ok)
	require.Len(t, list, 3)
	require.Equal(t, big.NewInt(1), list[0])
	require.Equal(t, "plain string", list[1])
	require.Equal(t, big.NewInt(2), list[2])
}

func TestValueMarshalUnmarshalJSON(t *testing.T) {
	n := new(big.Int).Lsh(big.NewInt(1), 128)
	v := bigint.NewValue(n)

	data, err := v.MarshalJSON()
	require.NoError(t, err)

	var got bigint.Value
	require.NoError(t, got.UnmarshalJSON(data))
	require.Equal(t, 0, n.Cmp(got.Int))
}

func TestValueUnmarshalJSONRejectsUnsentineledString(t *testing.T) {
	var got bigint.Value
	err := got.UnmarshalJSON([]byte(`"42"`))
	require.Error(t, err)
}
