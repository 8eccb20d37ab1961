// Package bigint implements the "bi:" sentinel JSON codec that lets a
// 256-bit integer round-trip through a JSON value without losing
// precision the way a JSON number would. The processor's DB façade
// applies it to row values; the rpc cache marshals its params and
// responses with plain encoding/json and does not use it.
package bigint

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// sentinel prefixes the base-10 string form of a big.Int so a decoder
// can distinguish it from an ordinary JSON string.
const sentinel = "bi:"

// Encode renders n as a sentinel-prefixed JSON string.
func Encode(n *big.Int) string {
	if n == nil {
		return sentinel + "0"
	}
	return sentinel + n.String()
}

// MarshalJSON implements json.Marshaler so a *Value can sit directly in
// a struct field marshalled by encoding/json.
type Value struct {
	Int *big.Int
}

// NewValue wraps n.
func NewValue(n *big.Int) Value { return Value{Int: n} }

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encode(v.Int))
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("bigint: unmarshal: %w", err)
	}
	n, ok := Decode(s)
	if !ok {
		return fmt.Errorf("bigint: value %q is not bi:-sentinel encoded", s)
	}
	v.Int = n
	return nil
}

// Decode parses a sentinel-prefixed string back into a *big.Int. ok is
// false when s does not carry the sentinel prefix or is not valid
// base-10.
func Decode(s string) (n *big.Int, ok bool) {
	rest, found := strings.CutPrefix(s, sentinel)
	if !found {
		return nil, false
	}
	n, ok = new(big.Int).SetString(rest, 10)
	return n, ok
}

// IsEncoded reports whether s carries the sentinel prefix.
func IsEncoded(s string) bool {
	return strings.HasPrefix(s, sentinel)
}

// EncodeAny walks v (as produced by encoding/json.Unmarshal into
// map[string]any / []any, or a map/slice built directly from Go values)
// replacing every *big.Int with its sentinel string form, so the result
// is safe to pass to json.Marshal without precision loss.
func EncodeAny(v any) any {
	switch val := v.(type) {
	case *big.Int:
		return Encode(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = EncodeAny(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = EncodeAny(e)
		}
		return out
	default:
		return v
	}
}

// DecodeAny is EncodeAny's inverse over a value produced by
// json.Unmarshal into `any` (maps/slices/strings): every string
// carrying the sentinel prefix is replaced with its *big.Int.
func DecodeAny(v any) any {
	switch val := v.(type) {
	case string:
		if n, ok := Decode(val); ok {
			return n
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = DecodeAny(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = DecodeAny(e)
		}
		return out
	default:
		return v
	}
}
