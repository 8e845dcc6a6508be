package keycodec

import (
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/cuemby/kvforge/pkg/kverr"
)

// bigIntEnvelope is the reversible JSON wrapper used to round-trip
// arbitrary-precision integers through the otherwise-standard JSON tree.
type bigIntEnvelope struct {
	Type  string `json:"__type"`
	Value string `json:"value"`
}

const bigIntTypeTag = "bigint"

// MarshalValue serializes a JSON-compatible tree (maps, slices, strings,
// float64/json.Number, bool, nil, and *big.Int) to its stored bytes form.
func MarshalValue(v any) ([]byte, error) {
	converted, err := convertOut(v)
	if err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "marshal value", err)
	}
	b, err := json.Marshal(converted)
	if err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "marshal value", err)
	}
	return b, nil
}

// UnmarshalValue parses stored bytes back into a JSON-compatible tree,
// restoring *big.Int wherever a bigint envelope is found.
func UnmarshalValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, kverr.Wrap(kverr.CorruptValue, "decode stored value", err)
	}
	return convertIn(raw), nil
}

func convertOut(v any) (any, error) {
	switch t := v.(type) {
	case *big.Int:
		return bigIntEnvelope{Type: bigIntTypeTag, Value: t.String()}, nil
	case big.Int:
		return bigIntEnvelope{Type: bigIntTypeTag, Value: t.String()}, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			c, err := convertOut(v)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			c, err := convertOut(v)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func convertIn(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if typ, ok := t["__type"]; ok && typ == bigIntTypeTag {
			if s, ok := t["value"].(string); ok {
				if n, ok := new(big.Int).SetString(s, 10); ok {
					return n
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = convertIn(v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = convertIn(v)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
