package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
)

// Limits from spec.md §6.
const (
	maxKeyDepth     = 20
	maxKeyPartBytes = 1024
	maxBatchSize    = 1000
)

// keyFromPath parses a "/"-split path into a Key the way every
// /keys/<path> route does: each segment matching ^-?\d+$ and fitting a
// float64 safe integer becomes a Number, everything else stays Text.
func keyFromPath(path string) (keycodec.Key, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return keycodec.Key{}, nil
	}
	segments := strings.Split(path, "/")
	if len(segments) > maxKeyDepth {
		return nil, kverr.Newf(kverr.InvalidArgument, "key depth %d exceeds maximum %d", len(segments), maxKeyDepth)
	}
	key := make(keycodec.Key, len(segments))
	for i, seg := range segments {
		if len(seg) > maxKeyPartBytes {
			return nil, kverr.Newf(kverr.InvalidArgument, "key part %d exceeds maximum length %d bytes", i, maxKeyPartBytes)
		}
		key[i] = pathPart(seg)
	}
	return key, nil
}

func safeIntPattern(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '-' {
		i++
	}
	if i == len(s) {
		return false
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

const maxSafeInteger = 1<<53 - 1

func pathPart(seg string) keycodec.Part {
	if safeIntPattern(seg) {
		if n, err := strconv.ParseInt(seg, 10, 64); err == nil && n >= -maxSafeInteger && n <= maxSafeInteger {
			return keycodec.Number(n)
		}
	}
	return keycodec.Text(seg)
}

// jsonPart is the wire shape a key part takes inside a JSON body (as
// used by /keys/batch, /atomic, queue keysIfUndelivered, and the
// /keys/list prefix): bare JSON scalars for text/number/bool, or a typed
// envelope for bytes/bigint/the versionstamp placeholder.
type jsonPart struct {
	Type  string `json:"__type"`
	Value string `json:"value"`
}

// keyToJSON renders a Key as the JSON-array wire form.
func keyToJSON(k keycodec.Key) []any {
	out := make([]any, len(k))
	for i, p := range k {
		switch v := p.(type) {
		case keycodec.Text:
			out[i] = string(v)
		case keycodec.Number:
			out[i] = float64(v)
		case keycodec.Bool:
			out[i] = bool(v)
		case keycodec.Bytes:
			out[i] = jsonPart{Type: "bytes", Value: base64.StdEncoding.EncodeToString(v)}
		case keycodec.BigInt:
			out[i] = jsonPart{Type: "bigint", Value: v.String()}
		default:
			out[i] = nil
		}
	}
	return out
}

// keyFromJSON parses the JSON-array wire form back into a Key.
func keyFromJSON(raw json.RawMessage) (keycodec.Key, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "decode key", err)
	}
	if len(parts) > maxKeyDepth {
		return nil, kverr.Newf(kverr.InvalidArgument, "key depth %d exceeds maximum %d", len(parts), maxKeyDepth)
	}
	key := make(keycodec.Key, len(parts))
	for i, raw := range parts {
		part, err := keyPartFromJSON(raw)
		if err != nil {
			return nil, kverr.Wrap(kverr.InvalidArgument, fmt.Sprintf("key part %d", i), err)
		}
		key[i] = part
	}
	return key, nil
}

func keyPartFromJSON(raw json.RawMessage) (keycodec.Part, error) {
	var envelope jsonPart
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Type != "" {
		switch envelope.Type {
		case "bytes":
			b, err := base64.StdEncoding.DecodeString(envelope.Value)
			if err != nil {
				return nil, kverr.Wrap(kverr.InvalidArgument, "decode bytes key part", err)
			}
			return keycodec.Bytes(b), nil
		case "bigint":
			n, ok := new(big.Int).SetString(envelope.Value, 10)
			if !ok {
				return nil, kverr.Newf(kverr.InvalidArgument, "invalid bigint key part %q", envelope.Value)
			}
			return keycodec.BigInt{Int: n}, nil
		case "versionstamp":
			return keycodec.VersionstampPlaceholder{}, nil
		}
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "decode key part", err)
	}
	switch t := v.(type) {
	case string:
		if len(t) > maxKeyPartBytes {
			return nil, kverr.New(kverr.InvalidArgument, "key part exceeds maximum length")
		}
		return keycodec.Text(t), nil
	case float64:
		return keycodec.Number(t), nil
	case bool:
		return keycodec.Bool(t), nil
	case nil:
		return nil, kverr.New(kverr.InvalidArgument, "null key part")
	default:
		return nil, kverr.New(kverr.InvalidArgument, "unsupported key part shape")
	}
}
