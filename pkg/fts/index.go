package fts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/kvforge/pkg/kverr"
)

// OnSet implements storage.Indexer: it upserts value's projected field
// text into every index whose prefix covers encodedKey.
func (m *Manager) OnSet(encodedKey []byte, value any) error {
	defs := m.matches(encodedKey)
	if len(defs) == 0 {
		return nil
	}
	docKey := hex.EncodeToString(encodedKey)
	ctx := context.Background()
	for _, d := range defs {
		vals := make([]any, len(d.fields)+1)
		vals[0] = docKey
		placeholders := make([]string, len(d.fields)+1)
		placeholders[0] = "?"
		for i, f := range d.fields {
			v, _ := extractField(value, f)
			vals[i+1] = stringify(v)
			placeholders[i+1] = "?"
		}
		insertSQL := fmt.Sprintf(`INSERT INTO %s (doc_key, %s) VALUES (%s)`,
			d.tableName, joinQuoted(d.fields), strings.Join(placeholders, ", "))
		if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_key = ?`, d.tableName), docKey); err != nil {
			return kverr.Wrap(kverr.IO, "clear prior fts row", err)
		}
		if _, err := m.db.ExecContext(ctx, insertSQL, vals...); err != nil {
			return kverr.Wrap(kverr.IO, "upsert fts row", err)
		}
	}
	return nil
}

// OnDelete implements storage.Indexer: it removes encodedKey's row from
// every index whose prefix covers it.
func (m *Manager) OnDelete(encodedKey []byte) error {
	defs := m.matches(encodedKey)
	if len(defs) == 0 {
		return nil
	}
	docKey := hex.EncodeToString(encodedKey)
	ctx := context.Background()
	for _, d := range defs {
		if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_key = ?`, d.tableName), docKey); err != nil {
			return kverr.Wrap(kverr.IO, "delete fts row", err)
		}
	}
	return nil
}

func joinQuoted(fields []string) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = quoteIdent(f)
	}
	return strings.Join(cols, ", ")
}

// pathSegment is one step of a dot/bracket JSON path: either a map key
// or an array index.
type pathSegment struct {
	key     string
	index   int
	isIndex bool
}

func parsePath(path string) []pathSegment {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			if bracket := strings.IndexByte(part, '['); bracket >= 0 {
				if bracket > 0 {
					segs = append(segs, pathSegment{key: part[:bracket]})
				}
				end := strings.IndexByte(part, ']')
				if end < 0 {
					break
				}
				if idx, err := strconv.Atoi(part[bracket+1 : end]); err == nil {
					segs = append(segs, pathSegment{index: idx, isIndex: true})
				}
				part = part[end+1:]
				continue
			}
			segs = append(segs, pathSegment{key: part})
			part = ""
		}
	}
	return segs
}

// extractField navigates value by a dot/bracket JSON path, returning
// the leaf value and whether it was found.
func extractField(value any, path string) (any, bool) {
	cur := value
	for _, seg := range parsePath(path) {
		if seg.isIndex {
			arr, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[seg.key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// stringify renders a field value for FTS5 indexing: strings pass
// through, everything else is JSON-encoded.
func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
