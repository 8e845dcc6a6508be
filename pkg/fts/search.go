package fts

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuemby/kvforge/pkg/filter"
	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/storage"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

// SearchOptions constrains a Search call.
type SearchOptions struct {
	Limit int
	Where *filter.Node
}

func (o SearchOptions) normalizedLimit() int {
	switch {
	case o.Limit <= 0:
		return 100
	case o.Limit > 1000:
		return 1000
	default:
		return o.Limit
	}
}

// Search matches query against the FTS5 table registered for prefix,
// joins the matches back to kv_entries (filtering expired rows and an
// optional where predicate), and returns live entries ordered by FTS
// relevance.
func (m *Manager) Search(ctx context.Context, prefix keycodec.Key, query string, opts SearchOptions) ([]*storage.Entry, error) {
	encPrefix, err := keycodec.Encode(prefix)
	if err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "encode search prefix", err)
	}

	m.mu.RLock()
	var def *indexDef
	for _, d := range m.indexes {
		if bytes.Equal(d.prefix, encPrefix) {
			def = d
			break
		}
	}
	m.mu.RUnlock()
	if def == nil {
		return nil, kverr.New(kverr.NotFound, "no-index: no fts index registered for prefix")
	}

	limit := opts.normalizedLimit()
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT doc_key FROM %s WHERE %s MATCH ? ORDER BY rank LIMIT ?`, def.tableName, def.tableName),
		query, limit)
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "execute fts match", err)
	}
	var docKeys []string
	for rows.Next() {
		var dk string
		if err := rows.Scan(&dk); err != nil {
			rows.Close()
			return nil, kverr.Wrap(kverr.IO, "scan fts match row", err)
		}
		docKeys = append(docKeys, dk)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, kverr.Wrap(kverr.IO, "iterate fts matches", err)
	}
	rows.Close()
	if len(docKeys) == 0 {
		return nil, nil
	}

	keyBytes := make([][]byte, 0, len(docKeys))
	for _, dk := range docKeys {
		b, err := hex.DecodeString(dk)
		if err != nil {
			continue
		}
		keyBytes = append(keyBytes, b)
	}

	whereSQL, whereArgs := "1=1", []any(nil)
	if opts.Where != nil {
		compiled, err := filter.Compile(opts.Where)
		if err != nil {
			return nil, err
		}
		whereSQL, whereArgs = compiled.SQL, compiled.Args
	}

	placeholders := make([]string, len(keyBytes))
	args := make([]any, 0, len(keyBytes)+1+len(whereArgs))
	for i, kb := range keyBytes {
		placeholders[i] = "?"
		args = append(args, kb)
	}
	args = append(args, time.Now().Unix())
	args = append(args, whereArgs...)

	q := fmt.Sprintf(
		`SELECT key, value, versionstamp FROM kv_entries
		 WHERE key IN (%s) AND (expires_at IS NULL OR expires_at > ?) AND (%s)`,
		joinPlaceholders(placeholders), whereSQL)

	entryRows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "query search results", err)
	}
	defer entryRows.Close()

	found := make(map[string]*storage.Entry, len(keyBytes))
	for entryRows.Next() {
		entry, err := scanEntry(entryRows)
		if err != nil {
			return nil, err
		}
		found[string(entry.EncodedKey)] = entry
	}
	if err := entryRows.Err(); err != nil {
		return nil, kverr.Wrap(kverr.IO, "iterate search results", err)
	}

	out := make([]*storage.Entry, 0, len(found))
	for _, kb := range keyBytes {
		if e, ok := found[string(kb)]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func joinPlaceholders(p []string) string {
	out := p[0]
	for _, s := range p[1:] {
		out += ", " + s
	}
	return out
}

func scanEntry(row *sql.Rows) (*storage.Entry, error) {
	var encKey, data []byte
	var vsStr string
	if err := row.Scan(&encKey, &data, &vsStr); err != nil {
		return nil, kverr.Wrap(kverr.IO, "scan entry row", err)
	}
	key, err := keycodec.Decode(encKey)
	if err != nil {
		return nil, kverr.Wrap(kverr.CorruptKey, "decode search result key", err)
	}
	value, err := keycodec.UnmarshalValue(data)
	if err != nil {
		return nil, kverr.Wrap(kverr.CorruptValue, "decode search result value", err)
	}
	vs, err := versionstamp.ParseString(vsStr)
	if err != nil {
		return nil, err
	}
	return &storage.Entry{Key: key, EncodedKey: encKey, Value: value, Versionstamp: vs}, nil
}
