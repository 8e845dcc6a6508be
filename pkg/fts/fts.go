// Package fts implements the full-text index manager: a catalog of
// per-prefix FTS5 virtual tables kept in sync with the row store via
// the storage.Indexer hook, plus a relevance-ranked search that joins
// back to kv_entries.
//
// Requires building with -tags sqlite_fts5 so mattn/go-sqlite3's cgo
// build links FTS5 support; CREATE VIRTUAL TABLE ... USING fts5 fails
// at runtime otherwise.
package fts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/storage"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS fts_indexes (
	prefix     BLOB PRIMARY KEY,
	fields     TEXT NOT NULL,
	tokenizer  TEXT NOT NULL,
	table_name TEXT NOT NULL UNIQUE
);
`

// DefaultTokenizer matches spec.md's default FTS5 tokenizer.
const DefaultTokenizer = "unicode61"

// indexDef is one registered prefix's index definition.
type indexDef struct {
	prefix    []byte
	fields    []string
	tokenizer string
	tableName string
}

// Manager implements storage.Indexer over a catalog of FTS5 tables, one
// per registered prefix, in the same SQLite database kv_entries lives
// in.
type Manager struct {
	db *sql.DB

	mu      sync.RWMutex
	indexes []*indexDef // longest prefix first, for deterministic matching
}

// Open ensures the catalog table exists, loads any previously
// registered indexes, and returns a ready Manager.
func Open(db *sql.DB) (*Manager, error) {
	if _, err := db.Exec(catalogSchema); err != nil {
		return nil, kverr.Wrap(kverr.IO, "apply fts catalog schema", err)
	}
	m := &Manager{db: db}
	if err := m.loadCatalog(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadCatalog(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `SELECT prefix, fields, tokenizer, table_name FROM fts_indexes`)
	if err != nil {
		return kverr.Wrap(kverr.IO, "load fts catalog", err)
	}
	defer rows.Close()

	var defs []*indexDef
	for rows.Next() {
		var prefix []byte
		var fieldsJSON, tokenizer, tableName string
		if err := rows.Scan(&prefix, &fieldsJSON, &tokenizer, &tableName); err != nil {
			return kverr.Wrap(kverr.IO, "scan fts catalog row", err)
		}
		var fields []string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return kverr.Wrap(kverr.CorruptValue, "decode fts catalog fields", err)
		}
		defs = append(defs, &indexDef{prefix: prefix, fields: fields, tokenizer: tokenizer, tableName: tableName})
	}
	if err := rows.Err(); err != nil {
		return kverr.Wrap(kverr.IO, "iterate fts catalog", err)
	}

	m.mu.Lock()
	m.indexes = sortByPrefixLength(defs)
	m.mu.Unlock()
	return nil
}

// CreateIndex registers prefix with the given fields and tokenizer
// (DefaultTokenizer if empty), replacing any prior index on the same
// prefix.
func (m *Manager) CreateIndex(ctx context.Context, prefix keycodec.Key, fields []string, tokenizer string) error {
	if len(fields) == 0 {
		return kverr.New(kverr.InvalidArgument, "invalid-fields: index must declare at least one field")
	}
	if tokenizer == "" {
		tokenizer = DefaultTokenizer
	}

	encPrefix, err := keycodec.Encode(prefix)
	if err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "encode index prefix", err)
	}
	tableName := tableNameFor(encPrefix)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return kverr.Wrap(kverr.IO, "begin create-index transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableName)); err != nil {
		return kverr.Wrap(kverr.IO, "drop prior fts table", err)
	}

	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = quoteIdent(f)
	}
	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE %s USING fts5(doc_key UNINDEXED, %s, tokenize='%s')`,
		tableName, strings.Join(cols, ", "), tokenizer)
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return kverr.Wrap(kverr.IO, "create fts table", err)
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "marshal index fields", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO fts_indexes (prefix, fields, tokenizer, table_name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(prefix) DO UPDATE SET fields = excluded.fields, tokenizer = excluded.tokenizer, table_name = excluded.table_name`,
		encPrefix, fieldsJSON, tokenizer, tableName)
	if err != nil {
		return kverr.Wrap(kverr.IO, "upsert fts catalog row", err)
	}
	if err := tx.Commit(); err != nil {
		return kverr.Wrap(kverr.IO, "commit create-index transaction", err)
	}

	def := &indexDef{prefix: encPrefix, fields: fields, tokenizer: tokenizer, tableName: tableName}
	m.mu.Lock()
	m.indexes = sortByPrefixLength(replaceByPrefix(m.indexes, def))
	m.mu.Unlock()
	return nil
}

// DropIndex removes a registered index and its backing table.
func (m *Manager) DropIndex(ctx context.Context, prefix keycodec.Key) error {
	encPrefix, err := keycodec.Encode(prefix)
	if err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "encode index prefix", err)
	}

	m.mu.RLock()
	var tableName string
	for _, d := range m.indexes {
		if bytes.Equal(d.prefix, encPrefix) {
			tableName = d.tableName
			break
		}
	}
	m.mu.RUnlock()
	if tableName == "" {
		return kverr.New(kverr.NotFound, "no-index: no fts index registered for prefix")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return kverr.Wrap(kverr.IO, "begin drop-index transaction", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableName)); err != nil {
		return kverr.Wrap(kverr.IO, "drop fts table", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fts_indexes WHERE prefix = ?`, encPrefix); err != nil {
		return kverr.Wrap(kverr.IO, "delete fts catalog row", err)
	}
	if err := tx.Commit(); err != nil {
		return kverr.Wrap(kverr.IO, "commit drop-index transaction", err)
	}

	m.mu.Lock()
	out := m.indexes[:0:0]
	for _, d := range m.indexes {
		if !bytes.Equal(d.prefix, encPrefix) {
			out = append(out, d)
		}
	}
	m.indexes = out
	m.mu.Unlock()
	return nil
}

// matches finds every index whose prefix covers encodedKey. It takes
// m.mu's read lock itself.
func (m *Manager) matches(encodedKey []byte) []*indexDef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*indexDef
	for _, d := range m.indexes {
		if bytes.HasPrefix(encodedKey, d.prefix) {
			out = append(out, d)
		}
	}
	return out
}

func tableNameFor(encPrefix []byte) string {
	sum := sha256.Sum256(encPrefix)
	return "fts_" + hex.EncodeToString(sum[:])[:16]
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortByPrefixLength(defs []*indexDef) []*indexDef {
	out := append([]*indexDef(nil), defs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j].prefix) > len(out[j-1].prefix); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func replaceByPrefix(defs []*indexDef, def *indexDef) []*indexDef {
	for i, d := range defs {
		if bytes.Equal(d.prefix, def.prefix) {
			defs[i] = def
			return defs
		}
	}
	return append(defs, def)
}

var _ storage.Indexer = (*Manager)(nil)
