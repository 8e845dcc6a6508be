package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/kvforge/pkg/filter"
	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

const selectColumns = `key, value, versionstamp, expires_at`

// Get fetches a single entry. It returns (nil, nil) if the key is
// absent or expired.
func (s *Store) Get(ctx context.Context, key keycodec.Key) (*Entry, error) {
	start := time.Now()
	enc, err := keycodec.Encode(key)
	if err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "encode get key", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		enc, time.Now().Unix())
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		s.observe("get", nil, start)
		return nil, nil
	}
	s.observe("get", err, start)
	return entry, err
}

// GetBatch fetches multiple keys in one query, returning entries in
// request order with nil for misses. An empty batch returns empty.
func (s *Store) GetBatch(ctx context.Context, keys []keycodec.Key) ([]*Entry, error) {
	start := time.Now()
	if len(keys) == 0 {
		return nil, nil
	}

	encoded := make([][]byte, len(keys))
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		enc, err := keycodec.Encode(k)
		if err != nil {
			return nil, kverr.Wrap(kverr.InvalidArgument, fmt.Sprintf("encode batch key %d", i), err)
		}
		encoded[i] = enc
		placeholders[i] = "?"
		args = append(args, enc)
	}
	args = append(args, time.Now().Unix())

	query := fmt.Sprintf(`SELECT %s FROM kv_entries WHERE key IN (%s) AND (expires_at IS NULL OR expires_at > ?)`,
		selectColumns, strings.Join(placeholders, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.observe("getBatch", err, start)
		return nil, kverr.Wrap(kverr.IO, "batch get", err)
	}
	defer rows.Close()

	byKey := make(map[string]*Entry, len(keys))
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			s.observe("getBatch", err, start)
			return nil, err
		}
		byKey[string(e.EncodedKey)] = e
	}
	if err := rows.Err(); err != nil {
		s.observe("getBatch", err, start)
		return nil, kverr.Wrap(kverr.IO, "batch get", err)
	}

	out := make([]*Entry, len(keys))
	for i, enc := range encoded {
		out[i] = byKey[string(enc)]
	}
	s.observe("getBatch", nil, start)
	return out, nil
}

// Set upserts key with value, assigning a fresh versionstamp.
func (s *Store) Set(ctx context.Context, key keycodec.Key, value any, opts SetOptions) (versionstamp.Versionstamp, error) {
	start := time.Now()
	enc, err := keycodec.Encode(key)
	if err != nil {
		return versionstamp.Versionstamp{}, kverr.Wrap(kverr.InvalidArgument, "encode set key", err)
	}
	data, err := keycodec.MarshalValue(value)
	if err != nil {
		return versionstamp.Versionstamp{}, err
	}
	vs, err := s.vs.Next()
	if err != nil {
		return versionstamp.Versionstamp{}, err
	}

	var expiresAt sql.NullInt64
	if opts.ExpireIn != 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Unix() + opts.ExpireIn/1000, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, versionstamp, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, versionstamp = excluded.versionstamp, expires_at = excluded.expires_at`,
		enc, data, vs.String(), expiresAt)
	s.observe("set", err, start)
	if err != nil {
		return versionstamp.Versionstamp{}, kverr.Wrap(kverr.IO, "set entry", err)
	}

	s.indexSet(enc, value)
	s.notify("set", enc)
	return vs, nil
}

// Delete removes key and every key starting with it (tree delete),
// optionally constrained by a compiled predicate over the value.
func (s *Store) Delete(ctx context.Context, prefix keycodec.Key, opts DeleteOptions) (int, error) {
	start := time.Now()
	rangeStart, rangeEnd, err := keycodec.EncodeRange(prefix)
	if err != nil {
		return 0, kverr.Wrap(kverr.InvalidArgument, "encode delete prefix", err)
	}

	whereSQL := "1=1"
	var whereArgs []any
	if opts.Where != nil {
		compiled, err := filter.Compile(opts.Where)
		if err != nil {
			return 0, err
		}
		whereSQL = compiled.SQL
		whereArgs = compiled.Args
	}

	selectQuery := fmt.Sprintf(`SELECT key FROM kv_entries WHERE key >= ? AND key < ? AND (%s)`, whereSQL)
	// Start at the prefix's own encoding so the exact key is deleted along
	// with every key under it.
	args := append([]any{rangeStart[:len(rangeStart)-1], rangeEnd}, whereArgs...)
	rows, err := s.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		s.observe("delete", err, start)
		return 0, kverr.Wrap(kverr.IO, "select delete candidates", err)
	}
	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			s.observe("delete", err, start)
			return 0, kverr.Wrap(kverr.IO, "scan delete candidate", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.observe("delete", err, start)
		return 0, kverr.Wrap(kverr.IO, "select delete candidates", err)
	}
	if len(keys) == 0 {
		s.observe("delete", nil, start)
		return 0, nil
	}

	placeholders := make([]string, len(keys))
	delArgs := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		delArgs[i] = k
	}
	delQuery := fmt.Sprintf(`DELETE FROM kv_entries WHERE key IN (%s)`, strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, delQuery, delArgs...); err != nil {
		s.observe("delete", err, start)
		return 0, kverr.Wrap(kverr.IO, "delete entries", err)
	}

	for _, k := range keys {
		s.indexDelete(k)
	}
	s.notify("delete", rangeStart[:len(rangeStart)-1])
	s.observe("delete", nil, start)
	return len(keys), nil
}

// List streams entries under prefix in encoded-key order.
func (s *Store) List(ctx context.Context, prefix keycodec.Key, opts ListOptions) ([]*Entry, error) {
	start := time.Now()
	rangeStart, rangeEnd, err := keycodec.EncodeRange(prefix)
	if err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "encode list prefix", err)
	}
	lo, hi := rangeStart, rangeEnd
	if opts.Start != nil {
		lo = opts.Start
	}
	if opts.End != nil {
		hi = opts.End
	}

	whereSQL := "1=1"
	var whereArgs []any
	if opts.Where != nil {
		compiled, err := filter.Compile(opts.Where)
		if err != nil {
			return nil, err
		}
		whereSQL = compiled.SQL
		whereArgs = compiled.Args
	}

	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT %s FROM kv_entries WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?) AND (%s) ORDER BY key %s LIMIT ?`,
		selectColumns, whereSQL, order)
	args := append([]any{lo, hi, time.Now().Unix()}, whereArgs...)
	args = append(args, opts.normalizedLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.observe("list", err, start)
		return nil, kverr.Wrap(kverr.IO, "list entries", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			s.observe("list", err, start)
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		s.observe("list", err, start)
		return nil, kverr.Wrap(kverr.IO, "list entries", err)
	}
	s.observe("list", nil, start)
	return out, nil
}

// Count returns the live-entry count under prefix.
func (s *Store) Count(ctx context.Context, prefix keycodec.Key) (int, error) {
	start := time.Now()
	rangeStart, rangeEnd, err := keycodec.EncodeRange(prefix)
	if err != nil {
		return 0, kverr.Wrap(kverr.InvalidArgument, "encode count prefix", err)
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_entries WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?)`,
		rangeStart, rangeEnd, time.Now().Unix()).Scan(&n)
	s.observe("count", err, start)
	if err != nil {
		return 0, kverr.Wrap(kverr.IO, "count entries", err)
	}
	return n, nil
}

// Paginate returns one page of entries under prefix plus an opaque
// cursor and a hasMore flag derived by overfetching by one row.
func (s *Store) Paginate(ctx context.Context, prefix keycodec.Key, opts PaginateOptions) (*Page, error) {
	start := time.Now()
	rangeStart, rangeEnd, err := keycodec.EncodeRange(prefix)
	if err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "encode paginate prefix", err)
	}

	var cursorKey []byte
	if opts.Cursor != "" {
		cursorKey, err = base64.StdEncoding.DecodeString(opts.Cursor)
		if err != nil {
			return nil, kverr.Wrap(kverr.InvalidArgument, "decode cursor", err)
		}
	}

	whereSQL := "1=1"
	var whereArgs []any
	if opts.Where != nil {
		compiled, err := filter.Compile(opts.Where)
		if err != nil {
			return nil, err
		}
		whereSQL = compiled.SQL
		whereArgs = compiled.Args
	}

	order := "ASC"
	cursorCmp := "key > ?"
	if opts.Reverse {
		order = "DESC"
		cursorCmp = "key < ?"
	}

	limit := normalizePageLimit(opts.Limit)

	var query string
	args := []any{rangeStart, rangeEnd, time.Now().Unix()}
	if len(cursorKey) > 0 {
		query = fmt.Sprintf(
			`SELECT %s FROM kv_entries WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?) AND %s AND (%s) ORDER BY key %s LIMIT ?`,
			selectColumns, cursorCmp, whereSQL, order)
		args = append(args, cursorKey)
	} else {
		query = fmt.Sprintf(
			`SELECT %s FROM kv_entries WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?) AND (%s) ORDER BY key %s LIMIT ?`,
			selectColumns, whereSQL, order)
	}
	args = append(args, whereArgs...)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.observe("paginate", err, start)
		return nil, kverr.Wrap(kverr.IO, "paginate entries", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			s.observe("paginate", err, start)
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		s.observe("paginate", err, start)
		return nil, kverr.Wrap(kverr.IO, "paginate entries", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	cursor := ""
	if len(out) > 0 {
		cursor = base64.StdEncoding.EncodeToString(out[len(out)-1].EncodedKey)
	}
	s.observe("paginate", nil, start)
	return &Page{Entries: out, Cursor: cursor, HasMore: hasMore}, nil
}

func normalizePageLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	return scan(r)
}

func scanEntryRows(r *sql.Rows) (*Entry, error) {
	return scan(r)
}

func scan(r rowScanner) (*Entry, error) {
	var encKey, valueBytes []byte
	var vsStr string
	var expiresAt sql.NullInt64
	if err := r.Scan(&encKey, &valueBytes, &vsStr, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, kverr.Wrap(kverr.IO, "scan entry row", err)
	}

	key, err := keycodec.Decode(encKey)
	if err != nil {
		return nil, kverr.Wrap(kverr.CorruptKey, "decode stored key", err)
	}
	value, err := keycodec.UnmarshalValue(valueBytes)
	if err != nil {
		return nil, kverr.Wrap(kverr.CorruptValue, "decode stored value", err)
	}
	vs, err := versionstamp.ParseString(vsStr)
	if err != nil {
		return nil, kverr.Wrap(kverr.CorruptValue, "decode stored versionstamp", err)
	}

	e := &Entry{Key: key, EncodedKey: encKey, Value: value, Versionstamp: vs}
	if expiresAt.Valid {
		v := expiresAt.Int64
		e.ExpiresAt = &v
	}
	return e, nil
}
