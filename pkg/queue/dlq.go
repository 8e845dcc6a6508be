package queue

import (
	"context"
	"database/sql"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
)

// DLQEntry is one dead-lettered message.
type DLQEntry struct {
	ID                string
	OriginalID        string
	Value             any
	ErrorMessage      string
	Attempts          int
	OriginalCreatedAt int64
	FailedAt          int64
}

// ListDLQ returns up to limit dead-lettered entries, oldest first. A
// limit <= 0 defaults to 100.
func (e *Engine) ListDLQ(ctx context.Context, limit int) ([]*DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.store.DB().QueryContext(ctx,
		`SELECT id, original_id, value, error_message, attempts, original_created_at, failed_at
		 FROM kv_dlq ORDER BY failed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "list dlq", err)
	}
	defer rows.Close()

	var out []*DLQEntry
	for rows.Next() {
		entry, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetDLQ returns a single dead-lettered entry, or nil if id is unknown.
func (e *Engine) GetDLQ(ctx context.Context, id string) (*DLQEntry, error) {
	row := e.store.DB().QueryRowContext(ctx,
		`SELECT id, original_id, value, error_message, attempts, original_created_at, failed_at
		 FROM kv_dlq WHERE id = ?`, id)
	entry, err := scanDLQ(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDLQ(row rowScanner) (*DLQEntry, error) {
	var (
		entry DLQEntry
		data  []byte
	)
	if err := row.Scan(&entry.ID, &entry.OriginalID, &data, &entry.ErrorMessage, &entry.Attempts, &entry.OriginalCreatedAt, &entry.FailedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, kverr.Wrap(kverr.IO, "scan dlq row", err)
	}
	value, err := keycodec.UnmarshalValue(data)
	if err != nil {
		return nil, kverr.Wrap(kverr.CorruptValue, "decode dlq value", err)
	}
	entry.Value = value
	return &entry, nil
}

// RequeueDLQ moves a dead-lettered entry back onto the live queue with
// a fresh attempt budget and removes it from the DLQ.
func (e *Engine) RequeueDLQ(ctx context.Context, id string, opts EnqueueOptions) (string, error) {
	entry, err := e.GetDLQ(ctx, id)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", kverr.New(kverr.NotFound, "dlq entry not found")
	}
	newID, err := e.Enqueue(ctx, entry.Value, opts)
	if err != nil {
		return "", err
	}
	if _, err := e.store.DB().ExecContext(ctx, `DELETE FROM kv_dlq WHERE id = ?`, id); err != nil {
		return "", kverr.Wrap(kverr.IO, "delete requeued dlq entry", err)
	}
	return newID, nil
}

// DeleteDLQ permanently discards one dead-lettered entry.
func (e *Engine) DeleteDLQ(ctx context.Context, id string) error {
	if _, err := e.store.DB().ExecContext(ctx, `DELETE FROM kv_dlq WHERE id = ?`, id); err != nil {
		return kverr.Wrap(kverr.IO, "delete dlq entry", err)
	}
	return nil
}

// PurgeDLQ discards every dead-lettered entry and returns how many were
// removed.
func (e *Engine) PurgeDLQ(ctx context.Context) (int, error) {
	res, err := e.store.DB().ExecContext(ctx, `DELETE FROM kv_dlq`)
	if err != nil {
		return 0, kverr.Wrap(kverr.IO, "purge dlq", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
