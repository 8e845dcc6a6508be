// Package queue implements the at-least-once, delay-capable,
// retry-with-backoff message queue described by the queue engine
// component, backed by its own tables in the same row-store database
// the KV engine uses.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/log"
	"github.com/cuemby/kvforge/pkg/storage"
)

// All timestamp columns below are Unix epoch milliseconds, not seconds:
// a backoff schedule can be sub-second (e.g. 10ms), and second-resolution
// storage would truncate it to zero delay.
const schema = `
CREATE TABLE IF NOT EXISTS kv_queue (
	id                  TEXT PRIMARY KEY,
	value               BLOB NOT NULL,
	ready_at            INTEGER NOT NULL,
	attempts            INTEGER NOT NULL,
	max_attempts        INTEGER NOT NULL,
	backoff_schedule    TEXT NOT NULL,
	keys_if_undelivered TEXT NOT NULL,
	status              TEXT NOT NULL,
	locked_until        INTEGER NULL,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_queue_ready ON kv_queue(status, ready_at);

CREATE TABLE IF NOT EXISTS kv_dlq (
	id                  TEXT PRIMARY KEY,
	original_id         TEXT NOT NULL,
	value               BLOB NOT NULL,
	error_message       TEXT NOT NULL,
	attempts            INTEGER NOT NULL,
	original_created_at INTEGER NOT NULL,
	failed_at           INTEGER NOT NULL
);
`

// DefaultBackoffSchedule is used when EnqueueOptions.BackoffSchedule is
// empty, in milliseconds.
var DefaultBackoffSchedule = []int64{1000, 5000, 10000}

// DefaultLeaseDuration is the default dequeue lock lease.
const DefaultLeaseDuration = 30 * time.Second

// DefaultLeaseRecoveryInterval is the default lease-recovery sweep period.
const DefaultLeaseRecoveryInterval = 60 * time.Second

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
)

// Message is one queue row.
type Message struct {
	ID                string
	Value             any
	ReadyAt           int64
	Attempts          int
	MaxAttempts       int
	BackoffSchedule   []int64
	KeysIfUndelivered []keycodec.Key
	Status            string
	LockedUntil       *int64
	CreatedAt         int64
	UpdatedAt         int64
}

// EnqueueOptions configures Engine.Enqueue.
type EnqueueOptions struct {
	Delay             time.Duration
	BackoffSchedule   []time.Duration
	KeysIfUndelivered []keycodec.Key
}

// Dequeued is returned by Engine.Dequeue.
type Dequeued struct {
	ID       string
	Value    any
	Attempts int
}

// Stats summarizes queue depth.
type Stats struct {
	Pending    int
	Processing int
	DLQ        int
	Total      int
}

// Engine implements enqueue/dequeue/ack/nack over kv_queue/kv_dlq.
type Engine struct {
	store *storage.Store

	leaseDuration   time.Duration
	defaultBackoff  []int64
	stopSweep       chan struct{}
	sweepDone       chan struct{}
}

// Open ensures the queue schema exists on store's database and returns
// a ready Engine.
func Open(store *storage.Store) (*Engine, error) {
	if _, err := store.DB().Exec(schema); err != nil {
		return nil, kverr.Wrap(kverr.IO, "apply queue schema", err)
	}
	return &Engine{
		store:         store,
		leaseDuration: DefaultLeaseDuration,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}, nil
}

// SetLeaseDuration configures how long a dequeued message stays locked
// to its consumer before RecoverLeases makes it eligible again.
func (e *Engine) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		e.leaseDuration = d
	}
}

// SetDefaultBackoff overrides the retry schedule (in milliseconds)
// applied to messages enqueued without an explicit BackoffSchedule.
func (e *Engine) SetDefaultBackoff(ms []int64) {
	if len(ms) > 0 {
		e.defaultBackoff = ms
	}
}

// Enqueue inserts a new pending message.
func (e *Engine) Enqueue(ctx context.Context, value any, opts EnqueueOptions) (string, error) {
	schedule := DefaultBackoffSchedule
	if e.defaultBackoff != nil {
		schedule = e.defaultBackoff
	}
	if len(opts.BackoffSchedule) > 0 {
		schedule = make([]int64, len(opts.BackoffSchedule))
		for i, d := range opts.BackoffSchedule {
			schedule[i] = d.Milliseconds()
		}
	}

	data, err := keycodec.MarshalValue(value)
	if err != nil {
		return "", err
	}
	scheduleJSON, _ := json.Marshal(schedule)
	keysJSON, err := marshalKeys(opts.KeysIfUndelivered)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := time.Now().UnixMilli()
	readyAt := now + opts.Delay.Milliseconds()

	_, err = e.store.DB().ExecContext(ctx,
		`INSERT INTO kv_queue (id, value, ready_at, attempts, max_attempts, backoff_schedule, keys_if_undelivered, status, locked_until, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?, NULL, ?, ?)`,
		id, data, readyAt, len(schedule)+1, scheduleJSON, keysJSON, StatusPending, now, now)
	if err != nil {
		return "", kverr.Wrap(kverr.IO, "enqueue message", err)
	}
	return id, nil
}

// Dequeue atomically claims the oldest ready pending message, or
// returns (nil, nil) if none is ready.
func (e *Engine) Dequeue(ctx context.Context) (*Dequeued, error) {
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "begin dequeue transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var id string
	var data []byte
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT id, value, attempts FROM kv_queue WHERE status = ? AND ready_at <= ? ORDER BY created_at ASC LIMIT 1`,
		StatusPending, now).Scan(&id, &data, &attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "select dequeue candidate", err)
	}

	attempts++
	lockedUntil := now + e.leaseDuration.Milliseconds()
	_, err = tx.ExecContext(ctx,
		`UPDATE kv_queue SET status = ?, attempts = ?, locked_until = ?, updated_at = ? WHERE id = ?`,
		StatusProcessing, attempts, lockedUntil, now, id)
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "claim dequeue candidate", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, kverr.Wrap(kverr.IO, "commit dequeue transaction", err)
	}

	value, err := keycodec.UnmarshalValue(data)
	if err != nil {
		return nil, kverr.Wrap(kverr.CorruptValue, "decode dequeued value", err)
	}
	return &Dequeued{ID: id, Value: value, Attempts: attempts}, nil
}

// Ack deletes the message; a missing id is a no-op.
func (e *Engine) Ack(ctx context.Context, id string) error {
	if _, err := e.store.DB().ExecContext(ctx, `DELETE FROM kv_queue WHERE id = ?`, id); err != nil {
		return kverr.Wrap(kverr.IO, "ack message", err)
	}
	return nil
}

// Nack applies a negative acknowledgement to id: if attempts remain, the
// message is rescheduled per its backoff; otherwise it moves to the DLQ
// (and its fallback keys, if any, are written).
func (e *Engine) Nack(ctx context.Context, id string) error {
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return kverr.Wrap(kverr.IO, "begin nack transaction", err)
	}
	defer tx.Rollback()

	var data []byte
	var attempts, maxAttempts int
	var scheduleJSON, keysJSON string
	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT value, attempts, max_attempts, backoff_schedule, keys_if_undelivered, created_at FROM kv_queue WHERE id = ?`,
		id).Scan(&data, &attempts, &maxAttempts, &scheduleJSON, &keysJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return kverr.Wrap(kverr.IO, "read nack target", err)
	}

	if attempts < maxAttempts {
		var schedule []int64
		_ = json.Unmarshal([]byte(scheduleJSON), &schedule)
		delay := backoffFor(schedule, attempts)
		now := time.Now().UnixMilli()
		readyAt := now + delay
		_, err = tx.ExecContext(ctx,
			`UPDATE kv_queue SET status = ?, ready_at = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
			StatusPending, readyAt, now, id)
		if err != nil {
			return kverr.Wrap(kverr.IO, "reschedule nacked message", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_queue WHERE id = ?`, id); err != nil {
		return kverr.Wrap(kverr.IO, "delete exhausted message", err)
	}
	dlqID := uuid.New().String()
	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_dlq (id, original_id, value, error_message, attempts, original_created_at, failed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dlqID, id, data, "Max attempts exceeded", attempts, createdAt, now)
	if err != nil {
		return kverr.Wrap(kverr.IO, "insert dlq row", err)
	}
	if err := tx.Commit(); err != nil {
		return kverr.Wrap(kverr.IO, "commit nack transaction", err)
	}

	keys, err := unmarshalKeys(keysJSON)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("decode keysIfUndelivered failed")
		return nil
	}
	if len(keys) > 0 {
		value, err := keycodec.UnmarshalValue(data)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("decode dlq fallback value failed")
			return nil
		}
		for _, k := range keys {
			if _, err := e.store.Set(ctx, k, value, storage.SetOptions{}); err != nil {
				log.Logger.Warn().Err(err).Msg("write dlq fallback key failed")
			}
		}
	}
	return nil
}

func backoffFor(schedule []int64, attempts int) int64 {
	if len(schedule) == 0 {
		return DefaultBackoffSchedule[len(DefaultBackoffSchedule)-1]
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// Stats reports current queue depth.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	row := e.store.DB().QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM kv_queue WHERE status = ?),
			(SELECT COUNT(*) FROM kv_queue WHERE status = ?),
			(SELECT COUNT(*) FROM kv_dlq)`,
		StatusPending, StatusProcessing)
	if err := row.Scan(&s.Pending, &s.Processing, &s.DLQ); err != nil {
		return Stats{}, kverr.Wrap(kverr.IO, "read queue stats", err)
	}
	s.Total = s.Pending + s.Processing + s.DLQ
	return s, nil
}

// RecoverLeases resets processing rows whose lease has expired back to
// pending without consuming an extra retry.
func (e *Engine) RecoverLeases(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	res, err := e.store.DB().ExecContext(ctx,
		`UPDATE kv_queue SET status = ?, locked_until = NULL, updated_at = ? WHERE status = ? AND locked_until < ?`,
		StatusPending, now, StatusProcessing, now)
	if err != nil {
		return 0, kverr.Wrap(kverr.IO, "recover expired leases", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StartLeaseRecovery launches the periodic lease-recovery sweeper.
func (e *Engine) StartLeaseRecovery(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLeaseRecoveryInterval
	}
	go e.sweepLeases(interval)
}

func (e *Engine) sweepLeases(interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopSweep:
			return
		case <-ticker.C:
			if n, err := e.RecoverLeases(context.Background()); err != nil {
				log.Logger.Error().Err(err).Msg("lease recovery sweep failed")
			} else if n > 0 {
				log.Logger.Debug().Int("recovered", n).Msg("lease recovery sweep reclaimed messages")
			}
		}
	}
}

// Close stops the lease-recovery sweeper if it was started.
func (e *Engine) Close() {
	select {
	case <-e.stopSweep:
	default:
		close(e.stopSweep)
	}
}

func marshalKeys(keys []keycodec.Key) (string, error) {
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		enc, err := keycodec.Encode(k)
		if err != nil {
			return "", err
		}
		encoded[i] = enc
	}
	b, err := json.Marshal(encoded)
	if err != nil {
		return "", kverr.Wrap(kverr.InvalidArgument, "marshal keysIfUndelivered", err)
	}
	return string(b), nil
}

func unmarshalKeys(data string) ([]keycodec.Key, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	var encoded [][]byte
	if err := json.Unmarshal([]byte(data), &encoded); err != nil {
		return nil, err
	}
	keys := make([]keycodec.Key, len(encoded))
	for i, enc := range encoded {
		k, err := keycodec.Decode(enc)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}
