// Package storage implements the row-store-backed key/value engine:
// get/set/delete/list/count/paginate over an ordered, versionstamped
// keyspace, plus a background TTL sweeper. It is the only package that
// issues SQL against kv_entries.
package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/log"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key          BLOB PRIMARY KEY,
	value        BLOB NOT NULL,
	versionstamp TEXT NOT NULL,
	expires_at   INTEGER NULL
);
CREATE INDEX IF NOT EXISTS kv_entries_expires_at ON kv_entries(expires_at) WHERE expires_at IS NOT NULL;
`

// Notifier is the trigger dispatcher's view of the storage engine: it
// is told about every successful mutation after it commits.
type Notifier interface {
	Notify(kind string, encodedKey []byte)
}

// Indexer is the FTS index manager's view of the storage engine: it is
// told about every write/delete so matching indexes stay in sync.
type Indexer interface {
	OnSet(encodedKey []byte, value any) error
	OnDelete(encodedKey []byte) error
}

// Metrics is the subset of the metrics sink the storage engine reports to.
type Metrics interface {
	Observe(op string, err error, dur time.Duration)
}

// Store is a SQLite-backed implementation of the KV engine described by
// the storage engine component.
type Store struct {
	db *sql.DB
	vs *versionstamp.Source

	mu       sync.RWMutex
	notifier Notifier
	indexer  Indexer
	metrics  Metrics

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// Open creates or opens the SQLite database at path and ensures the
// kv_entries schema exists. path may be ":memory:" for ephemeral stores.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "open storage database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, kverr.Wrap(kverr.IO, "apply storage schema", err)
	}

	s := &Store{
		db:            db,
		vs:            &versionstamp.Source{},
		sweepInterval: 60 * time.Second,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	return s, nil
}

// SetSweepInterval configures the TTL sweeper's poll period. Must be
// called before StartSweeper; the default is 60s.
func (s *Store) SetSweepInterval(d time.Duration) {
	if d > 0 {
		s.sweepInterval = d
	}
}

// DB exposes the underlying connection so the atomic committer and
// queue engine can share one SQLite file and transaction manager.
func (s *Store) DB() *sql.DB { return s.db }

// Versionstamps exposes the store's versionstamp source so the atomic
// committer assigns stamps from the same monotonic sequence.
func (s *Store) Versionstamps() *versionstamp.Source { return s.vs }

// SetNotifier installs the trigger dispatcher. Nil disables notification.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// SetIndexer installs the FTS index manager. Nil disables indexing.
func (s *Store) SetIndexer(ix Indexer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexer = ix
}

// SetMetrics installs the metrics sink. Nil disables reporting.
func (s *Store) SetMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *Store) notify(kind string, encodedKey []byte) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil {
		n.Notify(kind, encodedKey)
	}
}

func (s *Store) indexSet(encodedKey []byte, value any) {
	s.mu.RLock()
	ix := s.indexer
	s.mu.RUnlock()
	if ix == nil {
		return
	}
	if err := ix.OnSet(encodedKey, value); err != nil {
		log.Logger.Warn().Err(err).Msg("fts index update failed on set")
	}
}

func (s *Store) indexDelete(encodedKey []byte) {
	s.mu.RLock()
	ix := s.indexer
	s.mu.RUnlock()
	if ix == nil {
		return
	}
	if err := ix.OnDelete(encodedKey); err != nil {
		log.Logger.Warn().Err(err).Msg("fts index update failed on delete")
	}
}

// Notify tells the installed trigger dispatcher, if any, about a
// mutation outside of Set/Delete. The atomic committer uses this to
// fire triggers for mutations applied inside its own transaction.
func (s *Store) Notify(kind string, encodedKey []byte) { s.notify(kind, encodedKey) }

// IndexSet tells the installed FTS indexer, if any, about a write
// applied outside of Set.
func (s *Store) IndexSet(encodedKey []byte, value any) { s.indexSet(encodedKey, value) }

// IndexDelete tells the installed FTS indexer, if any, about a delete
// applied outside of Delete.
func (s *Store) IndexDelete(encodedKey []byte) { s.indexDelete(encodedKey) }

// Observe reports an operation's outcome to the installed metrics
// sink, if any.
func (s *Store) Observe(op string, err error, dur time.Duration) {
	s.mu.RLock()
	m := s.metrics
	s.mu.RUnlock()
	if m != nil {
		m.Observe(op, err, dur)
	}
}

func (s *Store) observe(op string, err error, start time.Time) {
	s.Observe(op, err, time.Since(start))
}

// StartSweeper launches the background TTL sweeper. Calling it twice is
// a programming error and panics.
func (s *Store) StartSweeper() {
	go s.sweepLoop()
}

func (s *Store) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if n, err := s.sweepExpired(context.Background()); err != nil {
				log.Logger.Error().Err(err).Msg("ttl sweep failed")
			} else if n > 0 {
				log.Logger.Debug().Int("deleted", n).Msg("ttl sweep removed expired entries")
			}
		}
	}
}

func (s *Store) sweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, kverr.Wrap(kverr.IO, "sweep expired entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close stops the sweeper (if running) and closes the database handle.
func (s *Store) Close() error {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
	return s.db.Close()
}
