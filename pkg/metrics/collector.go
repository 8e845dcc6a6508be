package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	op              TEXT PRIMARY KEY,
	count           INTEGER NOT NULL,
	errors          INTEGER NOT NULL,
	latency_sum_ms  INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
`

// DefaultFlushInterval is how often Collector persists aggregates when
// durable flush is enabled.
const DefaultFlushInterval = 30 * time.Second

// Collector periodically persists a Sink's aggregates into a metrics
// table, grounded on the teacher's ticker-driven metrics.Collector
// (collect on start, then on every tick, until Stop closes stopCh).
// A flush failure is logged and dropped; metrics never block user
// operations.
type Collector struct {
	sink     *Sink
	db       *sql.DB
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector ensures the metrics table exists and returns a Collector
// bound to sink and db. A zero interval uses DefaultFlushInterval.
func NewCollector(sink *Sink, db *sql.DB, interval time.Duration) (*Collector, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, kverr.Wrap(kverr.IO, "apply metrics schema", err)
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Collector{
		sink:     sink,
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the periodic flush loop.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		c.flush()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush()
			case <-c.stopCh:
				c.flush()
				return
			}
		}
	}()
}

// Stop signals the flush loop to exit, flushing once more before it
// returns, and waits for it to finish.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) flush() {
	snapshot := c.sink.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	now := time.Now().Unix()
	for op, stats := range snapshot {
		_, err := c.db.ExecContext(context.Background(),
			`INSERT INTO metrics (op, count, errors, latency_sum_ms, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(op) DO UPDATE SET count = excluded.count, errors = excluded.errors,
				latency_sum_ms = excluded.latency_sum_ms, updated_at = excluded.updated_at`,
			op, stats.Count, stats.Errors, stats.LatencySumMS, now)
		if err != nil {
			log.Logger.Warn().Err(err).Str("op", op).Msg("metrics flush failed")
		}
	}
}
