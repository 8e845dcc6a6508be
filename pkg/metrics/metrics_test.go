package metrics

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkSnapshotAggregatesByOperation(t *testing.T) {
	s := NewSink()
	s.Observe("get", nil, 10*time.Millisecond)
	s.Observe("get", nil, 20*time.Millisecond)
	s.Observe("get", errors.New("boom"), 5*time.Millisecond)

	snap := s.Snapshot()
	stats, ok := snap["get"]
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(35), stats.LatencySumMS)
	assert.InDelta(t, 35.0/3.0, stats.MeanLatencyMS, 0.001)
}

func TestSinkSnapshotIsIndependentPerOperation(t *testing.T) {
	s := NewSink()
	s.Observe("set", nil, time.Millisecond)
	s.Observe("delete", errors.New("x"), time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, int64(0), snap["set"].Errors)
	assert.Equal(t, int64(1), snap["delete"].Errors)
}

func TestCollectorFlushPersistsAggregates(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sink := NewSink()
	sink.Observe("get", nil, 10*time.Millisecond)

	c, err := NewCollector(sink, db, 10*time.Millisecond)
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		var count int
		row := db.QueryRow(`SELECT count FROM metrics WHERE op = 'get'`)
		if err := row.Scan(&count); err != nil {
			return false
		}
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCollectorStopFlushesOnExit(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sink := NewSink()
	c, err := NewCollector(sink, db, time.Hour)
	require.NoError(t, err)
	c.Start()

	sink.Observe("set", nil, time.Millisecond)
	c.Stop()

	var count int
	row := db.QueryRow(`SELECT count FROM metrics WHERE op = 'set'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}
