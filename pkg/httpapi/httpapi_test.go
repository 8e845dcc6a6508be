package httpapi

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvforge/pkg/atomic"
	"github.com/cuemby/kvforge/pkg/fts"
	"github.com/cuemby/kvforge/pkg/metrics"
	"github.com/cuemby/kvforge/pkg/queue"
	"github.com/cuemby/kvforge/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := queue.Open(store)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	ftsManager, err := fts.Open(store.DB())
	require.NoError(t, err)
	store.SetIndexer(ftsManager)

	sink := metrics.NewSink()
	store.SetMetrics(sink)

	s := NewServer(store, atomic.New(store), q, ftsManager, sink)
	return s, store
}
