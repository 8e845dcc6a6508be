package watch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeySetWatcherEmitsOnChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := keycodec.Key{keycodec.Text("a")}

	w := NewKeySetWatcher(s, []keycodec.Key{key}, false)

	changes, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, err = s.Set(ctx, key, "v1", storage.SetOptions{})
	require.NoError(t, err)

	changes, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].Versionstamp)

	changes, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes, "unchanged key must not re-emit")
}

func TestKeySetWatcherEmitInitially(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := keycodec.Key{keycodec.Text("a")}
	_, err := s.Set(ctx, key, "v1", storage.SetOptions{})
	require.NoError(t, err)

	w := NewKeySetWatcher(s, []keycodec.Key{key}, true)
	changes, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
}

func TestOneShotKeySetReturnsOnlyDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k1 := keycodec.Key{keycodec.Text("a")}
	k2 := keycodec.Key{keycodec.Text("b")}
	_, err := s.Set(ctx, k1, "v1", storage.SetOptions{})
	require.NoError(t, err)

	changes, stamps, err := OneShotKeySet(ctx, s, []keycodec.Key{k1, k2}, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Len(t, stamps, 2)

	changes2, _, err := OneShotKeySet(ctx, s, []keycodec.Key{k1, k2}, stamps)
	require.NoError(t, err)
	assert.Empty(t, changes2)
}

func TestPrefixWatcherEmitsDeletionOnDisappearance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prefix := keycodec.Key{keycodec.Text("p")}
	k1 := keycodec.Key{keycodec.Text("p"), keycodec.Text("1")}

	_, err := s.Set(ctx, k1, "v", storage.SetOptions{})
	require.NoError(t, err)

	w := NewPrefixWatcher(s, prefix, 0)
	changes, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].Versionstamp)

	_, err = s.Delete(ctx, k1, storage.DeleteOptions{})
	require.NoError(t, err)

	changes2, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, changes2, 1)
	assert.Nil(t, changes2[0].Versionstamp)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := NewKeySetWatcher(s, []keycodec.Key{{keycodec.Text("x")}}, false)

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, w, 5*time.Millisecond, func([]Change) error { return nil }, func() error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestRunEmitsPingOnIdleAndChangesOnUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := keycodec.Key{keycodec.Text("a")}
	w := NewKeySetWatcher(s, []keycodec.Key{key}, false)

	pings := make(chan struct{}, 10)
	emits := make(chan []Change, 10)
	go Run(ctx, w, 5*time.Millisecond, func(c []Change) error {
		emits <- c
		return nil
	}, func() error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("expected at least one ping while idle")
	}

	_, err := s.Set(context.Background(), key, "v", storage.SetOptions{})
	require.NoError(t, err)

	select {
	case c := <-emits:
		require.Len(t, c, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a change emission after set")
	}
}
