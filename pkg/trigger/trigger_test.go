package trigger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvforge/pkg/keycodec"
)

func TestNotifyMatchesPrefixAndKind(t *testing.T) {
	d := New()
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	_, err := d.Register(keycodec.Key{keycodec.Text("users")}, []Kind{KindSet}, func(e Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	key, err := keycodec.Encode(keycodec.Key{keycodec.Text("users"), keycodec.Text("1")})
	require.NoError(t, err)
	d.Notify("set", key)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, KindSet, got[0].Kind)
}

func TestNotifySkipsNonMatchingKindAndPrefix(t *testing.T) {
	d := New()
	called := make(chan struct{}, 1)
	_, err := d.Register(keycodec.Key{keycodec.Text("users")}, []Kind{KindDelete}, func(e Event) error {
		called <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	key, err := keycodec.Encode(keycodec.Key{keycodec.Text("users"), keycodec.Text("1")})
	require.NoError(t, err)
	d.Notify("set", key)

	key2, err := keycodec.Encode(keycodec.Key{keycodec.Text("orders"), keycodec.Text("1")})
	require.NoError(t, err)
	d.Notify("delete", key2)

	select {
	case <-called:
		t.Fatal("handler should not have been invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifyHandlerErrorDoesNotBlockOthers(t *testing.T) {
	d := New()
	var wg sync.WaitGroup
	wg.Add(2)

	_, err := d.Register(keycodec.Key{}, []Kind{KindSet}, func(e Event) error {
		defer wg.Done()
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = d.Register(keycodec.Key{}, []Kind{KindSet}, func(e Event) error {
		defer wg.Done()
		return nil
	})
	require.NoError(t, err)

	key, err := keycodec.Encode(keycodec.Key{keycodec.Text("x")})
	require.NoError(t, err)
	d.Notify("set", key)

	waitTimeout(t, &wg, time.Second)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	d := New()
	called := make(chan struct{}, 1)
	h, err := d.Register(keycodec.Key{}, []Kind{KindSet}, func(e Event) error {
		called <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	d.Unregister(h)

	key, err := keycodec.Encode(keycodec.Key{keycodec.Text("x")})
	require.NoError(t, err)
	d.Notify("set", key)

	select {
	case <-called:
		t.Fatal("unregistered handler should not fire")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, d.Count())
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handlers")
	}
}
