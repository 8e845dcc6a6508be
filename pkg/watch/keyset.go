package watch

import (
	"context"
	"encoding/hex"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/storage"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

// KeySetWatcher emits a change batch whenever any of a fixed set of
// keys' versionstamp differs from the last value it emitted.
type KeySetWatcher struct {
	store         *storage.Store
	keys          []keycodec.Key
	last          map[string]versionstamp.Versionstamp
	emittedOnce   bool
	emitInitially bool
}

// NewKeySetWatcher creates a watcher over keys. If emitInitially is
// true, the first Poll call emits every key's current state (or a
// deletion notification for absent keys) even if nothing has changed.
func NewKeySetWatcher(store *storage.Store, keys []keycodec.Key, emitInitially bool) *KeySetWatcher {
	return &KeySetWatcher{
		store:         store,
		keys:          keys,
		last:          make(map[string]versionstamp.Versionstamp),
		emitInitially: emitInitially,
	}
}

// Poll implements Poller.
func (w *KeySetWatcher) Poll(ctx context.Context) ([]Change, error) {
	entries, err := w.store.GetBatch(ctx, w.keys)
	if err != nil {
		return nil, err
	}

	first := !w.emittedOnce
	w.emittedOnce = true
	forceEmit := first && w.emitInitially

	var changes []Change
	for i, key := range w.keys {
		enc, err := keycodec.Encode(key)
		if err != nil {
			return nil, err
		}
		id := hex.EncodeToString(enc)
		e := entries[i]

		if e == nil {
			if _, tracked := w.last[id]; tracked || forceEmit {
				delete(w.last, id)
				changes = append(changes, Change{Key: key, EncodedKey: enc, Versionstamp: nil})
			}
			continue
		}

		prev, tracked := w.last[id]
		if !tracked || prev.Compare(e.Versionstamp) != 0 || forceEmit {
			w.last[id] = e.Versionstamp
			vs := e.Versionstamp
			changes = append(changes, Change{Key: key, EncodedKey: enc, Versionstamp: &vs})
		}
	}
	return changes, nil
}

// OneShotKeySet computes deltas for keys against client-supplied
// versionstamps (nil meaning the client believes the key absent),
// returning only the keys whose current state differs, plus the
// complete current-stamp map for the client to keep for its next poll.
func OneShotKeySet(ctx context.Context, store *storage.Store, keys []keycodec.Key, clientStamps map[string]*versionstamp.Versionstamp) ([]Change, map[string]*versionstamp.Versionstamp, error) {
	entries, err := store.GetBatch(ctx, keys)
	if err != nil {
		return nil, nil, err
	}

	newStamps := make(map[string]*versionstamp.Versionstamp, len(keys))
	var changes []Change
	for i, key := range keys {
		enc, err := keycodec.Encode(key)
		if err != nil {
			return nil, nil, err
		}
		id := hex.EncodeToString(enc)
		e := entries[i]
		client := clientStamps[id]

		if e == nil {
			newStamps[id] = nil
			if client != nil {
				changes = append(changes, Change{Key: key, EncodedKey: enc, Versionstamp: nil})
			}
			continue
		}

		vs := e.Versionstamp
		newStamps[id] = &vs
		if client == nil || client.Compare(vs) != 0 {
			changes = append(changes, Change{Key: key, EncodedKey: enc, Versionstamp: &vs})
		}
	}
	return changes, newStamps, nil
}
