package watch

import (
	"context"
	"encoding/hex"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/storage"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

// PrefixWatcher emits changes over a prefix listing: new or updated
// entries, and a (key, nil) deletion notification for any key present
// in the previous snapshot but absent from the current one.
type PrefixWatcher struct {
	store  *storage.Store
	prefix keycodec.Key
	limit  int
	last   map[string]versionstamp.Versionstamp
}

// NewPrefixWatcher creates a watcher over prefix, listing up to limit
// entries per poll (storage.ListOptions defaults apply if limit <= 0).
func NewPrefixWatcher(store *storage.Store, prefix keycodec.Key, limit int) *PrefixWatcher {
	return &PrefixWatcher{
		store:  store,
		prefix: prefix,
		limit:  limit,
		last:   make(map[string]versionstamp.Versionstamp),
	}
}

// Poll implements Poller.
func (w *PrefixWatcher) Poll(ctx context.Context) ([]Change, error) {
	entries, err := w.store.List(ctx, w.prefix, storage.ListOptions{Limit: w.limit})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	var changes []Change
	for _, e := range entries {
		id := hex.EncodeToString(e.EncodedKey)
		seen[id] = true
		prev, tracked := w.last[id]
		if !tracked || prev.Compare(e.Versionstamp) != 0 {
			w.last[id] = e.Versionstamp
			vs := e.Versionstamp
			changes = append(changes, Change{Key: e.Key, EncodedKey: e.EncodedKey, Versionstamp: &vs})
		}
	}

	for id := range w.last {
		if !seen[id] {
			delete(w.last, id)
			key, encodedKey, err := decodeHexKey(id)
			if err != nil {
				continue
			}
			changes = append(changes, Change{Key: key, EncodedKey: encodedKey, Versionstamp: nil})
		}
	}
	return changes, nil
}

func decodeHexKey(id string) (keycodec.Key, []byte, error) {
	enc, err := hex.DecodeString(id)
	if err != nil {
		return nil, nil, err
	}
	key, err := keycodec.Decode(enc)
	if err != nil {
		return nil, nil, err
	}
	return key, enc, nil
}
