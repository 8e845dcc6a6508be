// Package watch implements the two change-emitter surfaces over the
// storage engine: polling a fixed key set, and polling a prefix's
// listing for additions, updates, and deletions. Both are available as
// a driven SSE loop (via Run). Only the key-set surface also has a
// stateless one-shot poll (OneShotKeySet); the prefix surface has none.
package watch

import (
	"context"
	"time"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

// DefaultInterval is the fixed polling interval used by both surfaces.
const DefaultInterval = 100 * time.Millisecond

// Change is one emitted difference: a set/update carries a
// Versionstamp, a deletion carries a nil Versionstamp.
type Change struct {
	Key          keycodec.Key
	EncodedKey   []byte
	Versionstamp *versionstamp.Versionstamp
}

// Poller produces the next batch of changes relative to whatever state
// it tracks internally.
type Poller interface {
	Poll(ctx context.Context) ([]Change, error)
}

// Run drives p at a fixed interval until ctx is cancelled. emit is
// called with each non-empty batch; ping is called on every idle tick
// (no changes) so callers can keep an SSE connection alive. Either
// callback returning an error stops the loop.
func Run(ctx context.Context, p Poller, interval time.Duration, emit func([]Change) error, ping func() error) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changes, err := p.Poll(ctx)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				if ping != nil {
					if err := ping(); err != nil {
						return err
					}
				}
				continue
			}
			if err := emit(changes); err != nil {
				return err
			}
		}
	}
}
