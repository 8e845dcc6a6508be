// Package trigger implements the in-process fan-out dispatcher that
// notifies subscribers after a successful mutation. It is grounded on
// the same registry shape as a pub/sub event broker, but subscribers
// here are handler closures rather than channels, keyed by a key prefix
// and an event-kind set rather than a fixed enum. Each matching handler
// runs on its own goroutine.
package trigger

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/log"
)

// Kind is the mutation kind a registration subscribes to.
type Kind string

const (
	KindSet    Kind = "set"
	KindDelete Kind = "delete"
)

// Event is delivered to a handler on a matching mutation.
type Event struct {
	Kind       Kind
	Key        keycodec.Key
	EncodedKey []byte
}

// Handler processes one Event. A returned error is logged but never
// surfaces to the caller that triggered the mutation.
type Handler func(Event) error

// Handle identifies a registration for later Unregister calls.
type Handle uint64

type registration struct {
	id      Handle
	prefix  []byte
	kinds   map[Kind]bool
	handler Handler
}

// Dispatcher fans out mutation notifications to registered handlers.
// The zero value is not ready to use; call New.
type Dispatcher struct {
	mu     sync.RWMutex
	regs   []*registration
	nextID uint64
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Register adds a handler invoked whenever a mutation's key is covered
// by prefix and whose kind is in kinds. Registration order is preserved
// for dispatch iteration.
func (d *Dispatcher) Register(prefix keycodec.Key, kinds []Kind, handler Handler) (Handle, error) {
	enc, err := keycodec.Encode(prefix)
	if err != nil {
		return 0, kverr.Wrap(kverr.InvalidArgument, "encode trigger prefix", err)
	}
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := Handle(d.nextID)
	d.regs = append(d.regs, &registration{id: id, prefix: enc, kinds: set, handler: handler})
	return id, nil
}

// Unregister removes a registration. Unregistering an unknown handle is
// a no-op.
func (d *Dispatcher) Unregister(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.regs {
		if r.id == h {
			d.regs = append(d.regs[:i], d.regs[i+1:]...)
			return
		}
	}
}

// Notify implements storage.Notifier: it is called once per successful
// mutation with the mutation kind and the affected encoded key (or key
// prefix, for a tree delete).
func (d *Dispatcher) Notify(kind string, encodedKey []byte) {
	d.mu.RLock()
	regs := make([]*registration, len(d.regs))
	copy(regs, d.regs)
	d.mu.RUnlock()

	k := Kind(kind)
	key, err := keycodec.Decode(encodedKey)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("trigger dispatch: corrupt key, skipping")
		return
	}
	ev := Event{Kind: k, Key: key, EncodedKey: encodedKey}

	for _, r := range regs {
		if !r.kinds[k] || !bytes.HasPrefix(encodedKey, r.prefix) {
			continue
		}
		go d.invoke(r, ev)
	}
}

func (d *Dispatcher) invoke(r *registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Logger.Error().Interface("panic", rec).Msg("trigger handler panicked")
		}
	}()
	if err := r.handler(ev); err != nil {
		log.Logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("trigger handler failed")
	}
}

// Count returns the number of active registrations.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regs)
}
