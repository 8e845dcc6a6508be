// Package txn implements the snapshot-transaction façade: a closure
// that reads through a cache, buffers its writes, and commits them as
// one atomic operation checked against every key it read.
package txn

import (
	"context"
	"encoding/hex"
	"math"
	"math/big"
	"math/rand"
	"time"

	"github.com/cuemby/kvforge/pkg/atomic"
	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/storage"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

// DefaultMaxRetries and DefaultBaseBackoff bound the conflict-retry loop.
const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 10 * time.Millisecond
)

// RunOptions configures Run's conflict-retry behavior.
type RunOptions struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

func (o RunOptions) normalized() RunOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	return o
}

// Outcome is the result of Run.
type Outcome struct {
	OK           bool
	Versionstamp versionstamp.Versionstamp
	Value        any
	Error        string // "conflict" | "error" | ""
	Message      string
}

// Fn is a transaction closure. Its return value is carried through to
// a successful Outcome.Value.
type Fn func(ctx context.Context, tx *Tx) (any, error)

// Run executes fn against a fresh Tx, retrying on commit conflict with
// exponential backoff plus jitter up to opts.MaxRetries times. An error
// returned by fn surfaces immediately as Outcome{Error:"error"} without
// retrying and without applying any buffered write.
func Run(ctx context.Context, committer *atomic.Committer, opts RunOptions, fn Fn) (Outcome, error) {
	opts = opts.normalized()

	for attempt := 0; ; attempt++ {
		tx := New(committer.Store())
		val, err := fn(ctx, tx)
		if err != nil {
			return Outcome{Error: "error", Message: err.Error()}, nil
		}

		result, cerr := tx.commit(ctx, committer)
		if cerr != nil {
			return Outcome{}, cerr
		}
		if result.OK {
			return Outcome{OK: true, Versionstamp: result.Versionstamp, Value: val}, nil
		}
		if attempt >= opts.MaxRetries {
			return Outcome{Error: "conflict"}, nil
		}

		delay := backoffWithJitter(opts.BaseBackoff, attempt)
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	exp := base << attempt
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return exp + jitter
}

type cachedRead struct {
	key   keycodec.Key
	entry *storage.Entry // nil means observed absent
}

type pendingWrite struct {
	present bool
	value   any
}

// Tx is a single transaction attempt: reads are cached, writes are
// buffered, nothing touches the store until commit.
type Tx struct {
	store   *storage.Store
	closed  bool
	reads   map[string]*cachedRead
	pending map[string]pendingWrite
	muts    []atomic.Mutation
}

// New creates a Tx reading through store. Exported for callers that
// manage their own retry loop instead of using Run.
func New(store *storage.Store) *Tx {
	return &Tx{
		store:   store,
		reads:   make(map[string]*cachedRead),
		pending: make(map[string]pendingWrite),
	}
}

// Get returns key's entry (nil if absent), serving a cached value if
// this key (or a pending write to it) has already been observed in
// this transaction.
func (tx *Tx) Get(ctx context.Context, key keycodec.Key) (*storage.Entry, error) {
	if tx.closed {
		return nil, kverr.New(kverr.TransactionClosed, "transaction already committed")
	}
	enc, err := keycodec.Encode(key)
	if err != nil {
		return nil, kverr.Wrap(kverr.InvalidArgument, "encode get key", err)
	}
	id := hex.EncodeToString(enc)

	if pw, ok := tx.pending[id]; ok {
		if !pw.present {
			return nil, nil
		}
		return &storage.Entry{Key: key, EncodedKey: enc, Value: pw.value}, nil
	}
	if c, ok := tx.reads[id]; ok {
		return c.entry, nil
	}

	entry, err := tx.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	tx.reads[id] = &cachedRead{key: key, entry: entry}
	return entry, nil
}

// GetBatch reads multiple keys, applying the same caching as Get.
func (tx *Tx) GetBatch(ctx context.Context, keys []keycodec.Key) ([]*storage.Entry, error) {
	out := make([]*storage.Entry, len(keys))
	for i, k := range keys {
		e, err := tx.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// Set buffers an upsert, visible to subsequent Get calls in this
// transaction, applied only on a successful commit.
func (tx *Tx) Set(key keycodec.Key, value any, opts storage.SetOptions) error {
	if tx.closed {
		return kverr.New(kverr.TransactionClosed, "transaction already committed")
	}
	enc, err := keycodec.Encode(key)
	if err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "encode set key", err)
	}
	tx.muts = append(tx.muts, atomic.Mutation{Kind: atomic.Set, Key: key, Value: value, ExpireIn: opts.ExpireIn})
	tx.pending[hex.EncodeToString(enc)] = pendingWrite{present: true, value: value}
	return nil
}

// Delete buffers an exact-key delete.
func (tx *Tx) Delete(key keycodec.Key) error {
	if tx.closed {
		return kverr.New(kverr.TransactionClosed, "transaction already committed")
	}
	enc, err := keycodec.Encode(key)
	if err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "encode delete key", err)
	}
	tx.muts = append(tx.muts, atomic.Mutation{Kind: atomic.Delete, Key: key})
	tx.pending[hex.EncodeToString(enc)] = pendingWrite{present: false}
	return nil
}

// Sum buffers a numeric sum mutation, updating the local read-your-writes
// view with the resulting value computed against the transaction's
// current view of key (cached read or prior buffered write).
func (tx *Tx) Sum(ctx context.Context, key keycodec.Key, operand int64) error {
	return tx.numeric(ctx, key, atomic.Sum, operand)
}

// Max buffers a numeric max mutation; see Sum.
func (tx *Tx) Max(ctx context.Context, key keycodec.Key, operand int64) error {
	return tx.numeric(ctx, key, atomic.Max, operand)
}

// Min buffers a numeric min mutation; see Sum.
func (tx *Tx) Min(ctx context.Context, key keycodec.Key, operand int64) error {
	return tx.numeric(ctx, key, atomic.Min, operand)
}

func (tx *Tx) numeric(ctx context.Context, key keycodec.Key, kind atomic.MutationKind, operand int64) error {
	if tx.closed {
		return kverr.New(kverr.TransactionClosed, "transaction already committed")
	}
	enc, err := keycodec.Encode(key)
	if err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "encode numeric key", err)
	}

	current, err := tx.Get(ctx, key)
	if err != nil {
		return err
	}
	base, found, err := numericValue(current)
	if err != nil {
		return err
	}

	var result int64
	switch kind {
	case atomic.Sum:
		b := int64(0)
		if found {
			b = base
		}
		result = int64(uint64(b) + uint64(operand)) // documented 64-bit wraparound
	case atomic.Max:
		result = operand
		if found && base > operand {
			result = base
		}
	case atomic.Min:
		result = operand
		if found && base < operand {
			result = base
		}
	}

	tx.muts = append(tx.muts, atomic.Mutation{Kind: kind, Key: key, Operand: operand})
	// Cached read-your-writes value matches what the committer will
	// actually store: the big-integer envelope, not a lossy float64.
	tx.pending[hex.EncodeToString(enc)] = pendingWrite{present: true, value: big.NewInt(result)}
	return nil
}

// numericValue extracts a sum/max/min target's current 64-bit signed
// value from either the big-integer envelope or a plain JSON number
// (e.g. a value seeded by a regular Set), rejecting anything that
// doesn't fit the documented width instead of silently truncating it.
func numericValue(e *storage.Entry) (int64, bool, error) {
	if e == nil {
		return 0, false, nil
	}
	switch t := e.Value.(type) {
	case *big.Int:
		if !t.IsInt64() {
			return 0, false, kverr.New(kverr.InvalidArgument, "target of sum/max/min exceeds 64-bit signed range")
		}
		return t.Int64(), true, nil
	case float64:
		if math.Trunc(t) != t || t < -(1<<63) || t >= (1<<63) {
			return 0, false, kverr.New(kverr.InvalidArgument, "target of sum/max/min is not a 64-bit integer")
		}
		return int64(t), true, nil
	default:
		return 0, false, kverr.New(kverr.InvalidArgument, "target of sum/max/min is not numeric")
	}
}

// Append buffers an append mutation. See Sum for read-your-writes.
func (tx *Tx) Append(ctx context.Context, key keycodec.Key, items []any) error {
	return tx.concat(ctx, key, atomic.Append, items)
}

// Prepend buffers a prepend mutation. See Sum for read-your-writes.
func (tx *Tx) Prepend(ctx context.Context, key keycodec.Key, items []any) error {
	return tx.concat(ctx, key, atomic.Prepend, items)
}

func (tx *Tx) concat(ctx context.Context, key keycodec.Key, kind atomic.MutationKind, items []any) error {
	if tx.closed {
		return kverr.New(kverr.TransactionClosed, "transaction already committed")
	}
	enc, err := keycodec.Encode(key)
	if err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "encode concat key", err)
	}

	current, err := tx.Get(ctx, key)
	if err != nil {
		return err
	}
	var existing []any
	if current != nil {
		if arr, ok := current.Value.([]any); ok {
			existing = arr
		}
	}

	var result []any
	if kind == atomic.Append {
		result = append(append([]any{}, existing...), items...)
	} else {
		result = append(append([]any{}, items...), existing...)
	}

	tx.muts = append(tx.muts, atomic.Mutation{Kind: kind, Key: key, Value: items})
	tx.pending[hex.EncodeToString(enc)] = pendingWrite{present: true, value: result}
	return nil
}

// commit builds an atomic.Operation checking every cached read against
// its originally observed versionstamp and applying every buffered
// mutation, then commits it and marks tx closed.
func (tx *Tx) commit(ctx context.Context, committer *atomic.Committer) (atomic.Result, error) {
	if tx.closed {
		return atomic.Result{}, kverr.New(kverr.TransactionClosed, "transaction already committed")
	}
	op := atomic.Operation{Mutations: tx.muts}
	for _, c := range tx.reads {
		var expected *versionstamp.Versionstamp
		if c.entry != nil {
			vs := c.entry.Versionstamp
			expected = &vs
		}
		op.Checks = append(op.Checks, atomic.Check{Key: c.key, Expected: expected})
	}

	result, err := committer.Commit(ctx, op)
	tx.closed = true
	return result, err
}
