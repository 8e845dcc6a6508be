// Package atomic implements the optimistic-concurrency committer:
// versionstamp checks plus a batch of mutations applied together inside
// one row-store transaction.
package atomic

import (
	"context"
	"database/sql"
	"math"
	"math/big"
	"time"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/storage"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

// MutationKind tags the variant an Operation's mutation applies.
type MutationKind string

const (
	Set     MutationKind = "set"
	Delete  MutationKind = "delete"
	Sum     MutationKind = "sum"
	Max     MutationKind = "max"
	Min     MutationKind = "min"
	Append  MutationKind = "append"
	Prepend MutationKind = "prepend"
)

// Check is a versionstamp precondition on a key. A nil Expected means
// the key must be absent.
type Check struct {
	Key      keycodec.Key
	Expected *versionstamp.Versionstamp
}

// Mutation is one tagged-variant mutation applied inside a commit.
type Mutation struct {
	Kind MutationKind
	Key  keycodec.Key

	// Value holds the operand for Set (any JSON value), Append/Prepend
	// (must be a []any), and is unused otherwise.
	Value any
	// Operand holds the numeric operand for Sum/Max/Min.
	Operand int64
	// ExpireIn is Set's expiry option, in milliseconds.
	ExpireIn int64
}

// Operation is a builder collecting checks and mutations for one commit.
type Operation struct {
	Checks    []Check
	Mutations []Mutation
}

// Result is the outcome of a committed Operation.
type Result struct {
	OK           bool
	Versionstamp versionstamp.Versionstamp
}

// Committer executes Operations against a shared Store.
type Committer struct {
	store *storage.Store
}

// New creates a Committer bound to store.
func New(store *storage.Store) *Committer {
	return &Committer{store: store}
}

// Store returns the store this committer commits against, so facades
// like pkg/txn can read through the same instance.
func (c *Committer) Store() *storage.Store { return c.store }

// Commit runs op's commit protocol: check all preconditions under one
// transaction; if any fails, return {OK:false} with no side effects;
// otherwise assign one shared versionstamp, apply every mutation, fire
// triggers and update FTS indexes, and return {OK:true, versionstamp}.
func (c *Committer) Commit(ctx context.Context, op Operation) (Result, error) {
	start := time.Now()
	tx, err := c.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return Result{}, kverr.Wrap(kverr.IO, "begin atomic transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	ok, err := checkAll(ctx, tx, op.Checks)
	if err != nil {
		c.store.Observe("atomic.commit", err, time.Since(start))
		return Result{}, err
	}
	if !ok {
		if err := tx.Commit(); err != nil {
			c.store.Observe("atomic.commit", err, time.Since(start))
			return Result{}, kverr.Wrap(kverr.IO, "commit read-only check transaction", err)
		}
		committed = true
		c.store.Observe("atomic.commit", nil, time.Since(start))
		return Result{OK: false}, nil
	}

	vs, err := c.store.Versionstamps().Next()
	if err != nil {
		c.store.Observe("atomic.commit", err, time.Since(start))
		return Result{}, err
	}

	type affected struct {
		kind string
		key  []byte
	}
	var notifications []affected

	for i, m := range op.Mutations {
		resolvedKey := keycodec.SubstituteVersionstamp(m.Key, vs.Bytes())
		enc, err := keycodec.Encode(resolvedKey)
		if err != nil {
			c.store.Observe("atomic.commit", err, time.Since(start))
			return Result{}, kverr.Wrap(kverr.InvalidArgument, "encode mutation key", err)
		}

		var value any
		switch m.Kind {
		case Set:
			if err := applySet(ctx, tx, enc, m.Value, m.ExpireIn, vs); err != nil {
				c.store.Observe("atomic.commit", err, time.Since(start))
				return Result{}, err
			}
			value = m.Value
		case Delete:
			if err := applyDelete(ctx, tx, enc); err != nil {
				c.store.Observe("atomic.commit", err, time.Since(start))
				return Result{}, err
			}
		case Sum, Max, Min:
			v, err := applyNumeric(ctx, tx, enc, m.Kind, m.Operand, vs)
			if err != nil {
				c.store.Observe("atomic.commit", err, time.Since(start))
				return Result{}, err
			}
			value = v
		case Append, Prepend:
			v, err := applyConcat(ctx, tx, enc, m.Kind, m.Value, vs)
			if err != nil {
				c.store.Observe("atomic.commit", err, time.Since(start))
				return Result{}, err
			}
			value = v
		default:
			c.store.Observe("atomic.commit", err, time.Since(start))
			return Result{}, kverr.Newf(kverr.InvalidArgument, "mutation %d: unknown kind %q", i, m.Kind)
		}

		notifications = append(notifications, affected{kind: string(m.Kind), key: enc})
		if m.Kind != Delete {
			c.store.IndexSet(enc, value)
		} else {
			c.store.IndexDelete(enc)
		}
	}

	if err := tx.Commit(); err != nil {
		c.store.Observe("atomic.commit", err, time.Since(start))
		return Result{}, kverr.Wrap(kverr.IO, "commit atomic transaction", err)
	}
	committed = true

	for _, n := range notifications {
		kind := n.kind
		if kind == string(Sum) || kind == string(Max) || kind == string(Min) || kind == string(Append) || kind == string(Prepend) {
			kind = string(Set)
		}
		c.store.Notify(kind, n.key)
	}

	c.store.Observe("atomic.commit", nil, time.Since(start))
	return Result{OK: true, Versionstamp: vs}, nil
}

func checkAll(ctx context.Context, tx *sql.Tx, checks []Check) (bool, error) {
	for _, chk := range checks {
		enc, err := keycodec.Encode(chk.Key)
		if err != nil {
			return false, kverr.Wrap(kverr.InvalidArgument, "encode check key", err)
		}
		var vsStr string
		err = tx.QueryRowContext(ctx, `SELECT versionstamp FROM kv_entries WHERE key = ?`, enc).Scan(&vsStr)
		switch {
		case err == sql.ErrNoRows:
			if chk.Expected != nil {
				return false, nil
			}
		case err != nil:
			return false, kverr.Wrap(kverr.IO, "read check versionstamp", err)
		default:
			if chk.Expected == nil {
				return false, nil
			}
			current, err := versionstamp.ParseString(vsStr)
			if err != nil {
				return false, kverr.Wrap(kverr.CorruptValue, "decode stored versionstamp", err)
			}
			if current.Compare(*chk.Expected) != 0 {
				return false, nil
			}
		}
	}
	return true, nil
}

func applySet(ctx context.Context, tx *sql.Tx, enc []byte, value any, expireIn int64, vs versionstamp.Versionstamp) error {
	data, err := keycodec.MarshalValue(value)
	if err != nil {
		return err
	}
	var expiresAt sql.NullInt64
	if expireIn != 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Unix() + expireIn/1000, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, versionstamp, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, versionstamp = excluded.versionstamp, expires_at = excluded.expires_at`,
		enc, data, vs.String(), expiresAt)
	if err != nil {
		return kverr.Wrap(kverr.IO, "apply set mutation", err)
	}
	return nil
}

func applyDelete(ctx context.Context, tx *sql.Tx, enc []byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, enc); err != nil {
		return kverr.Wrap(kverr.IO, "apply delete mutation", err)
	}
	return nil
}

// applyNumeric implements sum/max/min with 64-bit signed wraparound
// semantics, reading the current value (or a documented default if
// absent) and writing the result back under the shared versionstamp.
func applyNumeric(ctx context.Context, tx *sql.Tx, enc []byte, kind MutationKind, operand int64, vs versionstamp.Versionstamp) (int64, error) {
	current, found, err := readInt64(ctx, tx, enc)
	if err != nil {
		return 0, err
	}

	var result int64
	switch kind {
	case Sum:
		base := int64(0)
		if found {
			base = current
		}
		result = int64(uint64(base) + uint64(operand)) // documented 64-bit wraparound
	case Max:
		result = operand
		if found && current > operand {
			result = current
		}
	case Min:
		result = operand
		if found && current < operand {
			result = current
		}
	}

	// Stored via the big-integer envelope, not a JSON double: a float64
	// only represents integers exactly up to 2^53, which a 64-bit
	// counter routinely exceeds, so the result would otherwise be
	// silently rounded on write.
	data, err := keycodec.MarshalValue(keycodec.NewBigInt(big.NewInt(result)))
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, versionstamp, expires_at) VALUES (?, ?, ?, NULL)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, versionstamp = excluded.versionstamp, expires_at = NULL`,
		enc, data, vs.String())
	if err != nil {
		return 0, kverr.Wrap(kverr.IO, "apply numeric mutation", err)
	}
	return result, nil
}

// readInt64 reads the current value of a sum/max/min target, accepting
// either the big-integer envelope written by applyNumeric or a plain
// JSON number (e.g. a value seeded by a regular Set), and rejects
// anything that doesn't fit the documented 64-bit signed width instead
// of silently truncating it.
func readInt64(ctx context.Context, tx *sql.Tx, enc []byte) (int64, bool, error) {
	var data []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, enc).Scan(&data)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, kverr.Wrap(kverr.IO, "read numeric mutation target", err)
	}
	v, err := keycodec.UnmarshalValue(data)
	if err != nil {
		return 0, false, kverr.Wrap(kverr.CorruptValue, "decode numeric mutation target", err)
	}
	switch t := v.(type) {
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

func applyConcat(ctx context.Context, tx *sql.Tx, enc []byte, kind MutationKind, operand any, vs versionstamp.Versionstamp) ([]any, error) {
	items, ok := operand.([]any)
	if !ok {
		return nil, kverr.New(kverr.InvalidArgument, "append/prepend operand must be an array")
	}

	var data []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, enc).Scan(&data)
	var current []any
	switch {
	case err == sql.ErrNoRows:
		current = nil
	case err != nil:
		return nil, kverr.Wrap(kverr.IO, "read append/prepend target", err)
	default:
		v, err := keycodec.UnmarshalValue(data)
		if err != nil {
			return nil, kverr.Wrap(kverr.CorruptValue, "decode append/prepend target", err)
		}
		arr, ok := v.([]any)
		if v != nil && !ok {
			return nil, kverr.New(kverr.InvalidArgument, "target of append/prepend is not an array")
		}
		current = arr
	}

	var result []any
	if kind == Append {
		result = append(append([]any{}, current...), items...)
	} else {
		result = append(append([]any{}, items...), current...)
	}

	newData, err := keycodec.MarshalValue(result)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, versionstamp, expires_at) VALUES (?, ?, ?, NULL)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, versionstamp = excluded.versionstamp, expires_at = NULL`,
		enc, newData, vs.String())
	if err != nil {
		return nil, kverr.Wrap(kverr.IO, "apply append/prepend mutation", err)
	}
	return result, nil
}
