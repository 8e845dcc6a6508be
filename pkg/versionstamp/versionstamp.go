// Package versionstamp generates the monotonic, lexicographically ordered
// identifiers the storage engine stamps onto every committed mutation.
// Encoding follows UUIDv7: a 48-bit millisecond timestamp followed by a
// random tail, which makes byte-order comparison equivalent to creation
// order across the whole keyspace.
package versionstamp

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/kvforge/pkg/kverr"
)

// Size is the fixed length, in bytes, of an encoded versionstamp.
const Size = 16

// Versionstamp is an opaque, order-preserving commit identifier.
type Versionstamp [Size]byte

// String renders the versionstamp as a UUID-formatted hex string.
func (v Versionstamp) String() string {
	return uuid.UUID(v).String()
}

// Bytes returns the versionstamp's raw encoding.
func (v Versionstamp) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, v[:])
	return out
}

// Compare orders two versionstamps; a negative result means v was
// generated before other.
func (v Versionstamp) Compare(other Versionstamp) int {
	for i := range v {
		if v[i] != other[i] {
			return int(v[i]) - int(other[i])
		}
	}
	return 0
}

// Parse decodes a 16-byte versionstamp encoding.
func Parse(b []byte) (Versionstamp, error) {
	var v Versionstamp
	if len(b) != Size {
		return v, kverr.Newf(kverr.InvalidArgument, "versionstamp must be %d bytes, got %d", Size, len(b))
	}
	copy(v[:], b)
	return v, nil
}

// ParseString decodes the UUID-formatted hex string produced by String.
func ParseString(s string) (Versionstamp, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Versionstamp{}, kverr.Wrap(kverr.CorruptValue, "parse versionstamp", err)
	}
	return Versionstamp(id), nil
}

// Source issues strictly increasing versionstamps. The zero value is
// ready to use; a Source is safe for concurrent use.
type Source struct {
	mu   sync.Mutex
	last Versionstamp
}

// Next returns a versionstamp guaranteed to be strictly greater than
// every versionstamp previously returned by this Source, even across
// ties or regressions in the underlying clock.
func (s *Source) Next() (Versionstamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return Versionstamp{}, kverr.Wrap(kverr.IO, "generate versionstamp", err)
	}
	v := Versionstamp(id)

	var zero Versionstamp
	if s.last != zero && v.Compare(s.last) <= 0 {
		v = incremented(s.last)
	}
	s.last = v
	return v, nil
}

// incremented returns the lexicographically next possible versionstamp
// after v, used when the clock fails to advance between two calls.
func incremented(v Versionstamp) Versionstamp {
	out := v
	tail := binary.BigEndian.Uint64(out[8:])
	tail++
	binary.BigEndian.PutUint64(out[8:], tail)
	if tail != 0 {
		return out
	}
	// Tail wrapped around; carry into the timestamp portion so ordering
	// still holds even in the astronomically unlikely exhaustion case.
	head := binary.BigEndian.Uint64(out[:8])
	head++
	binary.BigEndian.PutUint64(out[:8], head)
	return out
}
