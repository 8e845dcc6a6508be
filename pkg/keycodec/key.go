// Package keycodec implements the order-preserving binary encoding of
// composite keys described by the storage engine: encoded keys compare
// byte-for-byte in the same order as the semantic tuples they represent,
// which is what makes range scans over pkg/storage possible.
package keycodec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/cuemby/kvforge/pkg/kverr"
)

// Reserved bytes. Tag values start above both so that an unescaped
// separator or escape byte never collides with a type tag, which keeps
// the inter-type ordering intact (see tag ordering below).
const (
	sepByte    byte = 0x00
	escByte    byte = 0x01
	rangeEnd   byte = 0xFF
)

// Type tags, in ascending order, fix the inter-type precedence demanded
// by the spec: bytes < text < number < big-integer < boolean.
const (
	tagBytes     byte = 0x02
	tagText      byte = 0x03
	tagNumber    byte = 0x04
	tagBigIntNeg byte = 0x05
	tagBigIntPos byte = 0x06
	tagBoolFalse byte = 0x07
	tagBoolTrue  byte = 0x08
)

// Part is one element of a composite Key. The concrete types below are
// the only valid implementations; Encode rejects anything else.
type Part interface {
	isPart()
}

type (
	// Bytes is a raw byte-string key part.
	Bytes []byte
	// Text is a UTF-8 string key part.
	Text string
	// Number is a finite float64 key part.
	Number float64
	// Bool is a boolean key part.
	Bool bool
)

// BigInt is an arbitrary-precision integer key part.
type BigInt struct{ *big.Int }

// VersionstampPlaceholder marks a key part to be resolved to the
// enclosing atomic commit's shared versionstamp before encoding. Encode
// rejects a Key that still contains one; callers must run
// SubstituteVersionstamp first.
type VersionstampPlaceholder struct{}

func (Bytes) isPart()                  {}
func (Text) isPart()                   {}
func (Number) isPart()                 {}
func (Bool) isPart()                   {}
func (BigInt) isPart()                 {}
func (VersionstampPlaceholder) isPart() {}

// SubstituteVersionstamp returns a copy of k with every
// VersionstampPlaceholder part replaced by raw.
func SubstituteVersionstamp(k Key, raw []byte) Key {
	out := make(Key, len(k))
	for i, p := range k {
		if _, ok := p.(VersionstampPlaceholder); ok {
			out[i] = Bytes(raw)
		} else {
			out[i] = p
		}
	}
	return out
}

// Key is an ordered sequence of key parts.
type Key []Part

// NewBigInt wraps a *big.Int as a key Part.
func NewBigInt(v *big.Int) BigInt { return BigInt{v} }

// Encode renders a Key into its order-preserving binary form. Encoding
// an empty Key yields an empty slice, which is valid only as a prefix
// (see package storage for the "never a stored key" invariant).
func Encode(k Key) ([]byte, error) {
	var buf []byte
	for i, p := range k {
		enc, err := encodePart(p)
		if err != nil {
			return nil, kverr.Wrap(kverr.InvalidArgument, fmt.Sprintf("encode key part %d", i), err)
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

func encodePart(p Part) ([]byte, error) {
	switch v := p.(type) {
	case Bytes:
		return encodeVariable(tagBytes, []byte(v)), nil
	case Text:
		return encodeVariable(tagText, []byte(v)), nil
	case Number:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, kverr.New(kverr.InvalidArgument, "number key part must be finite")
		}
		return encodeNumber(f), nil
	case BigInt:
		if v.Int == nil {
			return nil, kverr.New(kverr.InvalidArgument, "nil big.Int key part")
		}
		return encodeBigInt(v.Int), nil
	case Bool:
		if v {
			return []byte{tagBoolTrue}, nil
		}
		return []byte{tagBoolFalse}, nil
	case VersionstampPlaceholder:
		return nil, kverr.New(kverr.InvalidArgument, "unresolved versionstamp placeholder in key")
	default:
		return nil, kverr.New(kverr.InvalidArgument, "unsupported key part kind")
	}
}

func encodeVariable(tag byte, raw []byte) []byte {
	out := make([]byte, 0, len(raw)+2)
	out = append(out, tag)
	for _, b := range raw {
		switch b {
		case sepByte, escByte:
			out = append(out, escByte, b)
		default:
			out = append(out, b)
		}
	}
	out = append(out, sepByte)
	return out
}

func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if math.Signbit(f) {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	out := make([]byte, 9)
	out[0] = tagNumber
	binary.BigEndian.PutUint64(out[1:], bits)
	return out
}

func encodeBigInt(v *big.Int) []byte {
	neg := v.Sign() < 0
	mag := new(big.Int).Abs(v).Bytes()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(mag)))

	out := make([]byte, 0, 5+len(mag))
	if neg {
		out = append(out, tagBigIntNeg)
		// Invert length and magnitude so that larger magnitudes (more
		// negative values) encode to smaller byte strings, preserving
		// ascending numeric order across ascending byte order.
		for _, b := range lenBuf {
			out = append(out, ^b)
		}
		for _, b := range mag {
			out = append(out, ^b)
		}
	} else {
		out = append(out, tagBigIntPos)
		out = append(out, lenBuf[:]...)
		out = append(out, mag...)
	}
	return out
}

// Decode parses the binary form produced by Encode back into a Key.
func Decode(b []byte) (Key, error) {
	var k Key
	i := 0
	for i < len(b) {
		tag := b[i]
		i++
		switch tag {
		case tagBytes, tagText:
			raw, next, err := decodeVariable(b, i)
			if err != nil {
				return nil, err
			}
			i = next
			if tag == tagBytes {
				k = append(k, Bytes(raw))
			} else {
				k = append(k, Text(string(raw)))
			}
		case tagNumber:
			if i+8 > len(b) {
				return nil, kverr.New(kverr.CorruptKey, "truncated number part")
			}
			bits := binary.BigEndian.Uint64(b[i : i+8])
			i += 8
			if bits&(1<<63) != 0 {
				bits &^= 1 << 63
			} else {
				bits = ^bits
			}
			k = append(k, Number(math.Float64frombits(bits)))
		case tagBigIntNeg, tagBigIntPos:
			v, next, err := decodeBigInt(b, i, tag == tagBigIntNeg)
			if err != nil {
				return nil, err
			}
			i = next
			k = append(k, BigInt{v})
		case tagBoolFalse:
			k = append(k, Bool(false))
		case tagBoolTrue:
			k = append(k, Bool(true))
		default:
			return nil, kverr.Newf(kverr.CorruptKey, "unknown key part tag 0x%02x", tag)
		}
	}
	return k, nil
}

func decodeVariable(b []byte, i int) ([]byte, int, error) {
	var raw []byte
	for i < len(b) {
		switch b[i] {
		case sepByte:
			return raw, i + 1, nil
		case escByte:
			if i+1 >= len(b) {
				return nil, 0, kverr.New(kverr.CorruptKey, "truncated escape sequence")
			}
			raw = append(raw, b[i+1])
			i += 2
		default:
			raw = append(raw, b[i])
			i++
		}
	}
	return nil, 0, kverr.New(kverr.CorruptKey, "unterminated variable-length key part")
}

func decodeBigInt(b []byte, i int, neg bool) (*big.Int, int, error) {
	if i+4 > len(b) {
		return nil, 0, kverr.New(kverr.CorruptKey, "truncated big-integer length")
	}
	var lenBuf [4]byte
	copy(lenBuf[:], b[i:i+4])
	if neg {
		for j := range lenBuf {
			lenBuf[j] = ^lenBuf[j]
		}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	i += 4
	if i+int(length) > len(b) {
		return nil, 0, kverr.New(kverr.CorruptKey, "truncated big-integer magnitude")
	}
	mag := make([]byte, length)
	copy(mag, b[i:i+int(length)])
	i += int(length)
	if neg {
		for j := range mag {
			mag[j] = ^mag[j]
		}
	}
	v := new(big.Int).SetBytes(mag)
	if neg {
		v.Neg(v)
	}
	return v, i, nil
}

// EncodeRange computes the half-open byte range [start, end) that
// contains every key that extends prefix by at least one part. The key
// equal to prefix itself sorts just before start and is not included.
func EncodeRange(prefix Key) (start, end []byte, err error) {
	enc, err := Encode(prefix)
	if err != nil {
		return nil, nil, err
	}
	start = append(append([]byte{}, enc...), sepByte)
	end = append(append([]byte{}, enc...), rangeEnd)
	return start, end, nil
}

// Compare orders two encoded keys the way bytes.Compare does: the sign
// of the result matches bytes.Compare, though the value is the difference
// of the first differing bytes rather than -1 or +1.
func Compare(a, b []byte) int {
	switch {
	case len(a) < len(b):
		for i := range a {
			if a[i] != b[i] {
				return int(a[i]) - int(b[i])
			}
		}
		return -1
	case len(a) > len(b):
		for i := range b {
			if a[i] != b[i] {
				return int(a[i]) - int(b[i])
			}
		}
		return 1
	default:
		for i := range a {
			if a[i] != b[i] {
				return int(a[i]) - int(b[i])
			}
		}
		return 0
	}
}
