// Package memindex implements bmdb's in-memory secondary-index
// B+tree: the same branching structure as pkg/diskbtree, but living
// entirely in memory and storing a bitmap of document ids per key
// instead of a single (offset, length) pointer. Keys are an
// order-preserving string encoding of the field value, so range scans
// over the sorted leaf chain match numeric and time ordering, not just
// lexicographic string ordering.
package memindex

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Kind identifies the original type of a field value, so a caller can
// decode a leaf key back into something meaningful for debugging or
// range-bound construction.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

// EncodeString returns an order-preserving key for a string value:
// strings already compare correctly byte-for-byte, so this is the
// identity, tagged so it never collides with an encoded numeric key.
func EncodeString(s string) string {
	return "s:" + s
}

// EncodeInt returns an order-preserving key for a signed integer,
// following the classic sign-flip + big-endian technique (as used in
// LevelDB/CockroachDB key encodings): flipping the sign bit makes the
// big-endian byte order of the two's-complement representation match
// numeric order across negative and non-negative values alike.
func EncodeInt(n int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n)^(1<<63))
	return "i:" + string(buf[:])
}

// EncodeFloat returns an order-preserving key for a float64, using the
// IEEE-754 bit-flip trick: for non-negative floats, flip the sign bit;
// for negative floats, flip every bit. Both transforms make the
// resulting big-endian byte order match float ordering, including
// across the positive/negative boundary.
func EncodeFloat(f float64) string {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return "f:" + string(buf[:])
}

// EncodeBool returns an order-preserving key for a bool (false < true).
func EncodeBool(b bool) string {
	if b {
		return "b:1"
	}
	return "b:0"
}

// EncodeTime returns an order-preserving key for a time.Time, via its
// Unix nanosecond timestamp run through EncodeInt.
func EncodeTime(t time.Time) string {
	return "t:" + EncodeInt(t.UnixNano())[2:]
}

// EncodeValue dispatches to the right encoder for common Go value
// types a document field might hold; anything else is rejected since
// it has no defined order.
func EncodeValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return EncodeString(val), nil
	case int:
		return EncodeInt(int64(val)), nil
	case int32:
		return EncodeInt(int64(val)), nil
	case int64:
		return EncodeInt(val), nil
	case float32:
		return EncodeFloat(float64(val)), nil
	case float64:
		return EncodeFloat(val), nil
	case bool:
		return EncodeBool(val), nil
	case time.Time:
		return EncodeTime(val), nil
	default:
		return "", fmt.Errorf("memindex: unsupported field value type %T", v)
	}
}
