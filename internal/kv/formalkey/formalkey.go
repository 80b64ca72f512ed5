// Package formalkey implements the "formal key" discipline from spec.md
// §4.A: each key type owns a tuple encoding (segment strings, ids, integers)
// and a value codec, so that range subspaces derived from prefix tuples
// iterate in a well-defined, byte-lexicographic order.
//
// Numeric segments are order-preserving: integers are written big-endian
// (and, for signed integers, with the sign bit flipped) and floats with an
// ordered bit mapping, so unsigned byte comparison matches numeric
// comparison. Strings carry a 4-byte big-endian length prefix so a short
// segment never becomes a prefix of a longer one; as a consequence strings
// of different lengths sort by length first, not lexicographically.
// RunnerAllocIdx candidates are therefore ordered in Go by the scheduler
// after a forward range scan, not by the byte order of their keys alone.
package formalkey

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Tuple is an ordered sequence of key segments. Subspace() packs a prefix
// tuple that Pack() can extend, and every packed key begins with the
// tuple's first segment acting as the entity-type discriminator.
type Tuple []any

// Pack encodes the tuple into a byte string (see the package doc for how
// the encoded bytes order).
func Pack(t Tuple) []byte {
	var out []byte
	for _, v := range t {
		out = appendElement(out, v)
	}
	return out
}

// Unpack decodes a byte string produced by Pack back into its elements.
// types gives the expected Go type for each positional element (string,
// uuid.UUID, uint64, int64, or float64) so the decoder knows how many bytes
// to consume for fixed-width fields.
func Unpack(b []byte, types []any) (Tuple, error) {
	out := make(Tuple, 0, len(types))
	for _, want := range types {
		switch want.(type) {
		case string:
			s, rest, err := readString(b)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			b = rest
		case uuid.UUID:
			if len(b) < 16 {
				return nil, fmt.Errorf("formalkey: truncated uuid segment")
			}
			id, err := uuid.FromBytes(b[:16])
			if err != nil {
				return nil, err
			}
			out = append(out, id)
			b = b[16:]
		case uint64:
			if len(b) < 8 {
				return nil, fmt.Errorf("formalkey: truncated uint64 segment")
			}
			out = append(out, binary.BigEndian.Uint64(b[:8]))
			b = b[8:]
		case int64:
			if len(b) < 8 {
				return nil, fmt.Errorf("formalkey: truncated int64 segment")
			}
			u := binary.BigEndian.Uint64(b[:8])
			out = append(out, int64(u^signBit))
			b = b[8:]
		case float64:
			if len(b) < 8 {
				return nil, fmt.Errorf("formalkey: truncated float64 segment")
			}
			u := binary.BigEndian.Uint64(b[:8])
			out = append(out, decodeOrderedFloat(u))
			b = b[8:]
		default:
			return nil, fmt.Errorf("formalkey: unsupported unpack type %T", want)
		}
	}
	return out, nil
}

const signBit = uint64(1) << 63

func appendElement(out []byte, v any) []byte {
	switch val := v.(type) {
	case string:
		return appendString(out, val)
	case uuid.UUID:
		b, _ := val.MarshalBinary()
		return append(out, b...)
	case uint64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], val)
		return append(out, buf[:]...)
	case int:
		return appendElement(out, int64(val))
	case int64:
		var buf [8]byte
		// Flip the sign bit so two's-complement ordering matches unsigned
		// byte-lexicographic ordering (negative numbers sort before positive).
		binary.BigEndian.PutUint64(buf[:], uint64(val)^signBit)
		return append(out, buf[:]...)
	case float64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], encodeOrderedFloat(val))
		return append(out, buf[:]...)
	case bool:
		if val {
			return append(out, 1)
		}
		return append(out, 0)
	default:
		panic(fmt.Sprintf("formalkey: unsupported tuple element type %T", v))
	}
}

func appendString(out []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	out = append(out, lenBuf[:]...)
	return append(out, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("formalkey: truncated string length")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("formalkey: truncated string data")
	}
	return string(b[:n]), b[n:], nil
}

// encodeOrderedFloat maps a float64 to a uint64 such that unsigned
// comparison of the result matches IEEE-754 total ordering.
func encodeOrderedFloat(f float64) uint64 {
	u := math.Float64bits(f)
	if u&signBit != 0 {
		return ^u
	}
	return u | signBit
}

func decodeOrderedFloat(u uint64) float64 {
	if u&signBit != 0 {
		return math.Float64frombits(u &^ signBit)
	}
	return math.Float64frombits(^u)
}

// Subspace returns a prefix tuple's packed bytes and the exclusive end key
// of the range it denotes (prefix with its last byte incremented, after
// dropping any trailing 0xFF bytes), suitable for GetRange(begin, end, ...)
// scans of everything under the prefix.
func Subspace(prefix Tuple) (begin, end []byte) {
	begin = Pack(prefix)
	end = make([]byte, len(begin))
	copy(end, begin)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return begin, end[:i+1]
		}
	}
	return begin, append(end, 0xFF)
}
