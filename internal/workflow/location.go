package workflow

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Location is the nested-integer path identifying a step's position inside a
// workflow's control flow (spec.md §3 "History event"): a top-level step is
// Location{0}, {1}, {2}, ...; a step nested inside the Nth loop iteration or
// branch of the operation at location L is L followed by N and the step's
// index (for a loop at {0}: {0, N, 0}, {0, N, 1}, and so on). Locations are compared and
// scanned in their natural nesting order.
type Location []uint32

// Root is the empty location, the parent of a workflow's top-level
// sequence; the first top-level step is Root().Child(0), i.e. Location{0}.
func Root() Location { return Location{} }

// Child returns the location of the ith child under this location (used by
// loop iterations and join/select branches).
func (l Location) Child(i uint32) Location {
	child := make(Location, len(l)+1)
	copy(child, l)
	child[len(l)] = i
	return child
}

// Encode packs the location into an order-preserving byte string: each
// component is a fixed-width big-endian uint32, so lexicographic byte
// comparison matches nested-path comparison (shorter prefixes sort before
// their children, matching a pre-order walk of the control flow tree).
func (l Location) Encode() []byte {
	buf := make([]byte, 0, len(l)*5)
	for i, c := range l {
		if i > 0 {
			buf = append(buf, 0x01) // separator, sorts below any component byte's high bit
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], c)
		buf = append(buf, b[:]...)
	}
	return buf
}

// String renders a location as "0.2.1" for logs and error messages.
func (l Location) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return strings.Join(parts, ".")
}

// sequence allocates successive sibling locations under a fixed parent,
// giving each operation in a straight-line sequence (or each loop iteration)
// its own location without the caller tracking counters by hand.
type sequence struct {
	parent Location
	next   uint32
}

func newSequence(parent Location) *sequence {
	return &sequence{parent: parent}
}

func (s *sequence) alloc() Location {
	loc := s.parent.Child(s.next)
	s.next++
	return loc
}
