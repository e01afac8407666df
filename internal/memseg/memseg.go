// Package memseg carves fixed RAM regions into non-overlapping segments.
//
// A Segment is a half-open address range [Start, End). Splitting always
// takes from the front of the parent, so repeated splits hand out ascending,
// disjoint ranges and the parent keeps whatever is left.
package memseg

import (
	"errors"
	"fmt"
)

// Alignment is the strictest alignment any object placed in a segment needs.
const Alignment = 8

// ErrInsufficientSpace is returned when a segment cannot hold a split. It is
// a recoverable out-of-memory condition.
var ErrInsufficientSpace = errors.New("memseg: insufficient space")

// Segment is the address range [Start, End).
type Segment struct {
	Start uint32
	End   uint32
}

// New returns the segment of size bytes starting at start.
func New(start, size uint32) Segment {
	return Segment{Start: start, End: start + size}
}

// Size returns the number of bytes in s.
func (s Segment) Size() uint32 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Align advances Start to the next Alignment boundary, giving up the padding.
func (s *Segment) Align() {
	s.Start = min(alignUp(s.Start), max(s.End, s.Start))
}

// Split carves size bytes, rounded up to Alignment, from the front of s and
// returns the start address of the carved range. child receives the range
// unless it is nil. On failure s is left unchanged.
func (s *Segment) Split(child *Segment, size uint32) (uint32, error) {
	start := alignUp(s.Start)
	n := alignUp(size)
	if start < s.Start || n < size || start > s.End || n > s.End-start {
		return 0, fmt.Errorf("%w: want %d bytes, have %d", ErrInsufficientSpace, size, s.Size())
	}
	if child != nil {
		*child = Segment{Start: start, End: start + n}
	}
	s.Start = start + n
	return start, nil
}

// Contains reports whether addr lies inside s.
func (s Segment) Contains(addr uint32) bool {
	return addr >= s.Start && addr < s.End
}

// ContainsRange reports whether the n bytes starting at addr lie inside s.
func (s Segment) ContainsRange(addr, n uint32) bool {
	return addr >= s.Start && addr <= s.End && n <= s.End-addr
}

// Overlaps reports whether s and o share at least one address.
func (s Segment) Overlaps(o Segment) bool {
	return s.Size() > 0 && o.Size() > 0 && s.Start < o.End && o.Start < s.End
}

func (s Segment) String() string {
	return fmt.Sprintf("[%#08x, %#08x)", s.Start, s.End)
}

func alignUp(v uint32) uint32 {
	return (v + Alignment - 1) &^ (Alignment - 1)
}
