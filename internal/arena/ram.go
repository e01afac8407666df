package arena

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/wristcore/internal/memseg"
)

// ErrOutOfRange is returned for accesses outside the emulated RAM.
var ErrOutOfRange = errors.New("arena: address out of range")

// RAM is an emulated RAM region mapped at Base.
//
// RAM is not safe for concurrent use; segments handed to different tasks
// never overlap, so callers only need to serialize carving.
type RAM struct {
	base uint32
	buf  []byte
}

// New returns size bytes of zeroed RAM mapped at base.
func New(base, size uint32) *RAM {
	return &RAM{base: base, buf: make([]byte, size)}
}

// Base returns the lowest mapped address.
func (r *RAM) Base() uint32 { return r.base }

// Size returns the number of mapped bytes.
func (r *RAM) Size() uint32 { return uint32(len(r.buf)) }

// Segment returns the whole region as a memory segment.
func (r *RAM) Segment() memseg.Segment {
	return memseg.New(r.base, r.Size())
}

// Bytes returns the n bytes at addr. The slice aliases the RAM.
func (r *RAM) Bytes(addr, n uint32) ([]byte, error) {
	if addr < r.base {
		return nil, fmt.Errorf("%w: %#08x", ErrOutOfRange, addr)
	}
	off := uint64(addr - r.base)
	if off+uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: %#08x+%d", ErrOutOfRange, addr, n)
	}
	return r.buf[off : off+uint64(n)], nil
}

// SegmentBytes returns the bytes backing seg.
func (r *RAM) SegmentBytes(seg memseg.Segment) ([]byte, error) {
	return r.Bytes(seg.Start, seg.Size())
}

// Write copies p to addr.
func (r *RAM) Write(addr uint32, p []byte) error {
	b, err := r.Bytes(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Uint32 reads the little-endian word at addr.
func (r *RAM) Uint32(addr uint32) (uint32, error) {
	b, err := r.Bytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PutUint32 writes v as a little-endian word at addr.
func (r *RAM) PutUint32(addr, v uint32) error {
	b, err := r.Bytes(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Zero clears the n bytes at addr.
func (r *RAM) Zero(addr, n uint32) error {
	b, err := r.Bytes(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// Fill sets every byte of seg to v. It is used to paint stack guards.
func (r *RAM) Fill(seg memseg.Segment, v byte) error {
	b, err := r.SegmentBytes(seg)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = v
	}
	return nil
}
