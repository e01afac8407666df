package loader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/wristcore/internal/hash"
)

// HeaderSize is the size of the image header.
const HeaderSize = 32

const imageMagic = "WAPP"

// Flags describe an image.
type Flags uint16

const (
	// FlagWorker marks an image built to run as a background worker.
	FlagWorker Flags = 1 << iota
	// FlagHasJumpTable marks an image with a jump-table slot to patch.
	FlagHasJumpTable
)

// SDKVersion is the kernel API version an image was built against.
type SDKVersion struct {
	Major uint8
	Minor uint8
}

// CurrentSDK is the kernel API version this loader provides.
var CurrentSDK = SDKVersion{Major: 5, Minor: 86}

// Compatible reports whether an image built against v runs on a kernel
// providing k: same major version, minor not newer.
func (k SDKVersion) Compatible(v SDKVersion) bool {
	return v.Major == k.Major && v.Minor <= k.Minor
}

func (v SDKVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Header is the decoded image header.
type Header struct {
	SDK             SDKVersion
	Flags           Flags
	LoadSize        uint32
	VirtualSize     uint32
	EntryOffset     uint32
	JumpTableOffset uint32
	RelocCount      uint32
	Checksum        uint32
}

// RelocSize returns the size of the relocation table.
func (h Header) RelocSize() uint32 { return h.RelocCount * 4 }

// CopySize returns the number of bytes copied into RAM.
func (h Header) CopySize() uint32 { return h.LoadSize + h.RelocSize() }

// Footprint returns the RAM needed while loading.
func (h Header) Footprint() uint32 { return max(h.CopySize(), h.VirtualSize) }

// MarshalBinary encodes the header.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	copy(b[0:4], imageMagic)
	b[4] = h.SDK.Major
	b[5] = h.SDK.Minor
	binary.LittleEndian.PutUint16(b[6:], uint16(h.Flags))
	binary.LittleEndian.PutUint32(b[8:], h.LoadSize)
	binary.LittleEndian.PutUint32(b[12:], h.VirtualSize)
	binary.LittleEndian.PutUint32(b[16:], h.EntryOffset)
	binary.LittleEndian.PutUint32(b[20:], h.JumpTableOffset)
	binary.LittleEndian.PutUint32(b[24:], h.RelocCount)
	binary.LittleEndian.PutUint32(b[28:], h.Checksum)
	return b, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: short header", ErrCorruptImage)
	}
	if string(b[0:4]) != imageMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptImage, b[0:4])
	}
	*h = Header{
		SDK:             SDKVersion{Major: b[4], Minor: b[5]},
		Flags:           Flags(binary.LittleEndian.Uint16(b[6:])),
		LoadSize:        binary.LittleEndian.Uint32(b[8:]),
		VirtualSize:     binary.LittleEndian.Uint32(b[12:]),
		EntryOffset:     binary.LittleEndian.Uint32(b[16:]),
		JumpTableOffset: binary.LittleEndian.Uint32(b[20:]),
		RelocCount:      binary.LittleEndian.Uint32(b[24:]),
		Checksum:        binary.LittleEndian.Uint32(b[28:]),
	}
	return h.validate()
}

// validate checks the internal consistency of the header.
func (h Header) validate() error {
	switch {
	case h.LoadSize < HeaderSize:
		return fmt.Errorf("%w: load size %d", ErrCorruptImage, h.LoadSize)
	case h.VirtualSize < h.LoadSize:
		return fmt.Errorf("%w: virtual size %d < load size %d", ErrCorruptImage, h.VirtualSize, h.LoadSize)
	case h.RelocCount > (1<<32-1-h.LoadSize)/4:
		return fmt.Errorf("%w: relocation count %d", ErrCorruptImage, h.RelocCount)
	case h.EntryOffset < HeaderSize || h.EntryOffset >= h.LoadSize:
		return fmt.Errorf("%w: entry offset %#x", ErrCorruptImage, h.EntryOffset)
	case h.Flags&FlagHasJumpTable != 0 && !wordInPayload(h.JumpTableOffset, h.LoadSize):
		return fmt.Errorf("%w: jump table offset %#x", ErrCorruptImage, h.JumpTableOffset)
	}
	return nil
}

func wordInPayload(off, loadSize uint32) bool {
	return off >= HeaderSize && off <= loadSize-4 && off%4 == 0
}

// Image describes a process image to assemble with Build.
type Image struct {
	SDK   SDKVersion
	Flags Flags
	// Payload is the code and data that follows the header.
	Payload []byte
	// BSSSize is the size of the zero-initialized data after the payload.
	BSSSize uint32
	// EntryOffset, JumpTableOffset and Relocs are image offsets, so the
	// first payload byte is at HeaderSize.
	EntryOffset     uint32
	JumpTableOffset uint32
	Relocs          []uint32
}

// Build assembles img into its binary form.
func Build(img Image) ([]byte, error) {
	if len(img.Payload) > 1<<24 {
		return nil, errors.New("loader: payload too large")
	}
	loadSize := uint32(HeaderSize + len(img.Payload))
	h := Header{
		SDK:             img.SDK,
		Flags:           img.Flags,
		LoadSize:        loadSize,
		VirtualSize:     loadSize + img.BSSSize,
		EntryOffset:     img.EntryOffset,
		JumpTableOffset: img.JumpTableOffset,
		RelocCount:      uint32(len(img.Relocs)),
		Checksum:        hash.CRC32C(img.Payload),
	}
	if img.JumpTableOffset != 0 {
		h.Flags |= FlagHasJumpTable
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	out, _ := h.MarshalBinary()
	out = append(out, img.Payload...)
	for _, r := range img.Relocs {
		out = binary.LittleEndian.AppendUint32(out, r)
	}
	return out, nil
}
