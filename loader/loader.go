package loader

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/hupe1980/wristcore/internal/arena"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/hash"
	"github.com/hupe1980/wristcore/internal/memseg"
	"github.com/hupe1980/wristcore/internal/resbank"
)

// ThumbBit is set in entry points so the processor stays in Thumb mode.
const ThumbBit = 1

// Process is a loaded image.
type Process struct {
	Header Header
	// Image is the runtime footprint of the process, split from the
	// destination segment.
	Image memseg.Segment
	// Entry is the absolute entry point with ThumbBit set.
	Entry uint32
}

// Option configures a Loader.
type Option func(*Loader)

// WithSDK sets the kernel API version images are checked against.
func WithSDK(v SDKVersion) Option {
	return func(l *Loader) { l.sdk = v }
}

// WithJumpTable sets the address of the kernel-exported function table
// patched into every image.
func WithJumpTable(addr uint32) Option {
	return func(l *Loader) { l.jumpTable = addr }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Loader places process images into emulated RAM.
type Loader struct {
	ram       *arena.RAM
	sdk       SDKVersion
	jumpTable uint32
	logger    *slog.Logger
}

// New returns a loader that writes into ram.
func New(ram *arena.RAM, optFns ...Option) *Loader {
	l := &Loader{
		ram:    ram,
		sdk:    CurrentSDK,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(l)
	}
	return l
}

// source is where an image is copied from.
type source interface {
	io.ReaderAt
	Size() int64
}

// LoadFromFile loads the image stored in the flash file name into seg.
func (l *Loader) LoadFromFile(fsys fs.FileSystem, name string, seg *memseg.Segment) (*Process, error) {
	f, err := fsys.Open(name, fs.ModeRead, 0)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", name, err)
	}
	defer f.Close()

	p, err := l.load(f, seg)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", name, err)
	}
	return p, nil
}

// LoadFromResource loads the image stored as resource id of bank into seg.
func (l *Loader) LoadFromResource(bank *resbank.Bank, id uint32, seg *memseg.Segment) (*Process, error) {
	data, err := bank.Read(id)
	if err != nil {
		return nil, fmt.Errorf("loader: resource %d: %w", id, err)
	}
	p, err := l.load(bytes.NewReader(data), seg)
	if err != nil {
		return nil, fmt.Errorf("loader: resource %d: %w", id, err)
	}
	return p, nil
}

func (l *Loader) load(src source, seg *memseg.Segment) (*Process, error) {
	var raw [HeaderSize]byte
	if _, err := src.ReadAt(raw[:], 0); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrCorruptImage, err)
	}
	var h Header
	if err := h.UnmarshalBinary(raw[:]); err != nil {
		return nil, err
	}
	if !l.sdk.Compatible(h.SDK) {
		return nil, fmt.Errorf("%w: image %s, kernel %s", ErrIncompatibleSDK, h.SDK, l.sdk)
	}

	dst := *seg
	dst.Align()
	probe := dst
	if _, err := probe.Split(nil, h.VirtualSize); err != nil || h.Footprint() > dst.Size() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrImageTooLarge, h.Footprint(), dst.Size())
	}
	if int64(h.CopySize()) > src.Size() {
		return nil, fmt.Errorf("%w: truncated image: %d of %d bytes", ErrCorruptImage, src.Size(), h.CopySize())
	}

	base := dst.Start
	mem, err := l.ram.Bytes(base, h.Footprint())
	if err != nil {
		return nil, err
	}
	if _, err := src.ReadAt(mem[:h.CopySize()], 0); err != nil {
		return nil, fmt.Errorf("loader: copy image: %w", err)
	}
	clear(mem[h.CopySize():])

	if sum := hash.CRC32C(mem[HeaderSize:h.LoadSize]); sum != h.Checksum {
		return nil, fmt.Errorf("%w: got %#08x, want %#08x", ErrChecksumMismatch, sum, h.Checksum)
	}

	if h.Flags&FlagHasJumpTable != 0 {
		if err := l.ram.PutUint32(base+h.JumpTableOffset, l.jumpTable); err != nil {
			return nil, err
		}
	}
	if err := l.relocate(h, base); err != nil {
		return nil, err
	}
	// The relocation table aliases zero-initialized data.
	if err := l.ram.Zero(base+h.LoadSize, h.Footprint()-h.LoadSize); err != nil {
		return nil, err
	}

	p := &Process{Header: h, Entry: (base + h.EntryOffset) | ThumbBit}
	if _, err := dst.Split(&p.Image, h.VirtualSize); err != nil {
		return nil, err
	}
	*seg = dst
	l.logger.Debug("loaded process image",
		"base", fmt.Sprintf("%#08x", base),
		"load_size", h.LoadSize,
		"virtual_size", h.VirtualSize,
		"relocs", h.RelocCount,
	)
	return p, nil
}

// relocate rewrites every image-relative word named by the relocation table
// into an absolute address.
func (l *Loader) relocate(h Header, base uint32) error {
	table := base + h.LoadSize
	for i := range h.RelocCount {
		off, err := l.ram.Uint32(table + i*4)
		if err != nil {
			return err
		}
		if !wordInPayload(off, h.LoadSize) {
			return fmt.Errorf("%w: relocation %d at %#x outside image", ErrCorruptImage, i, off)
		}
		v, err := l.ram.Uint32(base + off)
		if err != nil {
			return err
		}
		if v >= h.VirtualSize {
			return fmt.Errorf("%w: relocation %d targets %#x past image end", ErrCorruptImage, i, v)
		}
		if err := l.ram.PutUint32(base+off, base+v); err != nil {
			return err
		}
	}
	return nil
}
