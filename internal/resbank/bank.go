// Package resbank implements the packed resource bank: a read-only flash
// file holding numbered, optionally compressed blobs such as system images
// and bundled process binaries.
//
// # File Format
//
//	| magic "RBNK" (4) | version u16 | count u16 |
//	| index entry (24) * count |
//	| data ... |
//
// An index entry is {id u32, offset u32, stored u32, raw u32, crc u32,
// codec u8, pad 3}, little endian. crc is the CRC32C of the raw bytes.
package resbank

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/hash"
)

const (
	magic       = "RBNK"
	version     = 1
	headerSize  = 8
	entrySize   = 24
	maxEntries  = 0xFFFF
	maxRawBytes = 16 << 20
)

var (
	// ErrNotFound is returned for ids missing from the bank.
	ErrNotFound = errors.New("resbank: resource not found")
	// ErrCorrupt is returned for a malformed bank or a resource failing its
	// checksum.
	ErrCorrupt = errors.New("resbank: corrupt resource bank")
)

// Entry is a resource to pack.
type Entry struct {
	ID    uint32
	Data  []byte
	Codec Codec
}

type indexEntry struct {
	id     uint32
	offset uint32
	stored uint32
	raw    uint32
	crc    uint32
	codec  Codec
}

// Build packs entries into a bank image. IDs must be unique.
func Build(entries []Entry) ([]byte, error) {
	if len(entries) > maxEntries {
		return nil, fmt.Errorf("resbank: too many entries: %d", len(entries))
	}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	dataStart := headerSize + entrySize*len(sorted)
	out := make([]byte, dataStart)
	copy(out[0:4], magic)
	binary.LittleEndian.PutUint16(out[4:6], version)
	binary.LittleEndian.PutUint16(out[6:8], uint16(len(sorted)))

	for i, e := range sorted {
		if i > 0 && sorted[i-1].ID == e.ID {
			return nil, fmt.Errorf("resbank: duplicate id %d", e.ID)
		}
		if len(e.Data) > maxRawBytes {
			return nil, fmt.Errorf("resbank: resource %d too large: %d bytes", e.ID, len(e.Data))
		}
		stored, codec, err := compress(e.Data, e.Codec)
		if err != nil {
			return nil, fmt.Errorf("resbank: compress resource %d: %w", e.ID, err)
		}
		ie := indexEntry{
			id:     e.ID,
			offset: uint32(len(out)),
			stored: uint32(len(stored)),
			raw:    uint32(len(e.Data)),
			crc:    hash.CRC32C(e.Data),
			codec:  codec,
		}
		ie.put(out[headerSize+i*entrySize:])
		out = append(out, stored...)
	}
	return out, nil
}

// Write packs entries into the flash file name, replacing any previous bank.
func Write(fsys fs.FileSystem, name string, entries []Entry) error {
	img, err := Build(entries)
	if err != nil {
		return err
	}
	f, err := fsys.Open(name, fs.ModeOverwrite, int64(len(img)))
	if err != nil {
		return fmt.Errorf("resbank: create %s: %w", name, err)
	}
	if _, err := f.WriteAt(img, 0); err != nil {
		_ = fs.Abort(f)
		return fmt.Errorf("resbank: write %s: %w", name, err)
	}
	return f.Close()
}

func (e indexEntry) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], e.id)
	binary.LittleEndian.PutUint32(b[4:], e.offset)
	binary.LittleEndian.PutUint32(b[8:], e.stored)
	binary.LittleEndian.PutUint32(b[12:], e.raw)
	binary.LittleEndian.PutUint32(b[16:], e.crc)
	b[20] = byte(e.codec)
}

func parseEntry(b []byte) indexEntry {
	return indexEntry{
		id:     binary.LittleEndian.Uint32(b[0:]),
		offset: binary.LittleEndian.Uint32(b[4:]),
		stored: binary.LittleEndian.Uint32(b[8:]),
		raw:    binary.LittleEndian.Uint32(b[12:]),
		crc:    binary.LittleEndian.Uint32(b[16:]),
		codec:  Codec(b[20]),
	}
}

// Bank is an open resource bank. It is safe for concurrent reads.
type Bank struct {
	file  fs.File
	index []indexEntry // sorted by id
}

// Open opens the bank stored in the flash file name.
func Open(fsys fs.FileSystem, name string) (*Bank, error) {
	f, err := fsys.Open(name, fs.ModeRead, 0)
	if err != nil {
		return nil, fmt.Errorf("resbank: open %s: %w", name, err)
	}
	b, err := load(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return b, nil
}

func load(f fs.File) (*Bank, error) {
	var hdr [headerSize]byte
	if f.Size() < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	if string(hdr[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	count := int(binary.LittleEndian.Uint16(hdr[6:8]))
	if int64(headerSize+count*entrySize) > f.Size() {
		return nil, fmt.Errorf("%w: truncated index", ErrCorrupt)
	}

	raw := make([]byte, count*entrySize)
	if _, err := f.ReadAt(raw, headerSize); err != nil {
		return nil, err
	}
	index := make([]indexEntry, count)
	for i := range index {
		e := parseEntry(raw[i*entrySize:])
		if int64(e.offset)+int64(e.stored) > f.Size() || e.raw > maxRawBytes {
			return nil, fmt.Errorf("%w: entry %d out of bounds", ErrCorrupt, e.id)
		}
		if i > 0 && index[i-1].id >= e.id {
			return nil, fmt.Errorf("%w: unsorted index", ErrCorrupt)
		}
		index[i] = e
	}
	return &Bank{file: f, index: index}, nil
}

func (b *Bank) find(id uint32) (indexEntry, bool) {
	i, ok := slices.BinarySearchFunc(b.index, id, func(e indexEntry, id uint32) int {
		switch {
		case e.id < id:
			return -1
		case e.id > id:
			return 1
		}
		return 0
	})
	if !ok {
		return indexEntry{}, false
	}
	return b.index[i], true
}

// Size returns the uncompressed size of resource id.
func (b *Bank) Size(id uint32) (uint32, error) {
	e, ok := b.find(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e.raw, nil
}

// IDs returns the resource ids in ascending order.
func (b *Bank) IDs() []uint32 {
	ids := make([]uint32, len(b.index))
	for i, e := range b.index {
		ids[i] = e.id
	}
	return ids
}

// Read returns the uncompressed bytes of resource id after verifying their
// checksum.
func (b *Bank) Read(id uint32) ([]byte, error) {
	e, ok := b.find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	stored := make([]byte, e.stored)
	if _, err := b.file.ReadAt(stored, int64(e.offset)); err != nil {
		return nil, fmt.Errorf("resbank: read resource %d: %w", id, err)
	}
	data, err := decompress(stored, e.codec, e.raw)
	if err != nil {
		return nil, fmt.Errorf("%w: resource %d (%s): %w", ErrCorrupt, id, e.codec, err)
	}
	if hash.CRC32C(data) != e.crc {
		return nil, fmt.Errorf("%w: resource %d checksum mismatch", ErrCorrupt, id)
	}
	return data, nil
}

// Close releases the bank file.
func (b *Bank) Close() error {
	return b.file.Close()
}
