package record

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/reboot"
)

// DumpWindow bounds the bytes captured around a failing offset.
const DumpWindow = 256

// ErrFatal is wrapped by every error after an unrecoverable I/O failure.
// The backing file has been deleted by the time it is returned.
var ErrFatal = errors.New("record: fatal i/o failure")

// Iterator is a cursor over the records of an open settings file. It only
// ever rests on record boundaries; callers save and restore positions with
// Pos and Seek.
//
// Iterator is not safe for concurrent use.
type Iterator struct {
	fsys      fs.FileSystem
	file      fs.File
	dataStart int64
	reboot    reboot.Handler
	logger    *slog.Logger

	offset int64
	hdr    Header
	dead   bool

	// Dump holds the bytes captured around the last fatal failure.
	Dump []byte
}

// Config configures an Iterator.
type Config struct {
	// DataStart is the offset of the first record, past the file header.
	DataStart int64
	Reboot    reboot.Handler
	Logger    *slog.Logger
}

// NewIterator returns an iterator over file. fsys is used to delete the file
// after a fatal failure.
func NewIterator(fsys fs.FileSystem, file fs.File, cfg Config) *Iterator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Iterator{
		fsys:      fsys,
		file:      file,
		dataStart: cfg.DataStart,
		reboot:    cfg.Reboot,
		logger:    logger,
		offset:    cfg.DataStart,
	}
}

// Begin positions the cursor on the first record.
func (it *Iterator) Begin() error {
	return it.Seek(it.dataStart)
}

// Next advances past the current record.
func (it *Iterator) Next() error {
	return it.Seek(it.offset + int64(it.hdr.Len()))
}

// End reports whether the cursor rests on the EOF sentinel.
func (it *Iterator) End() bool { return it.hdr.IsEOF() }

// Pos returns the offset of the current record.
func (it *Iterator) Pos() int64 { return it.offset }

// Start returns the offset of the first record.
func (it *Iterator) Start() int64 { return it.dataStart }

// Header returns the header of the current record.
func (it *Iterator) Header() Header { return it.hdr }

// Seek moves the cursor to the record at pos and reads its header.
func (it *Iterator) Seek(pos int64) error {
	if it.dead {
		return ErrFatal
	}
	var buf [HeaderSize]byte
	if _, err := it.file.ReadAt(buf[:], pos); err != nil {
		return it.fatal("read header", pos, err)
	}
	var h Header
	_ = h.UnmarshalBinary(buf[:])
	it.offset = pos
	it.hdr = h
	return nil
}

// ReadKey reads the key of the current record into buf, which must be
// KeyLen bytes long.
func (it *Iterator) ReadKey(buf []byte) error {
	return it.readAt(buf, it.offset+HeaderSize, "read key")
}

// ReadVal reads the first len(buf) bytes of the current value.
func (it *Iterator) ReadVal(buf []byte) error {
	return it.readAt(buf, it.offset+HeaderSize+int64(it.hdr.KeyLen), "read value")
}

// WriteHeader writes h at the current position.
func (it *Iterator) WriteHeader(h Header) error {
	var buf [HeaderSize]byte
	h.put(buf[:])
	if err := it.writeAt(buf[:], it.offset, "write header"); err != nil {
		return err
	}
	it.hdr = h
	return nil
}

// WriteKey writes the key of the current record.
func (it *Iterator) WriteKey(key []byte) error {
	return it.writeAt(key, it.offset+HeaderSize, "write key")
}

// WriteVal writes the value of the current record.
func (it *Iterator) WriteVal(val []byte) error {
	return it.writeAt(val, it.offset+HeaderSize+int64(it.hdr.KeyLen), "write value")
}

// WriteByteAt writes a single byte at off within the current record. It is
// used for idempotent single-bit flips that must not disturb other fields.
func (it *Iterator) WriteByteAt(off int, b byte) error {
	return it.writeAt([]byte{b}, it.offset+int64(off), "write byte")
}

// SetFlag sets f on the current record with a single-byte write.
func (it *Iterator) SetFlag(f Flags) error {
	h := it.hdr
	h.Flags |= f
	if err := it.WriteByteAt(FlagsOffset, h.FlagsByte()); err != nil {
		return err
	}
	it.hdr = h
	return nil
}

func (it *Iterator) readAt(buf []byte, off int64, op string) error {
	if it.dead {
		return ErrFatal
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := it.file.ReadAt(buf, off); err != nil {
		return it.fatal(op, off, err)
	}
	return nil
}

func (it *Iterator) writeAt(buf []byte, off int64, op string) error {
	if it.dead {
		return ErrFatal
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := it.file.WriteAt(buf, off); err != nil {
		return it.fatal(op, off, err)
	}
	return nil
}

// fatal captures a window of the file, deletes it so a corrupt log cannot
// cause a reboot loop, and requests a reboot. An overwrite sibling is
// discarded rather than committed.
func (it *Iterator) fatal(op string, off int64, cause error) error {
	it.dead = true
	name := it.file.Name()

	lo := max(off-DumpWindow/2, 0)
	hi := min(lo+DumpWindow, it.file.Size())
	if hi > lo {
		dump := make([]byte, hi-lo)
		if _, err := it.file.ReadAt(dump, lo); err == nil {
			it.Dump = dump
		}
	}
	it.logger.Error("settings file i/o failure",
		"file", name,
		"op", op,
		"offset", off,
		"error", cause,
		"dump_offset", lo,
		"dump", hex.EncodeToString(it.Dump),
	)

	_ = fs.Abort(it.file)
	if err := it.fsys.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		it.logger.Error("failed to delete corrupt settings file", "file", name, "error", err)
	}

	detail := fmt.Sprintf("%s: %s at offset %d: %v", name, op, off, cause)
	return fmt.Errorf("%w: %w", ErrFatal, reboot.Fatal(it.reboot, reboot.ReasonSettingsIO, detail))
}
