package settings

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/internal/record"
)

const (
	fileMagic      = "set\x00"
	fileVersion    = 1
	fileHeaderSize = 8

	// MaxKeyLen is the longest key a record can hold.
	MaxKeyLen = record.MaxKeyLen
	// MaxValLen is the longest value a record can hold.
	MaxValLen = record.MaxValLen
)

// Stats describes the space accounting of a File.
type Stats struct {
	UsedSpace     int // current records, tombstones included
	DeadSpace     int // overwritten and partially written records
	MaxUsedSpace  int // caller budget for live records
	MaxSpaceTotal int // allocated log space
}

// File is an open settings file.
type File struct {
	fsys fs.FileSystem
	name string
	opts options

	file fs.File
	iter *record.Iterator

	maxUsedSpace  int
	maxSpaceTotal int
	usedSpace     int
	deadSpace     int
	lastModified  uint32
	tail          int64 // offset of the EOF sentinel
	resume        int64 // offset of the last matched record, 0 if none

	iterating int
	temp      bool // overwrite sibling being filled by a compaction
	closed    bool
}

// spaceTotal returns the log space allocated for a budget: 1.2x the budget so
// a nearly full file does not compact on every write.
func spaceTotal(maxUsedSpace int) int {
	return maxUsedSpace + maxUsedSpace/5
}

func fileSize(maxSpaceTotal int) int64 {
	return int64(fileHeaderSize + maxSpaceTotal + record.HeaderSize)
}

// Open opens or creates the settings file name, allowing up to maxUsedSpace
// bytes of live records. A file allocated with less space than requested is
// migrated into a larger one.
func Open(fsys fs.FileSystem, name string, maxUsedSpace int, optFns ...Option) (*File, error) {
	if maxUsedSpace < record.HeaderSize+1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, maxUsedSpace)
	}
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	f := &File{
		fsys:          fsys,
		name:          name,
		opts:          opts,
		maxUsedSpace:  maxUsedSpace,
		maxSpaceTotal: spaceTotal(maxUsedSpace),
	}
	want := fileSize(f.maxSpaceTotal)
	if err := f.open(want); err != nil {
		return nil, err
	}

	if err := f.bootupCheck(); err != nil {
		return nil, f.abandon(err)
	}
	if f.file.Size() < want {
		f.opts.logger.Info("growing settings file", "file", name, "from", f.file.Size(), "to", want)
		if err := f.rewriteFiltered(context.Background(), want, nil); err != nil {
			return nil, f.abandon(err)
		}
	}
	return f, nil
}

// abandon releases the backing file after a failed Open so the name can be
// opened again.
func (f *File) abandon(err error) error {
	_ = f.file.Close()
	f.closed = true
	return err
}

// open opens the backing file and prepares the iterator and space
// accounting. It does not run the bootup check.
func (f *File) open(size int64) error {
	file, err := f.fsys.Open(f.name, fs.ModeReadWrite|fs.ModeCreate, size)
	if errors.Is(err, fs.ErrBusy) {
		return fmt.Errorf("%w: %w", ErrAlreadyOpen,
			reboot.Fatal(f.opts.reboot, reboot.ReasonSettingsDoubleOpen, f.name))
	}
	if err != nil {
		return fmt.Errorf("settings: open %s: %w", f.name, err)
	}

	ok, err := f.checkHeader(file)
	if err != nil {
		_ = file.Close()
		return err
	}
	if !ok {
		// Unknown or newer format: start over with an empty file.
		f.opts.logger.Warn("discarding settings file with unknown format", "file", f.name)
		_ = file.Close()
		if err := f.fsys.Remove(f.name); err != nil {
			return fmt.Errorf("settings: remove %s: %w", f.name, err)
		}
		file, err = f.fsys.Open(f.name, fs.ModeReadWrite|fs.ModeCreate, size)
		if err != nil {
			return fmt.Errorf("settings: open %s: %w", f.name, err)
		}
		if err := writeFileHeader(file); err != nil {
			_ = file.Close()
			return fmt.Errorf("settings: init %s: %w", f.name, err)
		}
	}

	f.attach(file)
	if err := f.scan(); err != nil {
		return f.fail(err)
	}
	return nil
}

// attach makes file the backing file of f.
func (f *File) attach(file fs.File) {
	f.file = file
	f.iter = record.NewIterator(f.fsys, file, record.Config{
		DataStart: fileHeaderSize,
		Reboot:    f.opts.reboot,
		Logger:    f.opts.logger,
	})
	if total := int(file.Size()) - fileHeaderSize - record.HeaderSize; total > f.maxSpaceTotal {
		f.maxSpaceTotal = total
	}
	f.resume = 0
	f.closed = false
}

// checkHeader validates the file header, initializing it on a fresh file.
// It returns false if the file must be recreated.
func (f *File) checkHeader(file fs.File) (bool, error) {
	var hdr [fileHeaderSize]byte
	if _, err := file.ReadAt(hdr[:], 0); err != nil {
		return false, fmt.Errorf("settings: read header of %s: %w", f.name, err)
	}
	if isErased(hdr[:]) {
		if err := writeFileHeader(file); err != nil {
			return false, fmt.Errorf("settings: init %s: %w", f.name, err)
		}
		return true, nil
	}
	if string(hdr[0:4]) != fileMagic {
		return false, nil
	}
	version := binary.LittleEndian.Uint16(hdr[4:6])
	if version == 0 || version > fileVersion {
		return false, nil
	}
	return true, nil
}

func writeFileHeader(file fs.File) error {
	var hdr [fileHeaderSize]byte
	copy(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], fileVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], 0)
	_, err := file.WriteAt(hdr[:], 0)
	return err
}

func isErased(b []byte) bool {
	for _, c := range b {
		if c != fs.ErasedByte {
			return false
		}
	}
	return true
}

// live reports whether a record holds the current state of its key.
func (f *File) live(h record.Header, now time.Time) bool {
	return h.Has(record.FlagWriteComplete) &&
		!h.Overwritten() &&
		!h.DeletedAndExpired(now, f.opts.retention)
}

// scan recomputes space accounting and the log tail.
func (f *File) scan() error {
	now := f.opts.now()
	f.usedSpace, f.deadSpace, f.lastModified = 0, 0, 0
	it := f.iter
	for err := it.Begin(); ; err = it.Next() {
		if err != nil {
			return err
		}
		if it.End() {
			break
		}
		h := it.Header()
		if !h.Has(record.FlagWriteComplete) || h.Overwritten() {
			f.deadSpace += h.Len()
			continue
		}
		// Expired tombstones stay in used space until compaction drops
		// them, so overwriting one never skews the accounting.
		f.usedSpace += h.Len()
		if f.live(h, now) {
			f.lastModified = max(f.lastModified, h.LastModified)
		}
	}
	f.tail = it.Pos()
	return nil
}

// expiredSpace returns the bytes held by tombstones past their retention.
func (f *File) expiredSpace() (int, error) {
	now := f.opts.now()
	n := 0
	it := f.iter
	for err := it.Begin(); ; err = it.Next() {
		if err != nil {
			return 0, f.fail(err)
		}
		if it.End() {
			return n, nil
		}
		h := it.Header()
		if h.Has(record.FlagWriteComplete) && !h.Overwritten() && h.DeletedAndExpired(now, f.opts.retention) {
			n += h.Len()
		}
	}
}

// fail marks f unusable after a fatal iterator error.
func (f *File) fail(err error) error {
	if errors.Is(err, record.ErrFatal) {
		f.closed = true
	}
	return err
}

// Close releases the underlying file.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	return f.file.Close()
}

// Name returns the file name.
func (f *File) Name() string { return f.name }

// Stats returns the current space accounting.
func (f *File) Stats() Stats {
	return Stats{
		UsedSpace:     f.usedSpace,
		DeadSpace:     f.deadSpace,
		MaxUsedSpace:  f.maxUsedSpace,
		MaxSpaceTotal: f.maxSpaceTotal,
	}
}

// LastModified returns the newest timestamp over all live records.
func (f *File) LastModified() time.Time {
	return time.Unix(int64(f.lastModified), 0)
}
