package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/hash"
	"github.com/hupe1980/wristcore/internal/record"
)

// RewriteFunc migrates one live record into dst. Records it does not write
// into dst are dropped.
type RewriteFunc func(dst *File, rec *Record) error

// Rewrite migrates every live record through fn into a fresh file that
// replaces f once fn has seen all records. dst only accepts reads and Set,
// Delete and SetByte calls; it is unusable after Rewrite returns.
//
// The original file stays authoritative until the new one is committed, so
// an interrupted Rewrite leaves f unchanged.
func (f *File) Rewrite(ctx context.Context, fn RewriteFunc) error {
	if fn == nil {
		return f.RewriteFiltered(ctx, nil)
	}
	return f.rewrite(ctx, f.file.Size(), fn)
}

// RewriteFiltered copies the live records for which keep returns true into
// a fresh file, preserving timestamps and sync state. A nil keep copies
// every live record, which is a plain compaction.
func (f *File) RewriteFiltered(ctx context.Context, keep func(rec *Record) bool) error {
	if f.closed {
		return ErrClosed
	}
	return f.rewriteFiltered(ctx, f.file.Size(), keep)
}

func (f *File) rewriteFiltered(ctx context.Context, size int64, keep func(rec *Record) bool) error {
	return f.rewrite(ctx, size, func(dst *File, rec *Record) error {
		if keep != nil && !keep(rec) {
			return nil
		}
		return dst.appendRaw(rec)
	})
}

// compact drops dead records and expired tombstones.
func (f *File) compact(ctx context.Context) error {
	return f.rewriteFiltered(ctx, f.file.Size(), nil)
}

// appendRaw copies rec to the tail of a file being filled by a rewrite.
func (f *File) appendRaw(rec *Record) error {
	h := record.Header{
		LastModified: rec.hdr.LastModified,
		KeyHash:      hash.CRC8(rec.Key),
		Flags:        record.FlagWriteComplete | rec.hdr.Flags&record.FlagSynced,
		KeyLen:       len(rec.Key),
		ValLen:       len(rec.Val),
	}
	if h.KeyLen == 0 || h.KeyLen > MaxKeyLen || h.ValLen > MaxValLen {
		return ErrInvalidKey
	}
	if f.usedSpace+f.deadSpace+h.Len() > f.maxSpaceTotal {
		return ErrOutOfStorage
	}
	if _, err := f.append(h, rec.Key, rec.Val); err != nil {
		return err
	}
	f.usedSpace += h.Len()
	f.lastModified = max(f.lastModified, h.LastModified)
	return nil
}

func (f *File) rewrite(ctx context.Context, size int64, fn RewriteFunc) (err error) {
	if f.closed {
		return ErrClosed
	}
	if f.temp {
		return ErrOutOfStorage
	}
	if f.iterating > 0 {
		return ErrIterating
	}

	start := time.Now()
	before := f.usedSpace + f.deadSpace
	reclaimed := 0
	defer func() {
		if f.opts.onCompaction != nil {
			f.opts.onCompaction(f.name, reclaimed, time.Since(start), err)
		}
	}()

	rc := f.opts.resources
	if rc != nil {
		if err := rc.AcquireBackground(ctx); err != nil {
			return err
		}
		defer rc.ReleaseBackground()
	}

	tmp, err := f.fsys.Open(f.name, fs.ModeOverwrite, size)
	if err != nil {
		return fmt.Errorf("settings: rewrite %s: %w", f.name, err)
	}
	if err := writeFileHeader(tmp); err != nil {
		_ = fs.Abort(tmp)
		return fmt.Errorf("settings: rewrite %s: %w", f.name, err)
	}

	dst := &File{
		fsys:         f.fsys,
		name:         f.name,
		opts:         f.opts,
		maxUsedSpace: f.maxUsedSpace,
		temp:         true,
	}
	dst.attach(tmp)
	dst.maxSpaceTotal = int(size) - fileHeaderSize - record.HeaderSize
	if err := dst.scan(); err != nil {
		return f.abortRewrite(tmp, err)
	}

	now := f.opts.now()
	it := f.iter
	for pos := it.Start(); ; {
		if err := ctx.Err(); err != nil {
			return f.abortRewrite(tmp, err)
		}
		if err := it.Seek(pos); err != nil {
			return f.abortRewrite(tmp, f.fail(err))
		}
		if it.End() {
			break
		}
		h := it.Header()
		pos += int64(h.Len())
		if !f.live(h, now) {
			continue
		}
		if f.opts.watchdog != nil {
			f.opts.watchdog()
		}
		if err := rc.AcquireIO(ctx, h.Len()); err != nil {
			return f.abortRewrite(tmp, err)
		}
		rec, err := f.readRecord(h)
		if err != nil {
			return f.abortRewrite(tmp, err)
		}
		if err := fn(dst, rec); err != nil {
			return f.abortRewrite(tmp, err)
		}
	}
	dst.closed = true

	// Commit: the sibling replaces the original only once it is closed.
	_ = f.file.Close()
	f.closed = true
	commitErr := tmp.Close()

	file, err := f.fsys.Open(f.name, fs.ModeReadWrite, 0)
	if err != nil {
		return fmt.Errorf("settings: reopen %s: %w", f.name, err)
	}
	f.attach(file)
	if err := f.scan(); err != nil {
		return f.fail(err)
	}
	if commitErr != nil {
		return fmt.Errorf("settings: commit %s: %w", f.name, commitErr)
	}

	reclaimed = before - (f.usedSpace + f.deadSpace)
	f.opts.logger.Info("settings file rewritten",
		"file", f.name,
		"reclaimed", reclaimed,
		"used", f.usedSpace,
		"duration", time.Since(start),
	)
	return nil
}

// abortRewrite drops the sibling. A fatal failure inside the sibling also
// takes down the original file, which is deleted like any corrupt log.
func (f *File) abortRewrite(tmp fs.File, err error) error {
	_ = fs.Abort(tmp)
	if errors.Is(err, record.ErrFatal) && !f.closed {
		_ = f.file.Close()
		f.closed = true
		if rmErr := f.fsys.Remove(f.name); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			f.opts.logger.Error("failed to delete settings file", "file", f.name, "error", rmErr)
		}
	}
	return err
}
