package settings

import (
	"context"

	"github.com/hupe1980/wristcore/internal/hash"
	"github.com/hupe1980/wristcore/internal/record"
)

// bootupCheck resolves the records a power cut may have left behind.
//
// A partially overwritten record whose successor made it to flash only
// missed its final flag flip, which is repaired in place. Anything else, a
// partially written record or a partially overwritten one without a
// successor, is resolved by compacting the file.
func (f *File) bootupCheck() error {
	it := f.iter
	needCompact, repaired := false, 0

	for pos := it.Start(); ; {
		if err := it.Seek(pos); err != nil {
			return err
		}
		if it.End() {
			break
		}
		h := it.Header()
		next := pos + int64(h.Len())

		switch {
		case h.PartiallyWritten():
			f.opts.logger.Warn("found partially written settings record", "file", f.name, "offset", pos)
			needCompact = true
		case h.PartiallyOverwritten():
			ok, err := f.hasSuccessor(next)
			if err != nil {
				return err
			}
			if !ok {
				f.opts.logger.Warn("partially overwritten settings record has no successor", "file", f.name, "offset", pos)
				needCompact = true
				break
			}
			if err := it.Seek(pos); err != nil {
				return err
			}
			if err := it.SetFlag(record.FlagOverwriteComplete); err != nil {
				return err
			}
			repaired++
		}
		pos = next
	}

	if repaired > 0 {
		f.opts.logger.Info("repaired settings records", "file", f.name, "count", repaired)
		if err := f.scan(); err != nil {
			return err
		}
	}
	if needCompact {
		return f.compact(context.Background())
	}
	return nil
}

// hasSuccessor reports whether a complete record for the key of the current
// record exists at or after from.
func (f *File) hasSuccessor(from int64) (bool, error) {
	it := f.iter
	h := it.Header()
	key := make([]byte, h.KeyLen)
	if err := it.ReadKey(key); err != nil {
		return false, err
	}
	keyHash := hash.CRC8(key)

	for p := from; ; {
		if err := it.Seek(p); err != nil {
			return false, err
		}
		if it.End() {
			return false, nil
		}
		ok, err := f.matches(key, keyHash)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		p += int64(it.Header().Len())
	}
}
