package settings

import (
	"bytes"
	"context"
	"errors"

	"github.com/hupe1980/wristcore/internal/hash"
	"github.com/hupe1980/wristcore/internal/record"
)

// search positions the iterator on the record holding key, complete and not
// overwritten, tombstones included.
//
// The scan resumes at the previous match and wraps around at the end of the
// log, so sequential access patterns stay cheap while a miss still visits
// every record exactly once.
func (f *File) search(key []byte) (bool, error) {
	it := f.iter
	keyHash := hash.CRC8(key)

	start := f.resume
	if start == 0 {
		start = it.Start()
	}
	if err := it.Seek(start); err != nil {
		return false, f.fail(err)
	}

	wrapped := false
	for {
		if it.End() {
			if wrapped || start == it.Start() {
				return false, nil
			}
			wrapped = true
			if err := it.Begin(); err != nil {
				return false, f.fail(err)
			}
			continue
		}
		if wrapped && it.Pos() >= start {
			return false, nil
		}

		ok, err := f.matches(key, keyHash)
		if err != nil {
			return false, err
		}
		if ok {
			f.resume = it.Pos()
			return true, nil
		}
		if err := it.Next(); err != nil {
			return false, f.fail(err)
		}
	}
}

func (f *File) matches(key []byte, keyHash uint8) (bool, error) {
	h := f.iter.Header()
	if !h.Has(record.FlagWriteComplete) || h.Overwritten() {
		return false, nil
	}
	if h.KeyLen != len(key) || h.KeyHash != keyHash {
		return false, nil
	}
	stored := make([]byte, h.KeyLen)
	if err := f.iter.ReadKey(stored); err != nil {
		return false, f.fail(err)
	}
	return bytes.Equal(stored, key), nil
}

// lookup finds the live value record for key.
func (f *File) lookup(key []byte) (record.Header, error) {
	if f.closed {
		return record.Header{}, ErrClosed
	}
	found, err := f.search(key)
	if err != nil {
		return record.Header{}, err
	}
	if !found || f.iter.Header().Deleted() {
		return record.Header{}, ErrNotFound
	}
	return f.iter.Header(), nil
}

// Get returns the value stored under key.
func (f *File) Get(key []byte) ([]byte, error) {
	h, err := f.lookup(key)
	if err != nil {
		return nil, err
	}
	val := make([]byte, h.ValLen)
	if err := f.iter.ReadVal(val); err != nil {
		return nil, f.fail(err)
	}
	return val, nil
}

// GetInto copies the value stored under key into buf and returns its length.
// If buf is too short nothing is copied and ErrBufferTooSmall is returned
// together with the required length.
func (f *File) GetInto(key, buf []byte) (int, error) {
	h, err := f.lookup(key)
	if err != nil {
		return 0, err
	}
	if len(buf) < h.ValLen {
		return h.ValLen, ErrBufferTooSmall
	}
	if err := f.iter.ReadVal(buf[:h.ValLen]); err != nil {
		return 0, f.fail(err)
	}
	return h.ValLen, nil
}

// GetLen returns the length of the value stored under key, 0 if absent.
func (f *File) GetLen(key []byte) (int, error) {
	h, err := f.lookup(key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return h.ValLen, nil
}

// Exists reports whether key has a live, non-deleted value.
func (f *File) Exists(key []byte) (bool, error) {
	_, err := f.lookup(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func validate(key, val []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLen {
		return &ErrKeyTooLong{Len: len(key)}
	}
	if len(val) > MaxValLen {
		return &ErrValueTooLong{Len: len(val)}
	}
	return nil
}

// Set stores val under key, replacing any previous value.
func (f *File) Set(key, val []byte) error {
	if f.closed {
		return ErrClosed
	}
	if f.iterating > 0 {
		return ErrIterating
	}
	if err := validate(key, val); err != nil {
		return err
	}
	newLen := record.HeaderSize + len(key) + len(val)

	found, err := f.search(key)
	if err != nil {
		return err
	}
	oldLen := 0
	if found {
		oldLen = f.iter.Header().Len()
	}
	if f.usedSpace+newLen-oldLen > f.maxUsedSpace {
		// Expired tombstones still count as used until compaction drops them.
		if found, err = f.reclaimExpired(key); err != nil {
			return err
		}
		oldLen = 0
		if found {
			oldLen = f.iter.Header().Len()
		}
		if f.usedSpace+newLen-oldLen > f.maxUsedSpace {
			return ErrOutOfStorage
		}
	}

	if f.usedSpace+f.deadSpace+newLen > f.maxSpaceTotal {
		if f.temp {
			return ErrOutOfStorage
		}
		if err := f.compact(context.Background()); err != nil {
			return err
		}
		if found, err = f.search(key); err != nil {
			return err
		}
	}

	var oldPos int64
	if found {
		oldPos = f.iter.Pos()
		if err := f.iter.SetFlag(record.FlagOverwriteStarted); err != nil {
			return f.fail(err)
		}
	}

	h := record.Header{
		LastModified: uint32(f.opts.now().Unix()),
		KeyHash:      hash.CRC8(key),
		KeyLen:       len(key),
		ValLen:       len(val),
	}
	newPos, err := f.append(h, key, val)
	if err != nil {
		return err
	}
	if err := f.iter.SetFlag(record.FlagWriteComplete); err != nil {
		return f.fail(err)
	}

	if found {
		if err := f.iter.Seek(oldPos); err != nil {
			return f.fail(err)
		}
		if err := f.iter.SetFlag(record.FlagOverwriteComplete); err != nil {
			return f.fail(err)
		}
		f.usedSpace -= oldLen
		f.deadSpace += oldLen
	}
	f.usedSpace += newLen
	f.lastModified = max(f.lastModified, h.LastModified)
	f.resume = newPos
	return nil
}

// reclaimExpired compacts f if it holds expired tombstones and searches for
// key again. Without expired tombstones it only repeats the search.
func (f *File) reclaimExpired(key []byte) (bool, error) {
	expired, err := f.expiredSpace()
	if err != nil {
		return false, err
	}
	if expired > 0 && !f.temp {
		if err := f.compact(context.Background()); err != nil {
			return false, err
		}
	}
	return f.search(key)
}

// append writes a record at the log tail and leaves the iterator on it.
func (f *File) append(h record.Header, key, val []byte) (int64, error) {
	pos := f.tail
	if err := f.iter.Seek(pos); err != nil {
		return 0, f.fail(err)
	}
	if err := f.iter.WriteHeader(h); err != nil {
		return 0, f.fail(err)
	}
	if err := f.iter.WriteKey(key); err != nil {
		return 0, f.fail(err)
	}
	if err := f.iter.WriteVal(val); err != nil {
		return 0, f.fail(err)
	}
	f.tail = pos + int64(h.Len())
	return pos, nil
}

// Delete removes key by writing a tombstone. Deleting an absent key is a
// no-op.
func (f *File) Delete(key []byte) error {
	if f.iterating > 0 {
		return ErrIterating
	}
	if _, err := f.lookup(key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return f.Set(key, nil)
}

// SetByte replaces the byte at offset within the value of key.
//
// When the new byte only clears bits of the stored one the record is patched
// in place with a single write, keeping its timestamp and sync state.
// Otherwise the modified value is written as a new record.
func (f *File) SetByte(key []byte, offset int, b byte) error {
	h, err := f.lookup(key)
	if err != nil {
		return err
	}
	if offset < 0 || offset >= h.ValLen {
		return ErrOffsetOutOfRange
	}

	val := make([]byte, h.ValLen)
	if err := f.iter.ReadVal(val); err != nil {
		return f.fail(err)
	}
	if val[offset]&b == b {
		if err := f.iter.WriteByteAt(record.HeaderSize+h.KeyLen+offset, b); err != nil {
			return f.fail(err)
		}
		return nil
	}
	val[offset] = b
	return f.Set(key, val)
}

// MarkSynced clears the dirty state of key's current record, tombstones
// included. It is safe to call from an Each callback.
func (f *File) MarkSynced(key []byte) error {
	if f.closed {
		return ErrClosed
	}
	found, err := f.search(key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if f.iter.Header().Has(record.FlagSynced) {
		return nil
	}
	if err := f.iter.SetFlag(record.FlagSynced); err != nil {
		return f.fail(err)
	}
	return nil
}
