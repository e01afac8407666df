package settings

import (
	"time"

	"github.com/hupe1980/wristcore/internal/record"
)

// Record is a live record visited by Each or Rewrite.
type Record struct {
	Key          []byte
	Val          []byte
	LastModified time.Time
	// Dirty is true until the record is marked synced.
	Dirty bool

	hdr record.Header
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool { return len(r.Val) == 0 }

// IterAction tells Each whether to keep going.
type IterAction int

const (
	Continue IterAction = iota
	Stop
)

// Each calls fn for every live record in log order, unexpired tombstones
// included. fn may call Get, GetInto, GetLen, Exists and MarkSynced on f;
// Set and Delete fail with ErrIterating until Each returns.
func (f *File) Each(fn func(rec *Record) IterAction) error {
	if f.closed {
		return ErrClosed
	}
	f.iterating++
	defer func() { f.iterating-- }()

	now := f.opts.now()
	it := f.iter
	pos := it.Start()
	for {
		if err := it.Seek(pos); err != nil {
			return f.fail(err)
		}
		if it.End() {
			return nil
		}
		h := it.Header()
		next := pos + int64(h.Len())
		if f.live(h, now) {
			rec, err := f.readRecord(h)
			if err != nil {
				return err
			}
			if fn(rec) == Stop {
				return nil
			}
			if f.closed {
				return ErrClosed
			}
		}
		pos = next
	}
}

// readRecord reads the key and value of the current record.
func (f *File) readRecord(h record.Header) (*Record, error) {
	rec := &Record{
		Key:          make([]byte, h.KeyLen),
		Val:          make([]byte, h.ValLen),
		LastModified: h.Modified(),
		Dirty:        !h.Has(record.FlagSynced),
		hdr:          h,
	}
	if err := f.iter.ReadKey(rec.Key); err != nil {
		return nil, f.fail(err)
	}
	if err := f.iter.ReadVal(rec.Val); err != nil {
		return nil, f.fail(err)
	}
	return rec, nil
}
