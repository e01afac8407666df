package record

import (
	"encoding/binary"
	"errors"
	"time"
)

/*
Header is the fixed-width prefix of every record in a settings file.

	---------------------------------------------------------------------
	| last_modified(4) | key_hash(1) | flags:6 | key_len:7 | val_len:11 |
	---------------------------------------------------------------------

The trailing 24 bits are one little-endian word: flags in bits 0-5, key_len
in bits 6-12, val_len in bits 13-23. On flash the flags use inverse polarity
(a cleared bit means the flag is set) because NOR writes can only clear
bits. In memory Flags always has positive polarity; the inversion happens
only in MarshalBinary and UnmarshalBinary.
*/
type Header struct {
	LastModified uint32
	KeyHash      uint8
	Flags        Flags
	KeyLen       int
	ValLen       int
}

// Flags is the positive-polarity record flag set.
type Flags uint8

const (
	// FlagWriteComplete marks a record whose key and value are fully written.
	FlagWriteComplete Flags = 1 << iota
	// FlagOverwriteStarted marks a record being replaced by a newer one.
	FlagOverwriteStarted
	// FlagOverwriteComplete marks a record whose replacement is complete.
	FlagOverwriteComplete
	// FlagSynced marks a record already synced with the paired phone.
	FlagSynced

	flagsMask Flags = 0x3F
)

const (
	// HeaderSize is the encoded size of a Header.
	HeaderSize = 8
	// FlagsOffset is the byte within the header holding the flag bits.
	FlagsOffset = 5

	// MaxKeyLen is the largest key a record can hold.
	MaxKeyLen = 0x7F
	// MaxValLen is the largest value a record can hold. 0x7FF is reserved
	// for the EOF sentinel.
	MaxValLen = 0x7FF - 1

	eofLastModified = 0xFFFFFFFF
	eofKeyHash      = 0xFF
	eofKeyLen       = 0x7F
	eofValLen       = 0x7FF
)

// ErrShortHeader is returned when decoding fewer than HeaderSize bytes.
var ErrShortHeader = errors.New("record: short header")

// EOF returns the end-of-file sentinel header.
func EOF() Header {
	return Header{
		LastModified: eofLastModified,
		KeyHash:      eofKeyHash,
		Flags:        0,
		KeyLen:       eofKeyLen,
		ValLen:       eofValLen,
	}
}

// IsEOF reports whether h is the all-ones sentinel, field by field.
func (h Header) IsEOF() bool {
	return h.LastModified == eofLastModified &&
		h.KeyHash == eofKeyHash &&
		h.Flags == 0 &&
		h.KeyLen == eofKeyLen &&
		h.ValLen == eofValLen
}

// Has reports whether every flag in f is set.
func (h Header) Has(f Flags) bool { return h.Flags&f == f }

// Len returns the full on-flash size of the record.
func (h Header) Len() int { return HeaderSize + h.KeyLen + h.ValLen }

// PartiallyWritten reports a record whose write never completed.
func (h Header) PartiallyWritten() bool { return !h.Has(FlagWriteComplete) }

// PartiallyOverwritten reports a record whose replacement may not have landed.
func (h Header) PartiallyOverwritten() bool {
	return h.Has(FlagOverwriteStarted) && !h.Has(FlagOverwriteComplete)
}

// Overwritten reports a dead record superseded by a newer one.
func (h Header) Overwritten() bool { return h.Has(FlagOverwriteComplete) }

// Deleted reports a tombstone.
func (h Header) Deleted() bool { return h.ValLen == 0 }

// DeletedAndExpired reports a tombstone older than retention at now.
func (h Header) DeletedAndExpired(now time.Time, retention time.Duration) bool {
	if !h.Deleted() {
		return false
	}
	expiry := time.Unix(int64(h.LastModified), 0).Add(retention)
	return !now.Before(expiry)
}

// Modified returns LastModified as a time.
func (h Header) Modified() time.Time { return time.Unix(int64(h.LastModified), 0) }

func (h Header) packed() uint32 {
	wire := uint32(^h.Flags & flagsMask)
	return wire | uint32(h.KeyLen&0x7F)<<6 | uint32(h.ValLen&0x7FF)<<13
}

// MarshalBinary encodes h into its 8-byte flash layout.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf, nil
}

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.LastModified)
	buf[4] = h.KeyHash
	w := h.packed()
	buf[5] = byte(w)
	buf[6] = byte(w >> 8)
	buf[7] = byte(w >> 16)
}

// FlagsByte returns the encoded byte at FlagsOffset.
func (h Header) FlagsByte() byte {
	return byte(h.packed())
}

// UnmarshalBinary decodes the 8-byte flash layout into h.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	h.LastModified = binary.LittleEndian.Uint32(buf[0:4])
	h.KeyHash = buf[4]
	w := uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7])<<16
	h.Flags = ^Flags(w) & flagsMask
	h.KeyLen = int(w>>6) & 0x7F
	h.ValLen = int(w>>13) & 0x7FF
	return nil
}
