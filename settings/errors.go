package settings

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key has no live value.
	ErrNotFound = errors.New("settings: key not found")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("settings: invalid key")
	// ErrBufferTooSmall is returned by GetInto when the value does not fit.
	ErrBufferTooSmall = errors.New("settings: buffer too small")
	// ErrOutOfStorage is returned when a write would exceed the file budget.
	ErrOutOfStorage = errors.New("settings: out of storage")
	// ErrOffsetOutOfRange is returned by SetByte for offsets past the value.
	ErrOffsetOutOfRange = errors.New("settings: offset out of range")
	// ErrClosed is returned for operations on a closed or failed file.
	ErrClosed = errors.New("settings: file closed")
	// ErrIterating is returned when Set or Delete is called from an Each callback.
	ErrIterating = errors.New("settings: file modified during iteration")
	// ErrAlreadyOpen is returned when a file is opened twice. It always
	// comes with a reboot request.
	ErrAlreadyOpen = errors.New("settings: file already open")
	// ErrInvalidSize is returned when a file budget is too small to hold a record.
	ErrInvalidSize = errors.New("settings: invalid size")
)

// ErrKeyTooLong indicates a key longer than MaxKeyLen.
type ErrKeyTooLong struct {
	Len int
}

func (e *ErrKeyTooLong) Error() string {
	return fmt.Sprintf("settings: key too long: %d > %d", e.Len, MaxKeyLen)
}

// ErrValueTooLong indicates a value longer than MaxValLen.
type ErrValueTooLong struct {
	Len int
}

func (e *ErrValueTooLong) Error() string {
	return fmt.Sprintf("settings: value too long: %d > %d", e.Len, MaxValLen)
}
