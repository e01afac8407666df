package fs

import (
	"errors"
	"io"
)

// OpenMode selects how a file is opened.
type OpenMode uint8

const (
	// ModeRead opens an existing file for reading.
	ModeRead OpenMode = 1 << iota
	// ModeWrite allows writes (bit clears) to an open file.
	ModeWrite
	// ModeCreate creates the file with the requested size if it is missing.
	ModeCreate
	// ModeOverwrite opens a fresh hidden sibling that replaces the named file
	// when closed.
	ModeOverwrite

	// ModeReadWrite is the usual mode for settings files.
	ModeReadWrite = ModeRead | ModeWrite
)

var (
	// ErrNotExist is returned when opening or removing a missing file.
	ErrNotExist = errors.New("fs: file does not exist")
	// ErrBusy is returned when a file is opened a second time without being
	// closed first.
	ErrBusy = errors.New("fs: file already open")
	// ErrOutOfBounds is returned for reads and writes past the file size.
	ErrOutOfBounds = errors.New("fs: offset out of bounds")
	// ErrReadOnly is returned when writing to a file not opened for writing.
	ErrReadOnly = errors.New("fs: file not opened for writing")
	// ErrInvalidSize is returned when a file is created with a non-positive size.
	ErrInvalidSize = errors.New("fs: invalid file size")
	// ErrClosed is returned for operations on a closed file.
	ErrClosed = errors.New("fs: file already closed")
)

// ErasedByte is the value of an erased flash byte.
const ErasedByte = 0xFF

// File represents an open flash file.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Size returns the allocated size of the file in bytes.
	Size() int64
	// Name returns the name the file was opened under.
	Name() string
}

// FileSystem abstracts flash file operations for testability.
type FileSystem interface {
	// Open opens name. size is only used when a file is created, either
	// through ModeCreate or ModeOverwrite.
	Open(name string, mode OpenMode, size int64) (File, error)
	Remove(name string) error
	// Stat returns the allocated size of name.
	Stat(name string) (int64, error)
	// List returns the names of all committed files, sorted.
	List() ([]string, error)
}

// Aborter is implemented by overwrite siblings that can be dropped without
// replacing the named file.
type Aborter interface {
	Abort() error
}

// Abort discards an overwrite sibling. Files that cannot be aborted are
// closed instead.
func Abort(f File) error {
	if a, ok := f.(Aborter); ok {
		return a.Abort()
	}
	return f.Close()
}

// Program applies NOR write semantics: every byte of dst keeps only the bits
// that are also set in src.
func Program(dst, src []byte) {
	for i := range src {
		dst[i] &= src[i]
	}
}

// Erased returns a buffer of n erased bytes.
func Erased(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ErasedByte
	}
	return b
}

func checkRange(off int64, n int, size int64) error {
	if off < 0 || off+int64(n) > size {
		return ErrOutOfBounds
	}
	return nil
}
