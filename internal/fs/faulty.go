package fs

import (
	"errors"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("fs: injected fault")

// Fault defines specific failure behavior for files matching a rule.
type Fault struct {
	FailAfterWrites int // Fail WriteAt calls after this many succeeded on the file. -1 to disable.
	FailReads       bool
	FailOnClose     bool
	Err             error
}

// FaultyFS is a FileSystem wrapper that can inject errors and power cuts.
//
// A power cut is global: after [FaultyFS.CutPowerAfter] n further WriteAt
// calls, every write across all files is silently dropped and every close of
// an overwrite sibling is discarded. The wrapped file system then holds what
// the flash would hold after the cut.
type FaultyFS struct {
	FS FileSystem

	mu     sync.Mutex
	rules  map[string]Fault // filename pattern -> fault
	writes int64            // total WriteAt calls that reached the wrapped FS
	budget int64            // remaining writes before the power cut, -1 when disarmed
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or a fresh
// MemFS if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = NewMemFS()
	}
	return &FaultyFS{
		FS:     fs,
		rules:  make(map[string]Fault),
		budget: -1,
	}
}

// AddRule adds a fault injection rule for files whose name contains pattern.
// Rules are resolved when a file is opened.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// CutPowerAfter arms a power cut that lets n more writes through.
func (f *FaultyFS) CutPowerAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budget = int64(n)
}

// PowerCut reports whether the armed power cut has happened.
func (f *FaultyFS) PowerCut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.budget == 0
}

// Writes returns the number of writes that reached the wrapped file system.
func (f *FaultyFS) Writes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// admitWrite consumes one write from the power budget.
func (f *FaultyFS) admitWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budget == 0 {
		return false
	}
	if f.budget > 0 {
		f.budget--
	}
	f.writes++
	return true
}

func (f *FaultyFS) Open(name string, mode OpenMode, size int64) (File, error) {
	file, err := f.FS.Open(name, mode, size)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fault := Fault{FailAfterWrites: -1}
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	f.mu.Unlock()

	return &faultyFile{File: file, fs: f, fault: fault, overwrite: mode&ModeOverwrite != 0}, nil
}

func (f *FaultyFS) Remove(name string) error {
	if f.PowerCut() {
		return nil
	}
	return f.FS.Remove(name)
}

func (f *FaultyFS) Stat(name string) (int64, error) { return f.FS.Stat(name) }
func (f *FaultyFS) List() ([]string, error)         { return f.FS.List() }

type faultyFile struct {
	File
	fs        *FaultyFS
	fault     Fault
	overwrite bool
	writes    int
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if ff.fault.FailReads {
		return 0, ff.fault.Err
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if ff.fault.FailAfterWrites >= 0 && ff.writes >= ff.fault.FailAfterWrites {
		return 0, ff.fault.Err
	}
	ff.writes++
	if !ff.fs.admitWrite() {
		// Power is gone: the caller believes the write landed.
		return len(p), nil
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Abort() error { return Abort(ff.File) }

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		_ = ff.File.Close()
		return ff.fault.Err
	}
	if ff.overwrite && ff.fs.PowerCut() {
		// The sibling never got committed.
		return nil
	}
	return ff.File.Close()
}
