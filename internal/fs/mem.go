package fs

import (
	"sort"
	"sync"
)

// MemFS is an in-memory flash file system.
//
// Only committed files survive [MemFS.Clone], which makes Clone a cheap way
// to simulate a power cut: open handles and uncommitted overwrite siblings
// are lost, exactly as they would be on a reboot.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	busy  map[string]bool
}

// NewMemFS returns an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string][]byte),
		busy:  make(map[string]bool),
	}
}

func (m *MemFS) Open(name string, mode OpenMode, size int64) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode&ModeOverwrite != 0 {
		if size <= 0 {
			return nil, ErrInvalidSize
		}
		return &memFile{fs: m, name: name, data: Erased(size), writable: true, overwrite: true}, nil
	}

	if m.busy[name] {
		return nil, ErrBusy
	}
	data, ok := m.files[name]
	if !ok {
		if mode&ModeCreate == 0 {
			return nil, ErrNotExist
		}
		if size <= 0 {
			return nil, ErrInvalidSize
		}
		data = Erased(size)
		m.files[name] = data
	}
	m.busy[name] = true
	return &memFile{fs: m, name: name, data: data, writable: mode&ModeWrite != 0}, nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return ErrNotExist
	}
	if m.busy[name] {
		return ErrBusy
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) Stat(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return 0, ErrNotExist
	}
	return int64(len(data)), nil
}

func (m *MemFS) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Clone returns a copy holding only the committed contents of m.
func (m *MemFS) Clone() *MemFS {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := NewMemFS()
	for name, data := range m.files {
		c.files[name] = append([]byte(nil), data...)
	}
	return c
}

// Bytes returns a copy of the committed contents of name.
func (m *MemFS) Bytes(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

type memFile struct {
	fs        *MemFS
	name      string
	data      []byte
	writable  bool
	overwrite bool
	closed    bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if err := checkRange(off, len(p), int64(len(f.data))); err != nil {
		return 0, err
	}
	return copy(p, f.data[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if !f.writable {
		return 0, ErrReadOnly
	}
	if err := checkRange(off, len(p), int64(len(f.data))); err != nil {
		return 0, err
	}
	Program(f.data[off:off+int64(len(p))], p)
	return len(p), nil
}

func (f *memFile) Size() int64  { return int64(len(f.data)) }
func (f *memFile) Name() string { return f.name }

func (f *memFile) Abort() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	if !f.overwrite {
		delete(f.fs.busy, f.name)
	}
	return nil
}

func (f *memFile) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	if f.overwrite {
		f.fs.files[f.name] = f.data
		return nil
	}
	delete(f.fs.busy, f.name)
	return nil
}
