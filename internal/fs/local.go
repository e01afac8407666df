package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const overwriteSuffix = ".overwrite"

// LocalFS implements FileSystem on top of a host directory. Every flash file
// is a regular file of its allocated size; writes emulate NOR bit clearing by
// reading back the stored bytes first.
type LocalFS struct {
	root string

	mu   sync.Mutex
	busy map[string]bool
}

// NewLocalFS returns a LocalFS rooted at dir, creating it if needed.
// Stale overwrite siblings left behind by a crash are removed.
func NewLocalFS(dir string) (*LocalFS, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create flash directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), overwriteSuffix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return &LocalFS{root: dir, busy: make(map[string]bool)}, nil
}

func (l *LocalFS) path(name string) string {
	return filepath.Join(l.root, filepath.Base(name))
}

func (l *LocalFS) Open(name string, mode OpenMode, size int64) (File, error) {
	if mode&ModeOverwrite != 0 {
		if size <= 0 {
			return nil, ErrInvalidSize
		}
		tmp := l.path(name) + overwriteSuffix
		f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // G304: name is confined to root
		if err != nil {
			return nil, err
		}
		if _, err := f.WriteAt(Erased(size), 0); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return nil, err
		}
		return &localFile{fs: l, name: name, f: f, size: size, writable: true, tmp: tmp}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[name] {
		return nil, ErrBusy
	}

	p := l.path(name)
	flag := os.O_RDONLY
	if mode&ModeWrite != 0 {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(p, flag, 0) //nolint:gosec // G304: name is confined to root
	created := false
	if errors.Is(err, os.ErrNotExist) {
		if mode&ModeCreate == 0 {
			return nil, ErrNotExist
		}
		if size <= 0 {
			return nil, ErrInvalidSize
		}
		f, err = os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // G304: name is confined to root
		created = true
	}
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if created {
		if _, err := f.WriteAt(Erased(size), 0); err != nil {
			_ = f.Close()
			_ = os.Remove(p)
			return nil, err
		}
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	l.busy[name] = true
	return &localFile{fs: l, name: name, f: f, size: st.Size(), writable: mode&ModeWrite != 0}, nil
}

func (l *LocalFS) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[name] {
		return ErrBusy
	}
	err := os.Remove(l.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotExist
	}
	return err
}

func (l *LocalFS) Stat(name string) (int64, error) {
	st, err := os.Stat(l.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotExist
	}
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (l *LocalFS) List() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), overwriteSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

type localFile struct {
	fs       *LocalFS
	name     string
	f        *os.File
	size     int64
	writable bool
	tmp      string // non-empty for overwrite siblings
	closed   bool
}

func (lf *localFile) ReadAt(p []byte, off int64) (int, error) {
	if lf.closed {
		return 0, ErrClosed
	}
	if err := checkRange(off, len(p), lf.size); err != nil {
		return 0, err
	}
	return lf.f.ReadAt(p, off)
}

func (lf *localFile) WriteAt(p []byte, off int64) (int, error) {
	if lf.closed {
		return 0, ErrClosed
	}
	if !lf.writable {
		return 0, ErrReadOnly
	}
	if err := checkRange(off, len(p), lf.size); err != nil {
		return 0, err
	}
	cur := make([]byte, len(p))
	if _, err := lf.f.ReadAt(cur, off); err != nil {
		return 0, err
	}
	Program(cur, p)
	return lf.f.WriteAt(cur, off)
}

func (lf *localFile) Size() int64  { return lf.size }
func (lf *localFile) Name() string { return lf.name }

func (lf *localFile) Abort() error {
	if lf.tmp == "" {
		return lf.Close()
	}
	if lf.closed {
		return ErrClosed
	}
	lf.closed = true
	err := lf.f.Close()
	if rmErr := os.Remove(lf.tmp); err == nil {
		err = rmErr
	}
	return err
}

func (lf *localFile) Close() error {
	if lf.closed {
		return ErrClosed
	}
	lf.closed = true

	if lf.tmp != "" {
		if err := lf.f.Sync(); err != nil {
			_ = lf.f.Close()
			return err
		}
		if err := lf.f.Close(); err != nil {
			return err
		}
		return os.Rename(lf.tmp, lf.fs.path(lf.name))
	}

	lf.fs.mu.Lock()
	delete(lf.fs.busy, lf.name)
	lf.fs.mu.Unlock()
	return lf.f.Close()
}
