package install

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/wristcore/codec"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/settings"
	"github.com/hupe1980/wristcore/worker"
)

// FileName is the settings file holding the registry.
const FileName = "appdb"

// DefaultMaxSize is the live-record budget of the registry file.
const DefaultMaxSize = 16 * 1024

var (
	// ErrNotFound is returned for unknown install ids.
	ErrNotFound = errors.New("install: not found")
	// ErrEvicted is returned when the binaries of an install were evicted.
	ErrEvicted = errors.New("install: binaries evicted")
)

// Kind tells apps and workers apart.
type Kind uint8

const (
	KindApp Kind = iota
	KindWorker
)

// Entry is one installed app or worker.
type Entry struct {
	ID   worker.InstallID `json:"id"`
	Name string           `json:"name"`
	Kind Kind             `json:"kind"`
	// Image is the flash file holding the process image.
	Image string `json:"image,omitempty"`
	// Resource is the resource bank id of images shipped with the firmware.
	Resource    uint32    `json:"resource,omitempty"`
	StackSize   uint32    `json:"stack_size,omitempty"`
	Size        int64     `json:"size"`
	InstalledAt time.Time `json:"installed_at"`
	// Evicted is set once the binaries were deleted to make room.
	Evicted bool `json:"evicted,omitempty"`
}

// Key returns the settings key of id.
func Key(id worker.InstallID) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(id))
}

type options struct {
	maxSize  int
	codec    codec.Codec
	settings []settings.Option
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*options)

// WithMaxSize sets the live-record budget of the registry file.
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

// WithCodec sets the codec for new entries.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithSettingsOptions passes options through to settings.Open.
func WithSettingsOptions(opts ...settings.Option) Option {
	return func(o *options) { o.settings = append(o.settings, opts...) }
}

// WithClock sets the clock used for install dates.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Registry is the install database.
type Registry struct {
	fsys fs.FileSystem
	opts options

	mu      sync.Mutex
	running []worker.InstallID
}

// NewRegistry returns a registry stored on fsys.
func NewRegistry(fsys fs.FileSystem, optFns ...Option) *Registry {
	opts := options{
		maxSize: DefaultMaxSize,
		codec:   codec.Default,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{fsys: fsys, opts: opts}
}

func (r *Registry) with(fn func(f *settings.File) error) error {
	f, err := settings.Open(r.fsys, FileName, r.opts.maxSize, r.opts.settings...)
	if err != nil {
		return err
	}
	err = fn(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Registry) get(f *settings.File, id worker.InstallID) (Entry, error) {
	b, err := f.Get(Key(id))
	if errors.Is(err, settings.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := codec.Decode(b, &e); err != nil {
		return Entry{}, fmt.Errorf("install: decode %d: %w", id, err)
	}
	return e, nil
}

func (r *Registry) put(f *settings.File, e Entry) error {
	b, err := codec.Encode(r.opts.codec, e)
	if err != nil {
		return fmt.Errorf("install: encode %d: %w", e.ID, err)
	}
	return f.Set(Key(e.ID), b)
}

// Add registers or replaces an install. A zero InstalledAt is set to now.
func (r *Registry) Add(e Entry) error {
	if e.ID == 0 {
		return worker.ErrInvalidID
	}
	if e.InstalledAt.IsZero() {
		e.InstalledAt = r.opts.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.with(func(f *settings.File) error { return r.put(f, e) }); err != nil {
		return err
	}
	r.opts.logger.Info("install added", "id", e.ID, "name", e.Name, "kind", e.Kind)
	return nil
}

// Get returns the entry of id.
func (r *Registry) Get(id worker.InstallID) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var e Entry
	err := r.with(func(f *settings.File) error {
		var err error
		e, err = r.get(f, id)
		return err
	})
	return e, err
}

// List returns every entry ordered by id.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		out    []Entry
		decErr error
	)
	err := r.with(func(f *settings.File) error {
		return f.Each(func(rec *settings.Record) settings.IterAction {
			if rec.Deleted() {
				return settings.Continue
			}
			var e Entry
			if err := codec.Decode(rec.Val, &e); err != nil {
				decErr = fmt.Errorf("install: decode %x: %w", rec.Key, err)
				return settings.Stop
			}
			out = append(out, e)
			return settings.Continue
		})
	})
	if err == nil {
		err = decErr
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}

// Remove deletes the install and its binaries.
func (r *Registry) Remove(id worker.InstallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.with(func(f *settings.File) error {
		e, err := r.get(f, id)
		if err != nil {
			return err
		}
		if err := r.deleteBinaries(e); err != nil {
			return err
		}
		r.opts.logger.Info("install removed", "id", id, "name", e.Name)
		return f.Delete(Key(id))
	})
}

// EvictBinaries deletes the binaries of id and keeps the entry so the app
// can be fetched again. It serves as the app cache evictor.
func (r *Registry) EvictBinaries(id worker.InstallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.with(func(f *settings.File) error {
		e, err := r.get(f, id)
		if err != nil {
			return err
		}
		if e.Evicted {
			return nil
		}
		if err := r.deleteBinaries(e); err != nil {
			return err
		}
		e.Evicted = true
		r.opts.logger.Info("install binaries evicted", "id", id, "name", e.Name, "size", e.Size)
		return r.put(f, e)
	})
}

func (r *Registry) deleteBinaries(e Entry) error {
	if e.Image == "" {
		return nil
	}
	if err := r.fsys.Remove(e.Image); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("install: delete %s: %w", e.Image, err)
	}
	return nil
}

// Lookup resolves a worker for the worker manager.
func (r *Registry) Lookup(id worker.InstallID) (worker.Metadata, error) {
	e, err := r.Get(id)
	if err != nil {
		return worker.Metadata{}, err
	}
	if e.Evicted {
		return worker.Metadata{}, fmt.Errorf("%w: %d", ErrEvicted, id)
	}
	return worker.Metadata{
		ID:        e.ID,
		Name:      e.Name,
		Image:     e.Image,
		Resource:  e.Resource,
		StackSize: e.StackSize,
	}, nil
}

// WorkerStarted records id as running.
func (r *Registry) WorkerStarted(id worker.InstallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.running, id) {
		r.running = append(r.running, id)
	}
}

// WorkerStopped records that id no longer runs.
func (r *Registry) WorkerStopped(id worker.InstallID, crashed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = slices.DeleteFunc(r.running, func(v worker.InstallID) bool { return v == id })
	if crashed {
		r.opts.logger.Warn("install crashed", "id", id)
	}
}

// Running returns the running installs. The app cache never evicts them.
func (r *Registry) Running() []worker.InstallID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.running)
}
