package wakeup

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

const (
	// FileName is the settings file holding the schedule.
	FileName = "wakeup"
	// DefaultMaxSize is the live-record budget of the schedule file.
	DefaultMaxSize = 8192
	// DefaultMaxPerApp is the number of wakeups one app may hold.
	DefaultMaxPerApp = 8
	// MinSpacing is the minimum distance between two wakeups of one app.
	MinSpacing = time.Minute
)

var (
	// ErrNotFound is returned for unknown wakeup ids.
	ErrNotFound = errors.New("wakeup: not found")
	// ErrInPast is returned when scheduling a wakeup before now.
	ErrInPast = errors.New("wakeup: time in the past")
	// ErrLimitReached is returned when an app holds too many wakeups.
	ErrLimitReached = errors.New("wakeup: limit reached")
	// ErrConflict is returned when an app already has a wakeup within
	// MinSpacing of the requested time.
	ErrConflict = errors.New("wakeup: conflicting wakeup")
)

// ID identifies a wakeup.
type ID uint32

// Entry is one scheduled wakeup.
type Entry struct {
	ID     ID               `json:"id"`
	App    worker.InstallID `json:"app"`
	At     time.Time        `json:"at"`
	Reason int32            `json:"reason"`
	// NotifyIfMissed asks for delivery even when the wakeup passed while
	// the device was off.
	NotifyIfMissed bool `json:"notify_if_missed,omitempty"`
}

// Key returns the settings key of id.
func Key(id ID) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(id))
}

type options struct {
	maxSize   int
	maxPerApp int
	codec     codec.Codec
	settings  []settings.Option
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*options)

// WithMaxSize sets the live-record budget of the schedule file.
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

// WithMaxPerApp sets the number of wakeups one app may hold.
func WithMaxPerApp(n int) Option {
	return func(o *options) { o.maxPerApp = n }
}

// WithCodec sets the codec for new entries.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithSettingsOptions passes options through to settings.Open.
func WithSettingsOptions(opts ...settings.Option) Option {
	return func(o *options) { o.settings = append(o.settings, opts...) }
}

// WithClock sets the real-time clock.
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

// Store is the wakeup schedule.
type Store struct {
	fsys fs.FileSystem
	opts options
	mu   sync.Mutex
}

// NewStore returns a store kept on fsys.
func NewStore(fsys fs.FileSystem, optFns ...Option) *Store {
	opts := options{
		maxSize:   DefaultMaxSize,
		maxPerApp: DefaultMaxPerApp,
		codec:     codec.Default,
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{fsys: fsys, opts: opts}
}

func (s *Store) with(fn func(f *settings.File) error) error {
	f, err := settings.Open(s.fsys, FileName, s.opts.maxSize, s.opts.settings...)
	if err != nil {
		return err
	}
	err = fn(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) list(f *settings.File) ([]Entry, error) {
	var (
		out    []Entry
		decErr error
	)
	err := f.Each(func(rec *settings.Record) settings.IterAction {
		if rec.Deleted() {
			return settings.Continue
		}
		var e Entry
		if err := codec.Decode(rec.Val, &e); err != nil {
			decErr = fmt.Errorf("wakeup: decode %x: %w", rec.Key, err)
			return settings.Stop
		}
		out = append(out, e)
		return settings.Continue
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, decErr
}

// Schedule adds a wakeup and returns its id. A zero e.ID is assigned the
// next free id.
func (s *Store) Schedule(e Entry) (ID, error) {
	if e.App == 0 {
		return 0, worker.ErrInvalidID
	}
	if e.At.Before(s.opts.now()) {
		return 0, ErrInPast
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.with(func(f *settings.File) error {
		entries, err := s.list(f)
		if err != nil {
			return err
		}
		var next ID
		perApp := 0
		for _, o := range entries {
			next = max(next, o.ID)
			if o.App != e.App || o.ID == e.ID {
				continue
			}
			perApp++
			if d := o.At.Sub(e.At).Abs(); d < MinSpacing {
				return fmt.Errorf("%w: %d at %s", ErrConflict, o.ID, o.At)
			}
		}
		if perApp >= s.opts.maxPerApp {
			return fmt.Errorf("%w: app %d has %d", ErrLimitReached, e.App, perApp)
		}
		if e.ID == 0 {
			e.ID = next + 1
		}
		b, err := codec.Encode(s.opts.codec, e)
		if err != nil {
			return err
		}
		return f.Set(Key(e.ID), b)
	})
	if err != nil {
		return 0, err
	}
	s.opts.logger.Debug("wakeup scheduled", "id", e.ID, "app", e.App, "at", e.At)
	return e.ID, nil
}

// Get returns the wakeup id.
func (s *Store) Get(id ID) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e Entry
	err := s.with(func(f *settings.File) error {
		b, err := f.Get(Key(id))
		if errors.Is(err, settings.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return codec.Decode(b, &e)
	})
	return e, err
}

// Exists reports whether wakeup id is scheduled.
func (s *Store) Exists(id ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ok bool
	err := s.with(func(f *settings.File) error {
		var err error
		ok, err = f.Exists(Key(id))
		return err
	})
	return ok, err
}

// Cancel removes wakeup id. Cancelling an unknown id is a no-op.
func (s *Store) Cancel(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.with(func(f *settings.File) error { return f.Delete(Key(id)) })
}

// CancelApp removes every wakeup of app.
func (s *Store) CancelApp(app worker.InstallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.with(func(f *settings.File) error {
		entries, err := s.list(f)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.App != app {
				continue
			}
			if err := f.Delete(Key(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns the scheduled wakeups, earliest first.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	err := s.with(func(f *settings.File) error {
		var err error
		out, err = s.list(f)
		return err
	})
	return out, err
}

// Next returns the earliest wakeup.
func (s *Store) Next() (Entry, bool, error) {
	entries, err := s.List()
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

// Dispatch removes every wakeup that is due and calls fn for it, earliest
// first. missed is set for wakeups that were due before since; those
// without NotifyIfMissed are dropped silently. fn runs without the store
// lock held and may schedule new wakeups.
func (s *Store) Dispatch(since time.Time, fn func(e Entry, missed bool)) (int, error) {
	type due struct {
		Entry
		missed bool
	}
	var fire []due

	s.mu.Lock()
	err := s.with(func(f *settings.File) error {
		entries, err := s.list(f)
		if err != nil {
			return err
		}
		now := s.opts.now()
		for _, e := range entries {
			if e.At.After(now) {
				break
			}
			if err := f.Delete(Key(e.ID)); err != nil {
				return err
			}
			missed := e.At.Before(since)
			if missed && !e.NotifyIfMissed {
				s.opts.logger.Debug("dropping missed wakeup", "id", e.ID, "app", e.App)
				continue
			}
			fire = append(fire, due{Entry: e, missed: missed})
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, d := range fire {
		fn(d.Entry, d.missed)
	}
	return len(fire), nil
}
