package wakeup

import (
	"testing"
	"time"

	"github.com/hupe1980/wristcore/codec"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(fsys fs.FileSystem, clock *fakeClock, optFns ...Option) *Store {
	opts := append([]Option{
		WithClock(clock.Now),
		WithSettingsOptions(settings.WithClock(clock.Now)),
	}, optFns...)
	return NewStore(fsys, opts...)
}

// The schedule survives a reboot, a cancelled wakeup stops existing at
// once, and its tombstone disappears from iteration once retention expires.
func TestStore_Scenario(t *testing.T) {
	fsys := fs.NewMemFS()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	entry := Entry{ID: 5, App: 42, At: clock.t.Add(time.Hour).UTC(), Reason: 3}

	s := newStore(fsys, clock)
	id, err := s.Schedule(entry)
	require.NoError(t, err)
	require.Equal(t, ID(5), id)

	fsys = fsys.Clone()
	s = newStore(fsys, clock)
	got, err := s.Get(5)
	require.NoError(t, err)
	assert.Equal(t, entry, Entry{ID: got.ID, App: got.App, At: got.At.UTC(), Reason: got.Reason})

	require.NoError(t, s.Cancel(5))
	ok, err := s.Exists(5)
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := settings.Open(fsys, FileName, DefaultMaxSize,
		settings.WithClock(clock.Now),
		settings.WithTombstoneRetention(0),
	)
	require.NoError(t, err)
	defer f.Close()

	visited := 0
	require.NoError(t, f.Each(func(rec *settings.Record) settings.IterAction {
		assert.NotEqual(t, Key(5), rec.Key)
		visited++
		return settings.Continue
	}))
	assert.Zero(t, visited)
}

func TestStore_TombstoneVisibleDuringRetention(t *testing.T) {
	fsys := fs.NewMemFS()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newStore(fsys, clock)

	_, err := s.Schedule(Entry{ID: 5, App: 1, At: clock.t.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(5))

	f, err := settings.Open(fsys, FileName, DefaultMaxSize, settings.WithClock(clock.Now))
	require.NoError(t, err)
	defer f.Close()

	var tombstones int
	require.NoError(t, f.Each(func(rec *settings.Record) settings.IterAction {
		if rec.Deleted() {
			tombstones++
		}
		return settings.Continue
	}))
	assert.Equal(t, 1, tombstones)
}

func TestStore_ScheduleAssignsIDs(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newStore(fs.NewMemFS(), clock)

	a, err := s.Schedule(Entry{App: 1, At: clock.t.Add(2 * time.Hour)})
	require.NoError(t, err)
	b, err := s.Schedule(Entry{App: 1, At: clock.t.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ID(1), a)
	assert.Equal(t, ID(2), b)

	next, ok, err := s.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, next.ID)
}

func TestStore_ScheduleValidation(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newStore(fs.NewMemFS(), clock, WithMaxPerApp(2))

	_, err := s.Schedule(Entry{App: 1, At: clock.t.Add(-time.Second)})
	assert.ErrorIs(t, err, ErrInPast)

	_, err = s.Schedule(Entry{App: 1, At: clock.t.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.Schedule(Entry{App: 1, At: clock.t.Add(time.Hour + 30*time.Second)})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Schedule(Entry{App: 1, At: clock.t.Add(2 * time.Hour)})
	require.NoError(t, err)
	_, err = s.Schedule(Entry{App: 1, At: clock.t.Add(3 * time.Hour)})
	assert.ErrorIs(t, err, ErrLimitReached)

	// Other apps have their own limit.
	_, err = s.Schedule(Entry{App: 2, At: clock.t.Add(time.Hour)})
	require.NoError(t, err)
}

func TestStore_CancelApp(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newStore(fs.NewMemFS(), clock)

	for i := range 3 {
		_, err := s.Schedule(Entry{App: 1, At: clock.t.Add(time.Duration(i+1) * time.Hour)})
		require.NoError(t, err)
	}
	_, err := s.Schedule(Entry{App: 2, At: clock.t.Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, s.CancelApp(1))
	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint32(2), uint32(list[0].App))
}

func TestStore_Dispatch(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newStore(fs.NewMemFS(), clock)
	boot := clock.t

	_, err := s.Schedule(Entry{ID: 1, App: 1, At: clock.t.Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.Schedule(Entry{ID: 2, App: 2, At: clock.t.Add(2 * time.Minute), NotifyIfMissed: true})
	require.NoError(t, err)
	_, err = s.Schedule(Entry{ID: 3, App: 3, At: clock.t.Add(3 * time.Minute)})
	require.NoError(t, err)
	_, err = s.Schedule(Entry{ID: 4, App: 4, At: clock.t.Add(time.Hour)})
	require.NoError(t, err)

	// The device was off until after the third wakeup.
	clock.Advance(5 * time.Minute)
	since := boot.Add(4 * time.Minute)

	type fired struct {
		id     ID
		missed bool
	}
	var got []fired
	n, err := s.Dispatch(since, func(e Entry, missed bool) {
		got = append(got, fired{e.ID, missed})
		// Callbacks may schedule follow-ups.
		_, err := s.Schedule(Entry{App: e.App, At: clock.t.Add(10 * time.Minute)})
		require.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []fired{{2, true}}, got)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ID(5), list[0].ID)
	assert.Equal(t, ID(4), list[1].ID)

	clock.Advance(10 * time.Minute)
	n, err = s.Dispatch(clock.t.Add(-time.Minute), func(Entry, bool) {})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ReadsStdlibEncodedValues(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	fsys := fs.NewMemFS()

	_, err := newStore(fsys, clock, WithCodec(codec.JSON{})).Schedule(Entry{ID: 9, App: 1, At: clock.t.Add(time.Hour)})
	require.NoError(t, err)

	e, err := newStore(fsys, clock).Get(9)
	require.NoError(t, err)
	assert.Equal(t, ID(9), e.ID)
}
