package appcache

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/wristcore/codec"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/resource"
	"github.com/hupe1980/wristcore/settings"
	"github.com/hupe1980/wristcore/worker"
)

// FileName is the settings file holding the cache entries.
const FileName = "appcache"

// launchWeight is how many hours of idleness one launch makes up for.
const launchWeight = 24

var (
	// ErrCacheFull is returned when not enough space can be freed.
	ErrCacheFull = errors.New("appcache: cache full")
	// ErrNotFound is returned for installs without a cache entry.
	ErrNotFound = errors.New("appcache: not found")
)

// Entry is the cache state of one install.
type Entry struct {
	InstallDate   time.Time `json:"install_date"`
	LastLaunch    time.Time `json:"last_launch"`
	TotalLaunches uint32    `json:"total_launches"`
	TotalSize     int64     `json:"total_size"`
}

// Priority ranks e for eviction at now. Lower priorities go first.
func (e Entry) Priority(now time.Time) int64 {
	last := e.LastLaunch
	if last.IsZero() {
		last = e.InstallDate
	}
	idle := max(now.Sub(last), 0)
	return int64(e.TotalLaunches)*launchWeight - int64(idle/time.Hour)
}

func key(id worker.InstallID) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(id))
}

// Cache is the app cache.
type Cache struct {
	fsys fs.FileSystem
	opts options

	mu      sync.Mutex
	members *roaring.Bitmap
}

// Open loads the cache stored on fsys and reserves the sizes of its
// entries. Entries that no longer fit the budget are evicted, lowest
// priority first.
func Open(fsys fs.FileSystem, optFns ...Option) (*Cache, error) {
	opts := options{
		maxSize: DefaultMaxSize,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	c := &Cache{fsys: fsys, opts: opts, members: roaring.New()}

	err := c.with(func(f *settings.File) error {
		entries, err := c.entries(f)
		if err != nil {
			return err
		}
		now := c.opts.now()
		slices.SortFunc(entries, func(a, b item) int { return compareItems(b, a, now) })
		for _, it := range entries {
			if err := c.opts.resources.Reserve(it.TotalSize); err != nil {
				c.opts.logger.Warn("app cache over budget, evicting", "id", it.id, "size", it.TotalSize)
				if err := c.evict(f, it, false); err != nil {
					return err
				}
				continue
			}
			c.members.Add(uint32(it.id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type item struct {
	id worker.InstallID
	Entry
}

func compareItems(a, b item, now time.Time) int {
	if c := cmp.Compare(a.Priority(now), b.Priority(now)); c != 0 {
		return c
	}
	if c := a.InstallDate.Compare(b.InstallDate); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

func (c *Cache) with(fn func(f *settings.File) error) error {
	f, err := settings.Open(c.fsys, FileName, c.opts.maxSize, c.opts.settings...)
	if err != nil {
		return err
	}
	err = fn(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Cache) entries(f *settings.File) ([]item, error) {
	var (
		out    []item
		decErr error
	)
	err := f.Each(func(rec *settings.Record) settings.IterAction {
		if rec.Deleted() || len(rec.Key) != 4 {
			return settings.Continue
		}
		var e Entry
		if err := codec.Decode(rec.Val, &e); err != nil {
			decErr = fmt.Errorf("appcache: decode %x: %w", rec.Key, err)
			return settings.Stop
		}
		out = append(out, item{id: worker.InstallID(binary.LittleEndian.Uint32(rec.Key)), Entry: e})
		return settings.Continue
	})
	if err != nil {
		return nil, err
	}
	return out, decErr
}

func (c *Cache) get(f *settings.File, id worker.InstallID) (Entry, error) {
	b, err := f.Get(key(id))
	if errors.Is(err, settings.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := codec.Decode(b, &e); err != nil {
		return Entry{}, fmt.Errorf("appcache: decode %d: %w", id, err)
	}
	return e, nil
}

func (c *Cache) put(f *settings.File, id worker.InstallID, e Entry) error {
	b, err := codec.Encode(nil, e)
	if err != nil {
		return err
	}
	return f.Set(key(id), b)
}

// Contains reports whether id has a cache entry. It does not touch flash.
func (c *Cache) Contains(id worker.InstallID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members.Contains(uint32(id))
}

// Len returns the number of cached installs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.members.GetCardinality())
}

// Entry returns the cache entry of id.
func (c *Cache) Entry(id worker.InstallID) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e Entry
	err := c.with(func(f *settings.File) error {
		var err error
		e, err = c.get(f, id)
		return err
	})
	return e, err
}

// Add records id with a binary of size bytes without evicting anything.
// It fails with ErrCacheFull when the size does not fit the budget.
func (c *Cache) Add(id worker.InstallID, size int64) error {
	return c.add(context.Background(), id, size, false)
}

// Reserve records id with a binary of size bytes, evicting other installs
// until the size fits the budget.
func (c *Cache) Reserve(ctx context.Context, id worker.InstallID, size int64) error {
	return c.add(ctx, id, size, true)
}

func (c *Cache) add(ctx context.Context, id worker.InstallID, size int64, evict bool) error {
	if id == 0 {
		return worker.ErrInvalidID
	}
	if b := c.opts.resources.Budget(); b > 0 && size > b {
		return fmt.Errorf("%w: %d bytes exceed budget %d", ErrCacheFull, size, b)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.with(func(f *settings.File) error {
		now := c.opts.now()
		e := Entry{InstallDate: now}
		old, err := c.get(f, id)
		switch {
		case err == nil:
			e = old
			c.opts.resources.Release(old.TotalSize)
		case !errors.Is(err, ErrNotFound):
			return err
		}

		rc := c.opts.resources
		for {
			err := rc.Reserve(size)
			if err == nil {
				break
			}
			if !errors.Is(err, resource.ErrBudgetExceeded) || !evict {
				c.restore(old)
				return fmt.Errorf("%w: %d bytes for %d", ErrCacheFull, size, id)
			}
			need := max(size-(rc.Budget()-rc.Reserved()), 1)
			if _, err := c.freeUpSpace(ctx, f, need, id); err != nil {
				c.restore(old)
				return err
			}
		}

		e.TotalSize = size
		if err := c.put(f, id, e); err != nil {
			rc.Release(size)
			c.restore(old)
			return err
		}
		c.members.Add(uint32(id))
		return nil
	})
}

// restore re-reserves a previous entry size after a failed update.
func (c *Cache) restore(old Entry) {
	if old.TotalSize > 0 {
		_ = c.opts.resources.Reserve(old.TotalSize)
	}
}

// Remove forgets id and releases its reservation. It does not delete
// binaries.
func (c *Cache) Remove(id worker.InstallID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.with(func(f *settings.File) error {
		e, err := c.get(f, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f.Delete(key(id)); err != nil {
			return err
		}
		c.opts.resources.Release(e.TotalSize)
		c.members.Remove(uint32(id))
		return nil
	})
}

// Launched records a launch of id.
func (c *Cache) Launched(id worker.InstallID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.with(func(f *settings.File) error {
		e, err := c.get(f, id)
		if err != nil {
			return err
		}
		e.LastLaunch = c.opts.now()
		e.TotalLaunches++
		return c.put(f, id, e)
	})
}

// FreeUpSpace evicts installs, lowest priority first, until at least n bytes
// were released, and returns the bytes released. It fails with ErrCacheFull
// when every evictable install is gone and n was not reached.
func (c *Cache) FreeUpSpace(ctx context.Context, n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var freed int64
	err := c.with(func(f *settings.File) error {
		var err error
		freed, err = c.freeUpSpace(ctx, f, n, 0)
		return err
	})
	return freed, err
}

func (c *Cache) freeUpSpace(ctx context.Context, f *settings.File, n int64, keep worker.InstallID) (int64, error) {
	entries, err := c.entries(f)
	if err != nil {
		return 0, err
	}
	protected := []worker.InstallID{keep}
	if c.opts.protected != nil {
		protected = append(protected, c.opts.protected()...)
	}
	entries = slices.DeleteFunc(entries, func(it item) bool { return slices.Contains(protected, it.id) })
	now := c.opts.now()
	slices.SortFunc(entries, func(a, b item) int { return compareItems(a, b, now) })

	var freed int64
	for _, it := range entries {
		if freed >= n {
			break
		}
		if err := ctx.Err(); err != nil {
			return freed, err
		}
		if err := c.evict(f, it, true); err != nil {
			return freed, err
		}
		freed += it.TotalSize
	}
	if freed < n {
		return freed, fmt.Errorf("%w: freed %d of %d bytes", ErrCacheFull, freed, n)
	}
	return freed, nil
}

// evict deletes the binaries and the entry of it. reserved tells whether its
// size is currently reserved.
func (c *Cache) evict(f *settings.File, it item, reserved bool) error {
	if c.opts.evictor != nil {
		if err := c.opts.evictor.EvictBinaries(it.id); err != nil {
			return fmt.Errorf("appcache: evict %d: %w", it.id, err)
		}
	}
	if err := f.Delete(key(it.id)); err != nil {
		return err
	}
	if reserved {
		c.opts.resources.Release(it.TotalSize)
	}
	c.members.Remove(uint32(it.id))
	if c.opts.metrics != nil {
		c.opts.metrics.RecordEviction(it.TotalSize)
	}
	c.opts.logger.Info("evicted app", "id", it.id, "size", it.TotalSize, "launches", it.TotalLaunches)
	return nil
}
