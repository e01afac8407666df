package testutil

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/wristcore/internal/fs"
)

// Epoch is the default start time of a Clock.
var Epoch = time.Unix(1_700_000_000, 0)

// RNG is a seeded random source. It is safe for concurrent use.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), //nolint:gosec // deterministic test data
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Bytes returns between minLen and maxLen random bytes.
func (r *RNG) Bytes(minLen, maxLen int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := minLen
	if maxLen > minLen {
		n += r.rand.Intn(maxLen - minLen + 1)
	}
	b := make([]byte, n)
	_, _ = r.rand.Read(b)
	return b
}

// Pick returns a random element of items.
func Pick[T any](r *RNG, items []T) T {
	return items[r.Intn(len(items))]
}

// Clock is a manually advanced clock. It is safe for concurrent use.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock set to t, or to Epoch if t is zero.
func NewClock(t time.Time) *Clock {
	if t.IsZero() {
		t = Epoch
	}
	return &Clock{t: t}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// WriteFile creates name on fsys holding exactly data.
func WriteFile(tb testing.TB, fsys fs.FileSystem, name string, data []byte) {
	tb.Helper()
	f, err := fsys.Open(name, fs.ModeReadWrite|fs.ModeCreate, int64(len(data)))
	if err != nil {
		tb.Fatalf("open %s: %v", name, err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		_ = f.Close()
		tb.Fatalf("write %s: %v", name, err)
	}
	if err := f.Close(); err != nil {
		tb.Fatalf("close %s: %v", name, err)
	}
}
