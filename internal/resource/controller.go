package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBudgetExceeded is returned when a flash budget reservation does not fit.
var ErrBudgetExceeded = errors.New("flash budget exceeded")

// Config holds resource limits.
type Config struct {
	// BudgetBytes is the hard limit for reserved flash space.
	// If 0, no hard limit is enforced (only tracking).
	BudgetBytes int64

	// MaxBackgroundJobs is the maximum number of concurrent flash-heavy
	// background jobs such as compactions. If 0, defaults to 1.
	MaxBackgroundJobs int64

	// IOLimitBytesPerSec throttles background flash IO. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller governs flash budget, background job concurrency and
// background IO throughput. A nil *Controller imposes no limits.
type Controller struct {
	cfg Config

	budgetSem *semaphore.Weighted // nil if unlimited
	reserved  atomic.Int64

	bgSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundJobs <= 0 {
		cfg.MaxBackgroundJobs = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundJobs),
	}

	if cfg.BudgetBytes > 0 {
		c.budgetSem = semaphore.NewWeighted(cfg.BudgetBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// Reserve attempts to reserve flash space.
// Returns ErrBudgetExceeded if the budget would be exceeded.
// Non-blocking: callers decide whether to evict and retry.
func (c *Controller) Reserve(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.budgetSem != nil && !c.budgetSem.TryAcquire(bytes) {
		return ErrBudgetExceeded
	}
	c.reserved.Add(bytes)
	return nil
}

// Release returns previously reserved flash space.
func (c *Controller) Release(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.budgetSem != nil {
		c.budgetSem.Release(bytes)
	}
	c.reserved.Add(-bytes)
}

// Reserved returns the currently reserved bytes.
func (c *Controller) Reserved() int64 {
	if c == nil {
		return 0
	}
	return c.reserved.Load()
}

// Budget returns the configured budget in bytes (0 if unlimited).
func (c *Controller) Budget() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.BudgetBytes
}

// AcquireBackground reserves a background job slot, blocking while all
// slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground reserves a background job slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground releases a background job slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows the given number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	if burst := c.ioLimiter.Burst(); bytes > burst {
		bytes = burst
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
