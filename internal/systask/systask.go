// Package systask implements the low-priority system task: a single
// goroutine that runs deferred callbacks and timers.
//
// It is the only sanctioned way to move work out of interrupt context.
// Fault handlers and other non-blocking producers use TryEnqueue, which
// never blocks; everything that may touch flash runs later on the system
// task itself.
package systask

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/wristcore/internal/queue"
)

// DefaultCapacity is the default number of callbacks that can be queued.
const DefaultCapacity = 32

// TimerID identifies a timer started with After.
type TimerID uint64

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the callback queue capacity.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithClock sets the clock timers are measured against.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// Queue is the system task queue. All methods are safe for concurrent use.
type Queue struct {
	capacity int
	now      func() time.Time
	logger   *slog.Logger

	tasks chan func()
	wake  chan struct{}

	mu     sync.Mutex
	timers *queue.DeadlineQueue[func()]
}

// New returns an idle queue. Callbacks run once Run is started or when
// RunPending is called.
func New(optFns ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
		wake:     make(chan struct{}, 1),
		timers:   queue.New[func()](8),
	}
	for _, fn := range optFns {
		fn(q)
	}
	q.tasks = make(chan func(), q.capacity)
	return q
}

// TryEnqueue queues fn without blocking. It reports false when the queue is
// full. It is safe to call from fault handlers.
func (q *Queue) TryEnqueue(fn func()) bool {
	select {
	case q.tasks <- fn:
		return true
	default:
		q.logger.Warn("system task queue full, dropping callback")
		return false
	}
}

// Enqueue queues fn, waiting for room until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, fn func()) error {
	select {
	case q.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After runs fn on the system task once d has elapsed.
func (q *Queue) After(d time.Duration, fn func()) TimerID {
	q.mu.Lock()
	id := q.timers.Push(q.now().Add(d), fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return TimerID(id)
}

// Cancel stops a timer. It reports whether the timer was still pending.
func (q *Queue) Cancel(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timers.Remove(uint64(id))
}

// Pending returns the number of queued callbacks and pending timers.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) + q.timers.Len()
}

// RunPending runs every queued callback and every due timer, including work
// they queue themselves, and returns how many ran. It never blocks.
func (q *Queue) RunPending() int {
	n := 0
	for {
		select {
		case fn := <-q.tasks:
			fn()
			n++
			continue
		default:
		}
		fn, ok := q.popDue()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

func (q *Queue) popDue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.timers.PopDue(q.now())
	return it.Value, ok
}

func (q *Queue) nextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.timers.Peek()
	return it.Deadline, ok
}

// Run processes callbacks and timers until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Debug("system task started")
	defer q.logger.Debug("system task stopped")

	for {
		q.RunPending()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if next, ok := q.nextDeadline(); ok {
			timer = time.NewTimer(max(next.Sub(q.now()), 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case fn := <-q.tasks:
			fn()
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
