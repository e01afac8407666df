package settings

import (
	"log/slog"
	"time"

	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/internal/resource"
)

// DefaultTombstoneRetention is how long deletions are kept for sync peers.
const DefaultTombstoneRetention = 30 * 24 * time.Hour

// CompactionHook is called after every compaction.
type CompactionHook func(name string, reclaimed int, d time.Duration, err error)

type options struct {
	now          func() time.Time
	logger       *slog.Logger
	reboot       reboot.Handler
	retention    time.Duration
	resources    *resource.Controller
	watchdog     func()
	onCompaction CompactionHook
}

func defaultOptions() options {
	return options{
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
		reboot:    reboot.Panic{},
		retention: DefaultTombstoneRetention,
	}
}

// Option configures Open.
type Option func(*options)

// WithClock sets the real-time clock used for record timestamps and
// tombstone expiry.
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

// WithRebootHandler sets the handler invoked on fatal failures.
//
// The default handler panics.
func WithRebootHandler(h reboot.Handler) Option {
	return func(o *options) {
		if h != nil {
			o.reboot = h
		}
	}
}

// WithTombstoneRetention sets how long tombstones survive before they are
// treated as expired. Zero expires them immediately.
func WithTombstoneRetention(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retention = d
		}
	}
}

// WithResourceController gates compactions on a background job slot and
// throttles their IO.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithWatchdog sets a hook fed once per record during long operations.
func WithWatchdog(feed func()) Option {
	return func(o *options) {
		o.watchdog = feed
	}
}

// WithCompactionHook sets a hook called after every compaction.
func WithCompactionHook(h CompactionHook) Option {
	return func(o *options) {
		o.onCompaction = h
	}
}
