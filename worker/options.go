package worker

import (
	"log/slog"
	"time"

	"github.com/hupe1980/wristcore/internal/resbank"
)

const (
	// DefaultCrashWindow is the window in which a second crash of the same
	// worker counts as a crash loop.
	DefaultCrashWindow = 60 * time.Second
	// DefaultKillRetryInterval is the delay between kill attempts for a
	// task that has not acknowledged its exit request.
	DefaultKillRetryInterval = 500 * time.Millisecond
	// DefaultKillRetryLimit is the number of retries before a task is
	// killed regardless.
	DefaultKillRetryLimit = 6
	// DefaultStackGuardSize is the size of the stack guard region.
	DefaultStackGuardSize = 32
	// DefaultStackSize is used for workers that do not declare a stack size.
	DefaultStackSize = 2048

	guardPattern = 0xA5
)

type options struct {
	crashWindow       time.Duration
	killRetryInterval time.Duration
	killRetryLimit    int
	stackGuardSize    uint32
	bank              *resbank.Bank
	installs          InstallNotifier
	prompter          Prompter
	metrics           Metrics
	now               func() time.Time
	logger            *slog.Logger
}

func defaultOptions() options {
	return options{
		crashWindow:       DefaultCrashWindow,
		killRetryInterval: DefaultKillRetryInterval,
		killRetryLimit:    DefaultKillRetryLimit,
		stackGuardSize:    DefaultStackGuardSize,
		now:               time.Now,
		logger:            slog.New(slog.DiscardHandler),
	}
}

// Option configures a Manager.
type Option func(*options)

// WithCrashWindow sets the crash-loop detection window.
func WithCrashWindow(d time.Duration) Option {
	return func(o *options) { o.crashWindow = d }
}

// WithKillRetry sets the kill retry interval and limit.
func WithKillRetry(interval time.Duration, limit int) Option {
	return func(o *options) {
		if interval > 0 {
			o.killRetryInterval = interval
		}
		if limit >= 0 {
			o.killRetryLimit = limit
		}
	}
}

// WithStackGuardSize sets the size of the stack guard region.
func WithStackGuardSize(n uint32) Option {
	return func(o *options) { o.stackGuardSize = n }
}

// WithResourceBank sets the bank images without a flash file are read from.
func WithResourceBank(b *resbank.Bank) Option {
	return func(o *options) { o.bank = b }
}

// WithInstallNotifier sets the install manager hook.
func WithInstallNotifier(n InstallNotifier) Option {
	return func(o *options) { o.installs = n }
}

// WithPrompter sets the crash-loop prompt.
func WithPrompter(p Prompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock used for crash-loop detection.
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
