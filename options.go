package wristcore

import (
	"time"

	"github.com/hupe1980/wristcore/codec"
	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/wakeup"
	"github.com/hupe1980/wristcore/worker"
)

// DefaultWakeupPoll is how often Run checks the wakeup schedule.
const DefaultWakeupPoll = time.Second

type options struct {
	codec            codec.Codec
	metricsCollector MetricsCollector
	logger           *Logger
	reboot           reboot.Handler
	scheduler        worker.Scheduler
	prompter         worker.Prompter
	watchdog         func()
	now              func() time.Time
	wakeupPoll       time.Duration
	onWakeup         func(e wakeup.Entry, missed bool)
	resourceBank     string
}

// Option configures a Kernel.
type Option func(*options)

// WithCodec configures the codec used for new settings values.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector sets the metrics sink.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metricsCollector = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRebootHandler sets the handler for fatal conditions. The default
// handler panics.
func WithRebootHandler(h reboot.Handler) Option {
	return func(o *options) {
		if h != nil {
			o.reboot = h
		}
	}
}

// WithScheduler sets the task layer workers run on. The default is an
// in-process TaskTable.
func WithScheduler(s worker.Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// WithPrompter sets the crash-loop recovery prompt.
func WithPrompter(p worker.Prompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithWatchdog sets the watchdog feed called during long flash operations.
func WithWatchdog(feed func()) Option {
	return func(o *options) { o.watchdog = feed }
}

// WithClock sets the real-time clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithWakeupHandler sets the callback for due wakeups. It runs on the
// system task.
func WithWakeupHandler(fn func(e wakeup.Entry, missed bool)) Option {
	return func(o *options) { o.onWakeup = fn }
}

// WithWakeupPoll sets how often Run checks the wakeup schedule.
func WithWakeupPoll(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.wakeupPoll = d
		}
	}
}

// WithResourceBank names the flash file holding the firmware resource bank
// that built-in workers load from.
func WithResourceBank(name string) Option {
	return func(o *options) { o.resourceBank = name }
}
