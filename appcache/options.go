package appcache

import (
	"log/slog"
	"time"

	"github.com/hupe1980/wristcore/internal/resource"
	"github.com/hupe1980/wristcore/settings"
	"github.com/hupe1980/wristcore/worker"
)

// DefaultMaxSize is the live-record budget of the cache file.
const DefaultMaxSize = 8 * 1024

// Evictor deletes the binaries of an evicted install.
type Evictor interface {
	EvictBinaries(id worker.InstallID) error
}

// Metrics receives eviction events.
type Metrics interface {
	RecordEviction(bytes int64)
}

type options struct {
	maxSize   int
	evictor   Evictor
	protected func() []worker.InstallID
	resources *resource.Controller
	metrics   Metrics
	settings  []settings.Option
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithMaxSize sets the live-record budget of the cache file.
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

// WithEvictor sets the callback deleting evicted binaries.
func WithEvictor(e Evictor) Option {
	return func(o *options) { o.evictor = e }
}

// WithProtected sets the source of installs that must not be evicted,
// typically the running app and worker.
func WithProtected(fn func() []worker.InstallID) Option {
	return func(o *options) { o.protected = fn }
}

// WithResourceController reserves binary sizes against the controller's
// flash budget.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) { o.resources = rc }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSettingsOptions passes options through to settings.Open.
func WithSettingsOptions(opts ...settings.Option) Option {
	return func(o *options) { o.settings = append(o.settings, opts...) }
}

// WithClock sets the clock used for launch times and priorities.
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
