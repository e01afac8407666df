package wristcore

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/wristcore/appcache"
	"github.com/hupe1980/wristcore/codec"
	"github.com/hupe1980/wristcore/config"
	"github.com/hupe1980/wristcore/install"
	"github.com/hupe1980/wristcore/internal/arena"
	"github.com/hupe1980/wristcore/internal/fault"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/memseg"
	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/internal/resbank"
	"github.com/hupe1980/wristcore/internal/resource"
	"github.com/hupe1980/wristcore/internal/systask"
	"github.com/hupe1980/wristcore/loader"
	"github.com/hupe1980/wristcore/settings"
	"github.com/hupe1980/wristcore/wakeup"
	"github.com/hupe1980/wristcore/worker"
)

// Kernel owns the device state: flash, RAM, the system task and every store
// and manager built on them.
type Kernel struct {
	cfg  config.Config
	opts options

	fsys      fs.FileSystem
	ram       *arena.RAM
	resources *resource.Controller
	queue     *systask.Queue
	loader    *loader.Loader
	bank      *resbank.Bank
	tasks     *TaskTable

	installs *install.Registry
	cache    *appcache.Cache
	wakeups  *wakeup.Store
	workers  *worker.Manager
	faults   *fault.Handler

	boot time.Time
}

// Open boots a kernel on the flash directory of cfg.
func Open(cfg config.Config, optFns ...Option) (*Kernel, error) {
	fsys, err := fs.NewLocalFS(cfg.FlashDir)
	if err != nil {
		return nil, err
	}
	return New(fsys, cfg, optFns...)
}

// New boots a kernel on fsys.
func New(fsys fs.FileSystem, cfg config.Config, optFns ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := options{
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		now:              time.Now,
		wakeupPoll:       DefaultWakeupPoll,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.reboot == nil {
		opts.reboot = reboot.Panic{Logger: opts.logger.Logger}
	}
	logger := opts.logger

	k := &Kernel{
		cfg:  cfg,
		opts: opts,
		fsys: fsys,
		ram:  arena.New(cfg.RAMBase, cfg.RAMSize),
		resources: resource.NewController(resource.Config{
			BudgetBytes:        cfg.FlashBudget,
			MaxBackgroundJobs:  cfg.MaxBackgroundJobs,
			IOLimitBytesPerSec: cfg.IOLimit,
		}),
		boot: opts.now(),
	}
	k.queue = systask.New(
		systask.WithClock(opts.now),
		systask.WithLogger(logger.WithComponent("systask").Logger),
	)
	k.loader = loader.New(k.ram,
		loader.WithJumpTable(cfg.JumpTable),
		loader.WithLogger(logger.WithComponent("loader").Logger),
	)
	if opts.resourceBank != "" {
		bank, err := resbank.Open(fsys, opts.resourceBank)
		if err != nil {
			return nil, fmt.Errorf("open resource bank: %w", err)
		}
		k.bank = bank
	}

	sopts := k.settingsOptions()
	k.installs = install.NewRegistry(fsys,
		install.WithCodec(opts.codec),
		install.WithSettingsOptions(sopts...),
		install.WithClock(opts.now),
		install.WithLogger(logger.WithComponent("install").Logger),
	)
	cache, err := appcache.Open(fsys,
		appcache.WithEvictor(k.installs),
		appcache.WithProtected(k.installs.Running),
		appcache.WithResourceController(k.resources),
		appcache.WithMetrics(opts.metricsCollector),
		appcache.WithSettingsOptions(sopts...),
		appcache.WithClock(opts.now),
		appcache.WithLogger(logger.WithComponent("appcache").Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open app cache: %w", err)
	}
	k.cache = cache
	k.wakeups = wakeup.NewStore(fsys,
		wakeup.WithCodec(opts.codec),
		wakeup.WithSettingsOptions(sopts...),
		wakeup.WithClock(opts.now),
		wakeup.WithLogger(logger.WithComponent("wakeup").Logger),
	)

	scheduler := opts.scheduler
	if scheduler == nil {
		k.tasks = NewTaskTable()
		scheduler = k.tasks
	}
	k.workers, err = worker.New(worker.Config{
		RAM:       k.ram,
		Region:    memseg.New(cfg.RAMBase+cfg.RAMSize-cfg.WorkerRAMSize, cfg.WorkerRAMSize),
		Loader:    k.loader,
		FS:        fsys,
		Catalog:   k.installs,
		Scheduler: scheduler,
		Queue:     k.queue,
		Reboot:    opts.reboot,
	},
		worker.WithCrashWindow(cfg.CrashWindow),
		worker.WithKillRetry(cfg.KillRetryInterval, cfg.KillRetryLimit),
		worker.WithResourceBank(k.bank),
		worker.WithInstallNotifier(k.installs),
		worker.WithPrompter(opts.prompter),
		worker.WithMetrics(opts.metricsCollector),
		worker.WithClock(opts.now),
		worker.WithLogger(logger.WithComponent("worker").Logger),
	)
	if err != nil {
		return nil, err
	}

	k.faults = &fault.Handler{
		LandingZone: cfg.LandingZone,
		Queue:       k.queue,
		OnCrash:     k.onCrash,
		Reboot:      opts.reboot,
		Logger:      logger.WithComponent("fault").Logger,
	}

	logger.Info("kernel booted",
		"ram", k.ram.Segment().String(),
		"worker_ram", cfg.WorkerRAMSize,
		"flash_budget", cfg.FlashBudget,
		"cached_apps", k.cache.Len(),
	)
	return k, nil
}

func (k *Kernel) settingsOptions() []settings.Option {
	return []settings.Option{
		settings.WithClock(k.opts.now),
		settings.WithLogger(k.opts.logger.WithComponent("settings").Logger),
		settings.WithRebootHandler(k.opts.reboot),
		settings.WithTombstoneRetention(k.cfg.TombstoneRetention),
		settings.WithResourceController(k.resources),
		settings.WithWatchdog(k.opts.watchdog),
		settings.WithCompactionHook(k.onCompaction),
	}
}

func (k *Kernel) onCompaction(name string, reclaimed int, d time.Duration, err error) {
	k.opts.metricsCollector.RecordCompaction(name, reclaimed, d, err)
	k.opts.logger.LogCompaction(context.Background(), name, reclaimed, d, err)
}

// onCrash runs on the system task for every unprivileged fault.
func (k *Kernel) onCrash(c fault.Crash) {
	err := k.workers.HandleCrash(c.TaskID)
	k.opts.logger.LogCrash(context.Background(), c, err)
}

// Run runs the system task and the wakeup dispatcher until ctx is done,
// then returns nil.
func (k *Kernel) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.queue.Run(gctx) })
	g.Go(func() error { return k.runWakeups(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (k *Kernel) runWakeups(ctx context.Context) error {
	t := time.NewTicker(k.opts.wakeupPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if _, err := k.DispatchWakeups(ctx); err != nil {
			k.opts.logger.Error("wakeup dispatch failed", "error", err)
		}
	}
}

// DispatchWakeups hands every due wakeup to the wakeup handler on the
// system task. Wakeups that came due before boot count as missed.
func (k *Kernel) DispatchWakeups(ctx context.Context) (int, error) {
	n, err := k.wakeups.Dispatch(k.boot, func(e wakeup.Entry, missed bool) {
		fn := k.opts.onWakeup
		if fn == nil {
			return
		}
		if err := k.queue.Enqueue(ctx, func() { fn(e, missed) }); err != nil {
			k.opts.logger.Warn("wakeup dropped", "id", e.ID, "error", err)
		}
	})
	return n, translateError(err)
}

// OpenSettings opens a settings file with the kernel's clock, reboot
// handler, resource limits and compaction hook. The caller serializes
// access and closes it.
func (k *Kernel) OpenSettings(name string, maxUsedSpace int) (*settings.File, error) {
	return settings.Open(k.fsys, name, maxUsedSpace, k.settingsOptions()...)
}

// Install registers an app or worker and reserves its binary size in the
// app cache, evicting other apps if needed.
func (k *Kernel) Install(ctx context.Context, e install.Entry) (err error) {
	defer func() { k.opts.logger.LogInstall(ctx, "install", e.ID, err) }()

	if e.Size > 0 {
		if err := k.cache.Reserve(ctx, e.ID, e.Size); err != nil {
			return translateError(err)
		}
	}
	if err := k.installs.Add(e); err != nil {
		_ = k.cache.Remove(e.ID)
		return translateError(err)
	}
	return nil
}

// Uninstall stops id, cancels its wakeups and deletes it with its binaries.
func (k *Kernel) Uninstall(ctx context.Context, id worker.InstallID) (err error) {
	defer func() { k.opts.logger.LogInstall(ctx, "uninstall", id, err) }()

	if err := k.workers.Remove(ctx, id); err != nil {
		return translateError(err)
	}
	if err := k.wakeups.CancelApp(id); err != nil {
		return translateError(err)
	}
	if err := k.cache.Remove(id); err != nil {
		return translateError(err)
	}
	return translateError(k.installs.Remove(id))
}

// LaunchWorker launches worker id, replacing the running one.
func (k *Kernel) LaunchWorker(ctx context.Context, id worker.InstallID) error {
	if k.cache.Contains(id) {
		if err := k.cache.Launched(id); err != nil {
			k.opts.logger.Warn("failed to record launch", "install", id, "error", err)
		}
	}
	return translateError(k.workers.Launch(ctx, id))
}

// CloseWorker gracefully closes the running worker.
func (k *Kernel) CloseWorker(ctx context.Context) error {
	return translateError(k.workers.Close(ctx))
}

// HandleFault routes a processor fault. It is safe to call from interrupt
// context.
func (k *Kernel) HandleFault(task uint32, privileged bool, frame *fault.Frame, kind fault.Kind) error {
	return k.faults.HandleFault(task, privileged, frame, kind)
}

// ScheduleWakeup schedules a wakeup.
func (k *Kernel) ScheduleWakeup(e wakeup.Entry) (wakeup.ID, error) {
	id, err := k.wakeups.Schedule(e)
	return id, translateError(err)
}

// CancelWakeup cancels a wakeup.
func (k *Kernel) CancelWakeup(id wakeup.ID) error {
	return translateError(k.wakeups.Cancel(id))
}

// Workers returns the worker manager.
func (k *Kernel) Workers() *worker.Manager { return k.workers }

// Installs returns the install registry.
func (k *Kernel) Installs() *install.Registry { return k.installs }

// Cache returns the app cache.
func (k *Kernel) Cache() *appcache.Cache { return k.cache }

// Wakeups returns the wakeup schedule.
func (k *Kernel) Wakeups() *wakeup.Store { return k.wakeups }

// Tasks returns the built-in task table, nil when WithScheduler was used.
func (k *Kernel) Tasks() *TaskTable { return k.tasks }

// RAM returns the emulated RAM.
func (k *Kernel) RAM() *arena.RAM { return k.ram }

// Queue returns the system task queue.
func (k *Kernel) Queue() *systask.Queue { return k.queue }

// FS returns the flash file system.
func (k *Kernel) FS() fs.FileSystem { return k.fsys }

// Close releases the resource bank.
func (k *Kernel) Close() error {
	if k.bank != nil {
		return k.bank.Close()
	}
	return nil
}
