package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/wristcore/internal/arena"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/memseg"
	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/internal/systask"
	"github.com/hupe1980/wristcore/loader"
)

// Config holds the collaborators a Manager needs.
type Config struct {
	// RAM backs the worker region.
	RAM *arena.RAM
	// Region is the part of RAM reserved for the worker.
	Region memseg.Segment
	Loader *loader.Loader
	// FS holds worker images stored as flash files.
	FS        fs.FileSystem
	Catalog   Catalog
	Scheduler Scheduler
	// Queue runs kill retries.
	Queue  *systask.Queue
	Reboot reboot.Handler
}

func (c Config) validate() error {
	switch {
	case c.RAM == nil:
		return errors.New("worker: RAM is required")
	case c.Loader == nil:
		return errors.New("worker: loader is required")
	case c.Catalog == nil:
		return errors.New("worker: catalog is required")
	case c.Scheduler == nil:
		return errors.New("worker: scheduler is required")
	case c.Queue == nil:
		return errors.New("worker: system task queue is required")
	case !c.RAM.Segment().ContainsRange(c.Region.Start, c.Region.Size()) || c.Region.Size() == 0:
		return fmt.Errorf("worker: region %s outside RAM %s", c.Region, c.RAM.Segment())
	}
	return nil
}

// Manager runs at most one worker at a time.
type Manager struct {
	cfg  Config
	opts options

	mu      sync.Mutex
	state   State
	current *Context
	// pending is launched once the current worker has closed.
	pending InstallID
	// suspended is the worker closed by Disable, relaunched by Enable.
	suspended InstallID
	defaultID InstallID
	disabled  bool
	// noRelaunch suppresses the crash relaunch of the closing worker.
	noRelaunch bool

	closeGen     uint64
	killAttempts int
	killTimer    systask.TimerID

	lastCrashID InstallID
	lastCrashAt time.Time
	crashedAt   time.Time
}

// New returns an idle Manager.
func New(cfg Config, optFns ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Reboot == nil {
		cfg.Reboot = reboot.Panic{}
	}
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{cfg: cfg, opts: opts}, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the running or closing worker.
func (m *Manager) Current() (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Context{}, false
	}
	return *m.current, true
}

// Pending returns the worker queued to launch next, zero if none.
func (m *Manager) Pending() InstallID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// SetDefault sets the worker launched after a graceful close when nothing
// is pending. Zero clears it.
func (m *Manager) SetDefault(id InstallID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultID = id
}

// Launch starts worker id. If another worker is running it is closed
// gracefully and id launches once the close completes. While launching is
// disabled the request is remembered and honored by Enable.
func (m *Manager) Launch(ctx context.Context, id InstallID) error {
	if id == 0 {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disabled {
		m.pending = id
		return nil
	}
	switch m.state {
	case StateIdle:
		return m.launchLocked(id)
	case StateRunning:
		if m.current.ID == id {
			return nil
		}
		m.opts.logger.Info("worker switch requested", "running", m.current.ID, "next", id)
		m.pending = id
		return m.closeLocked(false)
	default:
		m.pending = id
		return nil
	}
}

// Close gracefully closes the running worker. The default worker is
// launched afterwards unless it is the one being closed.
func (m *Manager) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		return m.closeLocked(false)
	case StateClosingGraceful, StateClosingCrashed:
		return nil
	default:
		return ErrNoWorker
	}
}

// Remove forgets id as pending, suspended or default worker and closes it
// if it runs, without relaunching it should it crash on the way out.
func (m *Manager) Remove(ctx context.Context, id InstallID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == id {
		m.pending = 0
	}
	if m.suspended == id {
		m.suspended = 0
	}
	if m.defaultID == id {
		m.defaultID = 0
	}
	if m.current == nil || m.current.ID != id {
		return nil
	}
	m.noRelaunch = true
	if m.state == StateRunning {
		return m.closeLocked(false)
	}
	return nil
}

// HandleCrash closes the worker running as task taskID after a fault. It
// is called from the system task. A worker that crashes while being closed
// is not relaunched.
func (m *Manager) HandleCrash(taskID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.Task.ID() != taskID {
		return ErrNoWorker
	}
	m.opts.logger.Warn("worker crashed", "id", m.current.ID, "task", taskID)
	if m.opts.metrics != nil {
		m.opts.metrics.RecordWorkerCrash()
	}
	m.crashedAt = m.opts.now()

	switch m.state {
	case StateRunning:
		return m.closeLocked(true)
	case StateClosingGraceful:
		// The close was already requested: report the crash but do not
		// turn the close into a relaunch.
		m.state = StateClosingCrashed
		m.noRelaunch = true
	}
	return nil
}

// Disable closes the running worker and holds off launches until Enable.
func (m *Manager) Disable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disabled {
		return nil
	}
	m.disabled = true
	m.opts.logger.Debug("worker launches disabled")
	if m.state == StateRunning {
		m.suspended = m.current.ID
		return m.closeLocked(false)
	}
	return nil
}

// Enable allows launches again and starts the pending worker, else the one
// suspended by Disable, else the default worker.
func (m *Manager) Enable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.disabled {
		return nil
	}
	m.disabled = false
	m.opts.logger.Debug("worker launches enabled")
	if m.state != StateIdle {
		return nil
	}
	next := m.takeQueuedLocked()
	if next == 0 {
		next = m.defaultID
	}
	if next == 0 {
		return nil
	}
	return m.launchLocked(next)
}

// launchLocked carves the worker region, loads the image and starts the
// task. On failure the manager is idle again.
func (m *Manager) launchLocked(id InstallID) (err error) {
	m.state = StateLaunching
	start := time.Now()
	defer func() {
		if err != nil {
			m.state = StateIdle
			_ = m.cfg.RAM.Zero(m.cfg.Region.Start, m.cfg.Region.Size())
			m.opts.logger.Error("worker launch failed", "id", id, "error", err)
		}
		if m.opts.metrics != nil {
			m.opts.metrics.RecordWorkerLaunch(time.Since(start), err)
		}
	}()

	meta, err := m.cfg.Catalog.Lookup(id)
	if err != nil {
		return fmt.Errorf("worker: lookup %d: %w", id, err)
	}

	var layout Layout
	seg := m.cfg.Region
	if _, err := seg.Split(&layout.Guard, m.opts.stackGuardSize); err != nil {
		return fmt.Errorf("worker: stack guard: %w", err)
	}
	stackSize := meta.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	if _, err := seg.Split(&layout.Stack, stackSize); err != nil {
		return fmt.Errorf("worker: stack: %w", err)
	}
	if err := m.cfg.RAM.Fill(layout.Guard, guardPattern); err != nil {
		return err
	}
	if err := m.cfg.RAM.Fill(layout.Stack, 0); err != nil {
		return err
	}

	p, err := m.load(meta, &seg)
	if errors.Is(err, loader.ErrChecksumMismatch) {
		return reboot.Fatal(m.cfg.Reboot, reboot.ReasonCorruptImage,
			fmt.Sprintf("worker %d (%s): %v", id, meta.Name, err))
	}
	if err != nil {
		return fmt.Errorf("worker: load %d: %w", id, err)
	}
	layout.Image = p.Image
	layout.Heap = seg
	if err := m.cfg.RAM.Fill(layout.Heap, 0); err != nil {
		return err
	}

	task, err := m.cfg.Scheduler.Start(StartRequest{
		ID:      id,
		Entry:   p.Entry,
		Layout:  layout,
		Process: p,
	})
	if err != nil {
		return fmt.Errorf("worker: start %d: %w", id, err)
	}

	m.current = &Context{
		ID:         id,
		Task:       task,
		Process:    p,
		Layout:     layout,
		LaunchedAt: m.opts.now(),
	}
	m.state = StateRunning
	if m.opts.installs != nil {
		m.opts.installs.WorkerStarted(id)
	}
	m.opts.logger.Info("worker launched",
		"id", id,
		"name", meta.Name,
		"task", task.ID(),
		"entry", fmt.Sprintf("%#08x", p.Entry),
		"heap", layout.Heap.Size(),
	)
	return nil
}

func (m *Manager) load(meta Metadata, seg *memseg.Segment) (*loader.Process, error) {
	if meta.Image != "" {
		if m.cfg.FS == nil {
			return nil, errors.New("no file system for worker images")
		}
		return m.cfg.Loader.LoadFromFile(m.cfg.FS, meta.Image, seg)
	}
	if m.opts.bank == nil {
		return nil, errors.New("no resource bank for worker images")
	}
	return m.cfg.Loader.LoadFromResource(m.opts.bank, meta.Resource, seg)
}

// closeLocked asks the running task to exit and kills it once it is safe.
func (m *Manager) closeLocked(crashed bool) error {
	if crashed {
		m.state = StateClosingCrashed
	} else {
		m.state = StateClosingGraceful
	}
	m.closeGen++
	m.killAttempts = 0
	m.current.Task.RequestExit()
	return m.tryKillLocked()
}

func (m *Manager) tryKillLocked() error {
	task := m.current.Task
	if !task.SafeToKill() {
		if m.killAttempts < m.opts.killRetryLimit {
			m.killAttempts++
			gen := m.closeGen
			m.killTimer = m.cfg.Queue.After(m.opts.killRetryInterval, func() { m.retryKill(gen) })
			return nil
		}
		m.opts.logger.Warn("worker did not exit, forcing kill", "id", m.current.ID, "attempts", m.killAttempts)
	}
	task.Kill()
	return m.finishCloseLocked()
}

func (m *Manager) retryKill(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.closeGen || m.current == nil {
		return
	}
	if m.state != StateClosingGraceful && m.state != StateClosingCrashed {
		return
	}
	if err := m.tryKillLocked(); err != nil {
		m.opts.logger.Error("worker close failed", "error", err)
	}
}

// finishCloseLocked reclaims the region and launches whatever comes next.
func (m *Manager) finishCloseLocked() error {
	closed := m.current.ID
	crashed := m.state == StateClosingCrashed
	noRelaunch := m.noRelaunch

	m.cfg.Queue.Cancel(m.killTimer)
	m.killTimer = 0
	if err := m.cfg.RAM.Zero(m.cfg.Region.Start, m.cfg.Region.Size()); err != nil {
		return err
	}
	m.current = nil
	m.state = StateIdle
	m.noRelaunch = false

	if m.opts.installs != nil {
		m.opts.installs.WorkerStopped(closed, crashed)
	}
	if m.opts.metrics != nil {
		m.opts.metrics.RecordWorkerClose(crashed)
	}
	m.opts.logger.Info("worker closed", "id", closed, "crashed", crashed)

	next := m.nextLocked(closed, crashed, noRelaunch)
	if next == 0 {
		return nil
	}
	return m.launchLocked(next)
}

// nextLocked picks the worker to launch after closed has gone.
func (m *Manager) nextLocked(closed InstallID, crashed, noRelaunch bool) InstallID {
	if m.disabled {
		return 0
	}
	if id := m.takeQueuedLocked(); id != 0 {
		return id
	}
	if crashed && !noRelaunch {
		if m.lastCrashID == closed && m.crashedAt.Sub(m.lastCrashAt) < m.opts.crashWindow {
			m.opts.logger.Warn("worker is crash looping", "id", closed)
			m.lastCrashID, m.lastCrashAt = 0, time.Time{}
			if m.opts.prompter != nil {
				m.opts.prompter.PromptRecover(closed)
			}
			return 0
		}
		m.lastCrashID, m.lastCrashAt = closed, m.crashedAt
		return closed
	}
	if m.defaultID != closed {
		return m.defaultID
	}
	return 0
}

// takeQueuedLocked returns the pending worker, else the suspended one, and
// forgets both.
func (m *Manager) takeQueuedLocked() InstallID {
	id := m.pending
	if id == 0 {
		id = m.suspended
	}
	m.pending, m.suspended = 0, 0
	return id
}
