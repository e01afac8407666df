package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/wristcore/internal/arena"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/internal/systask"
	"github.com/hupe1980/wristcore/internal/testutil"
	"github.com/hupe1980/wristcore/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ramBase = 0x2000_0000
	ramSize = 16 * 1024
)

type fakeTask struct {
	id     uint32
	worker InstallID
	sched  *fakeScheduler

	mu       sync.Mutex
	exitReq  bool
	safe     bool
	killed   bool
	killable bool
}

func (t *fakeTask) ID() uint32 { return t.id }

func (t *fakeTask) RequestExit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitReq = true
	if t.killable {
		t.safe = true
	}
}

func (t *fakeTask) SafeToKill() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.safe
}

func (t *fakeTask) Kill() {
	t.mu.Lock()
	t.killed = true
	t.mu.Unlock()
	t.sched.killed(t)
}

// Ack marks the task as having honored its exit request.
func (t *fakeTask) Ack() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.safe = true
}

type fakeScheduler struct {
	mu      sync.Mutex
	nextID  uint32
	live    map[uint32]*fakeTask
	maxLive int
	started []InstallID
	// stubborn workers do not acknowledge exit requests by themselves.
	stubborn map[InstallID]bool
	fail     error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{live: map[uint32]*fakeTask{}, stubborn: map[InstallID]bool{}}
}

func (s *fakeScheduler) Start(req StartRequest) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.nextID++
	t := &fakeTask{id: s.nextID, worker: req.ID, sched: s, killable: !s.stubborn[req.ID]}
	s.live[t.id] = t
	s.maxLive = max(s.maxLive, len(s.live))
	s.started = append(s.started, req.ID)
	return t, nil
}

func (s *fakeScheduler) killed(t *fakeTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, t.id)
}

func (s *fakeScheduler) Live() []InstallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []InstallID
	for _, t := range s.live {
		ids = append(ids, t.worker)
	}
	return ids
}

func (s *fakeScheduler) Started() []InstallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InstallID(nil), s.started...)
}

type catalog map[InstallID]Metadata

func (c catalog) Lookup(id InstallID) (Metadata, error) {
	md, ok := c[id]
	if !ok {
		return Metadata{}, fmt.Errorf("install %d: not found", id)
	}
	return md, nil
}

type recorder struct {
	mu       sync.Mutex
	started  []InstallID
	stopped  []InstallID
	crashes  []bool
	prompted []InstallID
}

func (r *recorder) WorkerStarted(id InstallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *recorder) WorkerStopped(id InstallID, crashed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
	r.crashes = append(r.crashes, crashed)
}

func (r *recorder) PromptRecover(id InstallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompted = append(r.prompted, id)
}

func workerImage(t *testing.T) []byte {
	t.Helper()
	payload := make([]byte, 48)
	binary.LittleEndian.PutUint32(payload[0:], 0x28)
	img, err := loader.Build(loader.Image{
		SDK:         loader.CurrentSDK,
		Flags:       loader.FlagWorker,
		Payload:     payload,
		BSSSize:     64,
		EntryOffset: 0x24,
		Relocs:      []uint32{0x20},
	})
	require.NoError(t, err)
	return img
}

type harness struct {
	m      *Manager
	ram    *arena.RAM
	fsys   *fs.MemFS
	sched  *fakeScheduler
	queue  *systask.Queue
	clock  *testutil.Clock
	events *recorder
	reboot *reboot.Recorder
}

func newHarness(t *testing.T, optFns ...Option) *harness {
	t.Helper()
	h := &harness{
		ram:    arena.New(ramBase, ramSize),
		fsys:   fs.NewMemFS(),
		sched:  newFakeScheduler(),
		clock:  testutil.NewClock(testutil.Epoch),
		events: &recorder{},
		reboot: &reboot.Recorder{},
	}
	h.queue = systask.New(systask.WithClock(h.clock.Now))

	img := workerImage(t)
	cat := catalog{}
	for id := InstallID(1); id <= 3; id++ {
		name := fmt.Sprintf("worker-%d", id)
		testutil.WriteFile(t, h.fsys, name, img)
		cat[id] = Metadata{ID: id, Name: name, Image: name, StackSize: 1024}
	}
	corrupt := append([]byte(nil), img...)
	corrupt[loader.HeaderSize+4] ^= 0xFF
	testutil.WriteFile(t, h.fsys, "corrupt", corrupt)
	cat[9] = Metadata{ID: 9, Name: "corrupt", Image: "corrupt"}

	opts := append([]Option{
		WithClock(h.clock.Now),
		WithInstallNotifier(h.events),
		WithPrompter(h.events),
	}, optFns...)

	m, err := New(Config{
		RAM:       h.ram,
		Region:    h.ram.Segment(),
		Loader:    loader.New(h.ram),
		FS:        h.fsys,
		Catalog:   cat,
		Scheduler: h.sched,
		Queue:     h.queue,
		Reboot:    h.reboot,
	}, opts...)
	require.NoError(t, err)
	h.m = m
	return h
}

// settle fires kill retry timers until no work is left.
func (h *harness) settle() {
	for range 20 {
		h.clock.Advance(DefaultKillRetryInterval)
		h.queue.RunPending()
	}
}

func (h *harness) current(t *testing.T) InstallID {
	t.Helper()
	c, ok := h.m.Current()
	if !ok {
		return 0
	}
	return c.ID
}

func TestManager_LaunchLayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	assert.Equal(t, StateRunning, h.m.State())

	c, ok := h.m.Current()
	require.True(t, ok)
	l := c.Layout

	assert.Equal(t, uint32(ramBase), l.Guard.Start, "guard sits at the lowest address")
	assert.Equal(t, uint32(DefaultStackGuardSize), l.Guard.Size())
	assert.Equal(t, l.Guard.End, l.Stack.Start)
	assert.Equal(t, uint32(1024), l.Stack.Size())
	assert.Equal(t, l.Stack.End, l.Image.Start)
	assert.Equal(t, l.Image.End, l.Heap.Start)
	assert.Equal(t, uint32(ramBase+ramSize), l.Heap.End)
	assert.Equal(t, (l.Image.Start+0x24)|loader.ThumbBit, c.Process.Entry)

	guard, err := h.ram.SegmentBytes(l.Guard)
	require.NoError(t, err)
	for _, b := range guard {
		require.Equal(t, byte(guardPattern), b)
	}
	v, err := h.ram.Uint32(l.Image.Start + 0x20)
	require.NoError(t, err)
	assert.Equal(t, l.Image.Start+0x28, v, "relocated")

	assert.Equal(t, []InstallID{1}, h.events.started)
}

func TestManager_LaunchSameIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Launch(ctx, 1))
	assert.Equal(t, []InstallID{1}, h.sched.Started())
	assert.ErrorIs(t, h.m.Launch(ctx, 0), ErrInvalidID)
}

func TestManager_CloseReclaimsRegion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Close(ctx))
	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.sched.Live())

	mem, err := h.ram.SegmentBytes(h.ram.Segment())
	require.NoError(t, err)
	for _, b := range mem {
		require.Zero(t, b)
	}
	assert.Equal(t, []InstallID{1}, h.events.stopped)
	assert.ErrorIs(t, h.m.Close(ctx), ErrNoWorker)
}

func TestManager_SwitchLaunchesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Launch(ctx, 2))

	assert.Equal(t, StateRunning, h.m.State())
	assert.Equal(t, InstallID(2), h.current(t))
	assert.Equal(t, []InstallID{2}, h.sched.Live())
	assert.Equal(t, 1, h.sched.maxLive)
}

func TestManager_PendingLaunchDuringClose(t *testing.T) {
	h := newHarness(t)
	h.sched.stubborn[1] = true
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Close(ctx))
	assert.Equal(t, StateClosingGraceful, h.m.State())

	// Worker 2 is requested mid-close and then replaced by worker 3.
	require.NoError(t, h.m.Launch(ctx, 2))
	require.NoError(t, h.m.Launch(ctx, 3))
	assert.Equal(t, InstallID(3), h.m.Pending())
	assert.Equal(t, []InstallID{1}, h.sched.Live(), "pending worker waits for the close")

	c, _ := h.m.Current()
	c.Task.(*fakeTask).Ack()
	h.settle()

	assert.Equal(t, StateRunning, h.m.State())
	assert.Equal(t, []InstallID{3}, h.sched.Live())
	assert.Equal(t, 1, h.sched.maxLive, "never two workers at once")
	assert.Zero(t, h.m.Pending())
}

func TestManager_ForcedKill(t *testing.T) {
	h := newHarness(t, WithKillRetry(100*time.Millisecond, 3))
	h.sched.stubborn[1] = true
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Close(ctx))

	for range 2 {
		h.clock.Advance(100 * time.Millisecond)
		h.queue.RunPending()
		require.Equal(t, StateClosingGraceful, h.m.State())
	}
	h.clock.Advance(100 * time.Millisecond)
	h.queue.RunPending()
	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.sched.Live())
}

func TestManager_DefaultAfterClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.m.SetDefault(1)

	require.NoError(t, h.m.Launch(ctx, 2))
	require.NoError(t, h.m.Close(ctx))
	assert.Equal(t, InstallID(1), h.current(t))

	require.NoError(t, h.m.Close(ctx))
	assert.Equal(t, StateIdle, h.m.State(), "closing the default does not relaunch it")
}

func TestManager_CrashPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	c, _ := h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))

	// First crash: silent relaunch.
	assert.Equal(t, StateRunning, h.m.State())
	assert.Equal(t, InstallID(1), h.current(t))
	assert.Empty(t, h.events.prompted)

	// Second crash inside the window: prompt, no relaunch.
	h.clock.Advance(30 * time.Second)
	c, _ = h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, []InstallID{1}, h.events.prompted)
	assert.Equal(t, []bool{true, true}, h.events.crashes)

	// The crash state was reset: the next crash relaunches again.
	require.NoError(t, h.m.Launch(ctx, 1))
	h.clock.Advance(time.Second)
	c, _ = h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))
	assert.Equal(t, StateRunning, h.m.State())
	assert.Len(t, h.events.prompted, 1)
}

func TestManager_CrashOutsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	c, _ := h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))

	h.clock.Advance(DefaultCrashWindow + time.Second)
	c, _ = h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))
	assert.Equal(t, StateRunning, h.m.State())
	assert.Empty(t, h.events.prompted)
}

func TestManager_CrashDifferentWorkers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	c, _ := h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))

	require.NoError(t, h.m.Launch(ctx, 2))
	c, _ = h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))
	assert.Equal(t, InstallID(2), h.current(t), "a crash of another worker is not a loop")
	assert.Empty(t, h.events.prompted)
}

func TestManager_CrashUnknownTask(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.HandleCrash(42), ErrNoWorker)

	require.NoError(t, h.m.Launch(context.Background(), 1))
	assert.ErrorIs(t, h.m.HandleCrash(42), ErrNoWorker)
	assert.Equal(t, StateRunning, h.m.State())
}

func TestManager_RemoveSuppressesRelaunch(t *testing.T) {
	h := newHarness(t)
	h.sched.stubborn[1] = true
	ctx := context.Background()
	h.m.SetDefault(1)

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Remove(ctx, 1))
	assert.Equal(t, StateClosingGraceful, h.m.State())

	// The worker crashes while being removed.
	c, _ := h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))
	assert.Equal(t, StateClosingCrashed, h.m.State())
	c.Task.(*fakeTask).Ack()
	h.settle()

	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, []InstallID{1}, h.sched.Started())
	assert.Equal(t, []bool{true}, h.events.crashes)
}

func TestManager_CrashDuringCloseStaysClosed(t *testing.T) {
	h := newHarness(t)
	h.sched.stubborn[1] = true
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Close(ctx))
	c, _ := h.m.Current()
	require.NoError(t, h.m.HandleCrash(c.Task.ID()))
	assert.Equal(t, StateClosingCrashed, h.m.State())
	c.Task.(*fakeTask).Ack()
	h.settle()

	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, []InstallID{1}, h.sched.Started())
	assert.Equal(t, []bool{true}, h.events.crashes)
	assert.Empty(t, h.events.prompted)
}

func TestManager_CrashDuringCloseLaunchesNext(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		h := newHarness(t)
		h.sched.stubborn[2] = true
		ctx := context.Background()
		h.m.SetDefault(1)

		require.NoError(t, h.m.Launch(ctx, 2))
		require.NoError(t, h.m.Close(ctx))
		c, _ := h.m.Current()
		require.NoError(t, h.m.HandleCrash(c.Task.ID()))
		c.Task.(*fakeTask).Ack()
		h.settle()

		assert.Equal(t, InstallID(1), h.current(t))
		assert.Equal(t, []InstallID{2, 1}, h.sched.Started())
	})

	t.Run("pending", func(t *testing.T) {
		h := newHarness(t)
		h.sched.stubborn[1] = true
		ctx := context.Background()

		require.NoError(t, h.m.Launch(ctx, 1))
		require.NoError(t, h.m.Launch(ctx, 3))
		c, _ := h.m.Current()
		require.NoError(t, h.m.HandleCrash(c.Task.ID()))
		c.Task.(*fakeTask).Ack()
		h.settle()

		assert.Equal(t, InstallID(3), h.current(t))
		assert.Equal(t, []InstallID{1, 3}, h.sched.Started())
	})
}

func TestManager_DisableEnable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Launch(ctx, 1))
	require.NoError(t, h.m.Disable(ctx))
	assert.Equal(t, StateIdle, h.m.State())

	require.NoError(t, h.m.Enable(ctx))
	assert.Equal(t, InstallID(1), h.current(t), "suspended worker resumes")

	require.NoError(t, h.m.Disable(ctx))
	require.NoError(t, h.m.Launch(ctx, 2))
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, InstallID(2), h.m.Pending())

	require.NoError(t, h.m.Enable(ctx))
	assert.Equal(t, InstallID(2), h.current(t), "pending wins over suspended")
	assert.Equal(t, 1, h.sched.maxLive)
}

func TestManager_CorruptImageReboots(t *testing.T) {
	h := newHarness(t)

	err := h.m.Launch(context.Background(), 9)
	assert.ErrorIs(t, err, reboot.ErrRebooting)
	assert.Equal(t, []reboot.Reason{reboot.ReasonCorruptImage}, h.reboot.Reasons())
	assert.Equal(t, StateIdle, h.m.State())
}

func TestManager_LaunchFailures(t *testing.T) {
	t.Run("unknown", func(t *testing.T) {
		h := newHarness(t)
		assert.Error(t, h.m.Launch(context.Background(), 7))
		assert.Equal(t, StateIdle, h.m.State())
		assert.Empty(t, h.reboot.Reasons())
	})
	t.Run("scheduler", func(t *testing.T) {
		h := newHarness(t)
		h.sched.fail = errors.New("no task slots")
		assert.Error(t, h.m.Launch(context.Background(), 1))
		assert.Equal(t, StateIdle, h.m.State())

		h.sched.fail = nil
		require.NoError(t, h.m.Launch(context.Background(), 1))
	})
	t.Run("stack too large", func(t *testing.T) {
		h := newHarness(t, WithStackGuardSize(ramSize))
		assert.Error(t, h.m.Launch(context.Background(), 1))
		assert.Equal(t, StateIdle, h.m.State())
	})
}

func TestManager_ConcurrentLaunches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.m.Launch(ctx, InstallID(i%3+1))
		}()
	}
	wg.Wait()
	h.settle()

	assert.Equal(t, StateRunning, h.m.State())
	assert.Len(t, h.sched.Live(), 1)
	assert.Equal(t, 1, h.sched.maxLive)
}
