package wristcore

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wristcore/config"
	"github.com/hupe1980/wristcore/install"
	"github.com/hupe1980/wristcore/internal/fault"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/internal/testutil"
	"github.com/hupe1980/wristcore/loader"
	"github.com/hupe1980/wristcore/wakeup"
	"github.com/hupe1980/wristcore/worker"
)

func testConfig() config.Config {
	return config.Config{
		FlashDir:           "mem",
		RAMBase:            0x2000_0000,
		RAMSize:            64 * 1024,
		WorkerRAMSize:      16 * 1024,
		JumpTable:          0x0800_1000,
		LandingZone:        0x0800_4000,
		FlashBudget:        64 * 1024,
		MaxBackgroundJobs:  1,
		TombstoneRetention: time.Hour,
		CrashWindow:        time.Minute,
		KillRetryInterval:  500 * time.Millisecond,
		KillRetryLimit:     6,
	}
}

func testImage(t *testing.T) []byte {
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

type kernelHarness struct {
	k       *Kernel
	fsys    *fs.MemFS
	clock   *testutil.Clock
	reboot  *reboot.Recorder
	metrics *BasicMetricsCollector
}

func newKernel(t *testing.T, optFns ...Option) *kernelHarness {
	t.Helper()
	h := &kernelHarness{
		fsys:    fs.NewMemFS(),
		clock:   testutil.NewClock(testutil.Epoch),
		reboot:  &reboot.Recorder{},
		metrics: &BasicMetricsCollector{},
	}
	opts := append([]Option{
		WithClock(h.clock.Now),
		WithRebootHandler(h.reboot),
		WithMetricsCollector(h.metrics),
	}, optFns...)
	k, err := New(h.fsys, testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	h.k = k
	return h
}

func (h *kernelHarness) installWorker(t *testing.T, id worker.InstallID, name string) {
	t.Helper()
	img := testImage(t)
	testutil.WriteFile(t, h.fsys, name, img)

	require.NoError(t, h.k.Install(context.Background(), install.Entry{
		ID:        id,
		Name:      name,
		Kind:      install.KindWorker,
		Image:     name,
		StackSize: 1024,
		Size:      int64(len(img)),
	}))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerRAMSize = cfg.RAMSize + 1
	_, err := New(fs.NewMemFS(), cfg)
	require.Error(t, err)
}

func TestKernel_LaunchRecordsCacheUsage(t *testing.T) {
	h := newKernel(t)
	ctx := context.Background()
	h.installWorker(t, 1, "steps")

	require.NoError(t, h.k.LaunchWorker(ctx, 1))
	assert.Equal(t, worker.StateRunning, h.k.Workers().State())
	assert.Len(t, h.k.Tasks().Live(), 1)
	assert.Equal(t, []worker.InstallID{1}, h.k.Installs().Running())

	e, err := h.k.Cache().Entry(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), e.TotalLaunches)
	assert.True(t, e.LastLaunch.Equal(h.clock.Now()))

	require.NoError(t, h.k.CloseWorker(ctx))
	h.k.Queue().RunPending()
	assert.Equal(t, worker.StateIdle, h.k.Workers().State())
	assert.Empty(t, h.k.Tasks().Live())
	assert.Empty(t, h.k.Installs().Running())

	stats := h.metrics.GetStats()
	assert.Equal(t, int64(1), stats.LaunchCount)
	assert.Equal(t, int64(1), stats.CloseCount)
}

func TestKernel_WorkerFaultRelaunches(t *testing.T) {
	h := newKernel(t)
	ctx := context.Background()
	h.installWorker(t, 1, "steps")
	require.NoError(t, h.k.LaunchWorker(ctx, 1))

	cur, ok := h.k.Workers().Current()
	require.True(t, ok)
	first := cur.Task.ID()

	frame := &fault.Frame{PC: 0x2000_3000, LR: 0x2000_2f00}
	require.NoError(t, h.k.HandleFault(first, false, frame, fault.KindBusFault))
	assert.Equal(t, testConfig().LandingZone&^1, frame.PC)

	h.k.Queue().RunPending()

	cur, ok = h.k.Workers().Current()
	require.True(t, ok)
	assert.NotEqual(t, first, cur.Task.ID())
	assert.Equal(t, worker.InstallID(1), cur.ID)
	assert.Equal(t, int64(1), h.metrics.GetStats().CrashCount)
	assert.Empty(t, h.reboot.Reasons())
}

func TestKernel_PrivilegedFaultReboots(t *testing.T) {
	h := newKernel(t)

	err := h.k.HandleFault(1, true, &fault.Frame{PC: 0x0800_2000}, fault.KindHardFault)
	require.ErrorIs(t, err, ErrRebooting)
	assert.Equal(t, []reboot.Reason{reboot.ReasonKernelFault}, h.reboot.Reasons())
}

func TestKernel_Uninstall(t *testing.T) {
	h := newKernel(t)
	ctx := context.Background()
	h.installWorker(t, 1, "steps")
	require.NoError(t, h.k.LaunchWorker(ctx, 1))

	_, err := h.k.ScheduleWakeup(wakeup.Entry{App: 1, At: h.clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, h.k.Uninstall(ctx, 1))
	h.k.Queue().RunPending()

	assert.Equal(t, worker.StateIdle, h.k.Workers().State())
	assert.False(t, h.k.Cache().Contains(1))
	_, err = h.fsys.Stat("steps")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	list, err := h.k.Wakeups().List()
	require.NoError(t, err)
	assert.Empty(t, list)

	err = h.k.Uninstall(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, install.ErrNotFound)
}

func TestKernel_InstallEvictsLeastUsed(t *testing.T) {
	h := newKernel(t)
	ctx := context.Background()
	budget := testConfig().FlashBudget

	require.NoError(t, h.k.Install(ctx, install.Entry{ID: 1, Name: "old", Size: budget / 2}))
	require.NoError(t, h.k.Install(ctx, install.Entry{ID: 2, Name: "used", Size: budget / 2}))
	require.NoError(t, h.k.Cache().Launched(2))

	require.NoError(t, h.k.Install(ctx, install.Entry{ID: 3, Name: "new", Size: budget / 4}))
	assert.False(t, h.k.Cache().Contains(1))
	assert.True(t, h.k.Cache().Contains(2))
	assert.True(t, h.k.Cache().Contains(3))

	e, err := h.k.Installs().Get(1)
	require.NoError(t, err)
	assert.True(t, e.Evicted)
	assert.Equal(t, int64(1), h.metrics.GetStats().EvictionCount)

	err = h.k.Install(ctx, install.Entry{ID: 4, Name: "huge", Size: budget * 2})
	assert.ErrorIs(t, err, ErrNoSpace)
	_, err = h.k.Installs().Get(4)
	assert.ErrorIs(t, err, install.ErrNotFound)
}

func TestKernel_SettingsCompactionMetrics(t *testing.T) {
	h := newKernel(t)

	f, err := h.k.OpenSettings("prefs", 256)
	require.NoError(t, err)
	for i := range 64 {
		require.NoError(t, f.Set([]byte("brightness"), []byte{byte(i)}))
	}
	v, err := f.Get([]byte("brightness"))
	require.NoError(t, err)
	assert.Equal(t, []byte{63}, v)
	require.NoError(t, f.Close())

	stats := h.metrics.GetStats()
	assert.Positive(t, stats.CompactionCount)
	assert.Zero(t, stats.CompactionErrors)
}

func TestKernel_RunDispatchesWakeups(t *testing.T) {
	fired := make(chan wakeup.Entry, 4)
	h := newKernel(t,
		WithClock(time.Now),
		WithWakeupPoll(5*time.Millisecond),
		WithWakeupHandler(func(e wakeup.Entry, missed bool) {
			if !missed {
				fired <- e
			}
		}),
	)

	id, err := h.k.ScheduleWakeup(wakeup.Entry{App: 5, At: time.Now().Add(20 * time.Millisecond), Reason: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.k.Run(ctx) }()

	select {
	case e := <-fired:
		assert.Equal(t, id, e.ID)
		assert.Equal(t, int32(3), e.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("wakeup did not fire")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	err = h.k.CancelWakeup(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKernel_MissedWakeupsAfterReboot(t *testing.T) {
	h := newKernel(t)
	_, err := h.k.ScheduleWakeup(wakeup.Entry{App: 1, At: h.clock.Now().Add(time.Minute), NotifyIfMissed: true})
	require.NoError(t, err)
	_, err = h.k.ScheduleWakeup(wakeup.Entry{App: 2, At: h.clock.Now().Add(2 * time.Minute)})
	require.NoError(t, err)

	// Power off for an hour, then boot from the same flash.
	h.clock.Advance(time.Hour)
	var (
		mu     sync.Mutex
		missed []worker.InstallID
	)
	k, err := New(h.fsys.Clone(), testConfig(),
		WithClock(h.clock.Now),
		WithRebootHandler(h.reboot),
		WithWakeupHandler(func(e wakeup.Entry, m bool) {
			mu.Lock()
			defer mu.Unlock()
			if m {
				missed = append(missed, e.App)
			}
		}),
	)
	require.NoError(t, err)

	n, err := k.DispatchWakeups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	k.Queue().RunPending()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []worker.InstallID{1}, missed)
}
