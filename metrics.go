package wristcore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to forward kernel events to a monitoring system.
type MetricsCollector interface {
	// RecordCompaction is called after each settings file compaction.
	// reclaimed is the number of bytes freed, err is nil if successful.
	RecordCompaction(file string, reclaimed int, duration time.Duration, err error)

	// RecordWorkerLaunch is called after each worker launch attempt.
	RecordWorkerLaunch(duration time.Duration, err error)

	// RecordWorkerCrash is called for every worker crash report.
	RecordWorkerCrash()

	// RecordWorkerClose is called when a worker has been torn down.
	RecordWorkerClose(crashed bool)

	// RecordEviction is called for every app evicted from the app cache.
	RecordEviction(bytes int64)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCompaction(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordWorkerLaunch(time.Duration, error)            {}
func (NoopMetricsCollector) RecordWorkerCrash()                                 {}
func (NoopMetricsCollector) RecordWorkerClose(bool)                             {}
func (NoopMetricsCollector) RecordEviction(int64)                               {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CompactionCount      atomic.Int64
	CompactionErrors     atomic.Int64
	CompactionReclaimed  atomic.Int64
	CompactionTotalNanos atomic.Int64
	LaunchCount          atomic.Int64
	LaunchErrors         atomic.Int64
	LaunchTotalNanos     atomic.Int64
	CrashCount           atomic.Int64
	CloseCount           atomic.Int64
	CrashCloseCount      atomic.Int64
	EvictionCount        atomic.Int64
	EvictedBytes         atomic.Int64
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(file string, reclaimed int, duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	b.CompactionTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.CompactionReclaimed.Add(int64(reclaimed))
}

// RecordWorkerLaunch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWorkerLaunch(duration time.Duration, err error) {
	b.LaunchCount.Add(1)
	b.LaunchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.LaunchErrors.Add(1)
	}
}

// RecordWorkerCrash implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWorkerCrash() {
	b.CrashCount.Add(1)
}

// RecordWorkerClose implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWorkerClose(crashed bool) {
	b.CloseCount.Add(1)
	if crashed {
		b.CrashCloseCount.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(bytes int64) {
	b.EvictionCount.Add(1)
	b.EvictedBytes.Add(bytes)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CompactionCount:     b.CompactionCount.Load(),
		CompactionErrors:    b.CompactionErrors.Load(),
		CompactionReclaimed: b.CompactionReclaimed.Load(),
		CompactionAvgNanos:  avg(b.CompactionTotalNanos.Load(), b.CompactionCount.Load()),
		LaunchCount:         b.LaunchCount.Load(),
		LaunchErrors:        b.LaunchErrors.Load(),
		LaunchAvgNanos:      avg(b.LaunchTotalNanos.Load(), b.LaunchCount.Load()),
		CrashCount:          b.CrashCount.Load(),
		CloseCount:          b.CloseCount.Load(),
		CrashCloseCount:     b.CrashCloseCount.Load(),
		EvictionCount:       b.EvictionCount.Load(),
		EvictedBytes:        b.EvictedBytes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CompactionCount     int64
	CompactionErrors    int64
	CompactionReclaimed int64
	CompactionAvgNanos  int64
	LaunchCount         int64
	LaunchErrors        int64
	LaunchAvgNanos      int64
	CrashCount          int64
	CloseCount          int64
	CrashCloseCount     int64
	EvictionCount       int64
	EvictedBytes        int64
}
