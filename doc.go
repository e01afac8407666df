// Package wristcore is the storage and process core of a wearable firmware,
// runnable as a host simulation.
//
// A Kernel ties together the parts that live on the device's NOR flash and
// in its RAM:
//
//   - settings files, log-structured key-value stores that survive power
//     cuts at any byte (package settings)
//   - the install registry and the app cache, which evicts the binaries of
//     rarely used apps when flash runs low (packages install and appcache)
//   - the wakeup schedule, which persists timed app wakeups across reboots
//     (package wakeup)
//   - the worker manager, which runs at most one background worker in a
//     fixed RAM region and relaunches it after crashes (package worker)
//   - the process loader, which copies position-independent images into
//     RAM and patches their relocations (package loader)
//
// # Quick Start
//
//	cfg, _ := config.Load()
//	k, _ := wristcore.Open(cfg, wristcore.WithLogger(wristcore.NewTextLogger(slog.LevelInfo)))
//	defer k.Close()
//
//	_ = k.Install(ctx, install.Entry{ID: 7, Name: "steps", Kind: install.KindWorker, Image: "steps.bin", Size: 4096})
//	_ = k.LaunchWorker(ctx, 7)
//	_ = k.Run(ctx)
//
// # Faults
//
// HandleFault is the entry point for processor faults. A fault in an
// unprivileged task redirects the task to the landing zone and reports the
// crash to the system task, where the worker manager tears it down. A fault
// in privileged code reboots through the configured reboot.Handler, which
// panics unless WithRebootHandler replaces it.
//
// # Concurrency
//
// Kernel methods are safe for concurrent use. Crash handling, kill retries
// and wakeup callbacks run on the system task, which Run drives.
package wristcore
