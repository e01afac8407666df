// Package resource governs the shared resources of the flash subsystem.
//
// The Controller manages three resource types:
//
//   - Flash budget: reservations against a byte budget (non-blocking, fail-fast)
//   - Background jobs: concurrent flash-heavy jobs such as compactions
//   - Background IO: a token bucket throttling compaction copies
//
// # Flash Budget
//
// Reservations use a weighted semaphore for the hard limit and an atomic
// counter for tracking. Reserve never blocks; callers react to
// ErrBudgetExceeded, typically by evicting and retrying:
//
//	rc := resource.NewController(resource.Config{BudgetBytes: 256 << 10})
//	if err := rc.Reserve(size); errors.Is(err, resource.ErrBudgetExceeded) {
//	    // evict, then retry
//	}
//
// # Background Jobs
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// # IO Rate Limiting
//
//	if err := rc.AcquireIO(ctx, recordLen); err != nil {
//	    return err
//	}
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
