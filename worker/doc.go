// Package worker manages the single background worker process.
//
// # State Machine
//
//	Idle ──Launch──▶ Launching ──▶ Running ──Close──▶ ClosingGraceful ──▶ Idle
//	                                  │
//	                                  └──crash──▶ ClosingCrashed ──▶ Idle
//
// At most one worker runs at a time. Launching a different worker while one
// is running records it as pending-next and closes the running one; the
// pending worker starts once the close completes. A launch in flight is
// never torn down.
//
// # Memory Layout
//
// Every launch carves the worker region from the bottom up:
//
//	| stack guard | stack | image (code, data, bss) | heap |
//
// The guard sits at the lowest addresses so a stack overflow corrupts the
// guard rather than live data.
//
// # Crash Policy
//
// A crashed worker is relaunched once. If the same worker crashes again
// within the crash window it is considered unstable: it is not relaunched
// and the user is asked whether to recover it. Removing a worker suspends
// relaunches for it.
//
// # Concurrency
//
// Manager is safe for concurrent use. Collaborators are called with the
// manager lock held and must not call back into the Manager synchronously;
// use the system task queue for follow-up work.
package worker
