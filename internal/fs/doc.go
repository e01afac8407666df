// Package fs provides the flash file system abstraction used by the settings
// store and the process loader.
//
// The package defines two key interfaces:
//
//   - [File]: an open, fixed-size flash file addressed by byte offset
//   - [FileSystem]: name-based open/remove/stat with an atomic "overwrite" mode
//
// # Flash semantics
//
// Files model raw NOR flash: a freshly created file reads as all 0xFF and a
// write can only clear bits (the stored byte becomes old & new). Erasing is
// only possible by removing the file or replacing it through [ModeOverwrite].
//
// A file opened with [ModeOverwrite] is a hidden sibling of the named file.
// Nothing is visible under the name until the sibling is closed, at which
// point it atomically replaces the previous contents. A crash before Close
// leaves the original file untouched.
//
// # Implementations
//
//   - [MemFS]: in-memory flash, used by tests and the simulator
//   - [LocalFS]: directory-backed flash with exclusive open locks
//   - [FaultyFS]: fault and power-cut injection wrapper for tests
//
// # Design Notes
//
// Like the rest of the storage stack this package does NOT take
// context.Context parameters. Flash operations are short and cannot be
// interrupted half way; long-running callers (compaction) check their own
// context between records.
package fs
