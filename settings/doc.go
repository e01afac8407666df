// Package settings implements the log-structured key/value store kept in
// raw NOR flash.
//
// A settings file is an append-only log of records. Setting a key appends a
// new record and retires the previous one with single-bit flag flips, so a
// power cut at any point leaves either the old or the new value in force.
// Dead records are reclaimed by compaction, which rewrites the live records
// into a fresh file that atomically replaces the old one.
//
// # File Format
//
//	| magic "set\0" (4) | version u16 | flags u16 |
//	| record | record | ... | EOF sentinel (all ones) |
//
// Each record is an 8-byte header (see internal/record) followed by the key
// and the value bytes. A value of length zero is a tombstone; tombstones are
// kept for the configured retention window so deletions can reach a syncing
// peer before they are garbage collected.
//
// # Crash Safety
//
// Set follows a fixed protocol:
//
//  1. compact first if the log has no room for the new record
//  2. flag the previous record OverwriteStarted
//  3. append the new record without WriteComplete
//  4. flag the new record WriteComplete
//  5. flag the previous record OverwriteComplete
//
// Open runs a bootup check that repairs an interrupted step 5 in place and
// compacts away an interrupted step 3.
//
// # Concurrency
//
// A File is NOT safe for concurrent use. Every store built on top of it
// holds its own mutex around open, use and close. Each callbacks may call
// Get, GetLen, Exists and MarkSynced on the same File; they must not Set or
// Delete.
//
// # Failures
//
// Lookup misses and budget exhaustion are ordinary errors. A low-level I/O
// failure is fatal: the file is deleted, a reboot is requested through the
// configured reboot handler and the File becomes unusable.
package settings
