// Package wakeup stores the scheduled wakeups of installed apps.
//
// Each wakeup is a record in the settings file "wakeup" keyed by its
// little-endian wakeup id. The file is opened for the duration of each call
// and a Store serializes its callers with one mutex. Cancelled wakeups
// leave tombstones that sync peers can observe until the tombstone
// retention expires.
package wakeup
