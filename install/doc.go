// Package install keeps the registry of installed apps and workers.
//
// The registry lives in the settings file "appdb", one record per install
// keyed by its little-endian install id. The file is opened for the
// duration of each call only; a Registry serializes its callers with one
// mutex.
//
// Registry resolves install ids for the worker manager, tracks which
// installs are running so the app cache never evicts them, and deletes app
// binaries when the cache evicts an install.
package install
