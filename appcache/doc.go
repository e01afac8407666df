// Package appcache decides which app binaries stay on flash.
//
// Every cached install has an entry in the settings file "appcache" with
// its install date, last launch, launch count and binary size. The binary
// sizes are reserved against the flash budget of a resource.Controller.
// When a reservation does not fit, the entries with the lowest priority are
// evicted until it does. Priority grows with launches and decays with the
// time since the last launch; running installs are never evicted.
//
// Cache is safe for concurrent use. The settings file is open only for the
// duration of each call.
package appcache
