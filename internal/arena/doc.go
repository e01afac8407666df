// Package arena emulates the device RAM that memory segments are carved
// from.
//
// RAM is one contiguous byte buffer mapped at a fixed base address. Every
// access goes through bounds-checked accessors addressed by 32-bit device
// addresses, so a bad offset in a process image surfaces as an error instead
// of touching memory outside the emulated region.
package arena
