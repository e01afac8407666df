// Package loader copies position-independent process images into RAM
// segments and prepares them to run.
//
// # Image Layout
//
//	| header (32) | code + data | relocation table |
//	^ image offset 0          ^ LoadSize
//
// The header is little endian:
//
//	magic "WAPP" | sdk major u8 | sdk minor u8 | flags u16 |
//	load_size u32 | virtual_size u32 | entry_offset u32 |
//	jump_table_offset u32 | reloc_count u32 | checksum u32
//
// LoadSize covers the header plus code and data. VirtualSize is the runtime
// footprint including the zero-initialized data that follows. The
// relocation table holds reloc_count image offsets of 32-bit words that
// contain image-relative addresses; it overlaps the zero-initialized data
// and is cleared once applied. checksum is the CRC32C of bytes
// [32, LoadSize).
//
// # Loading
//
// Both sources, a flash file and a resource bank entry, go through the same
// steps: size check, copy, checksum, SDK check, jump-table patch,
// relocation, cleanup of the relocation table and the split of the runtime
// footprint from the destination segment. A failed load leaves the
// destination segment untouched.
package loader
