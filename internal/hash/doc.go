// Package hash provides the checksums used for on-flash data integrity.
//
// # CRC8
//
// Settings records carry an 8-bit CRC of their key. It is a cheap pre-check
// during lookups: only records whose key length and key hash both match are
// compared byte by byte.
//
//	h := hash.CRC8(key)
//
// # CRC32-Castagnoli (CRC32C)
//
// Process images are verified with CRC32C over everything after the image
// header. Go's crc32 package uses hardware instructions when available.
//
//	checksum := hash.CRC32C(payload)
package hash
