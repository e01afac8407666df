package loader

import "errors"

var (
	// ErrImageTooLarge is returned when an image does not fit its segment.
	ErrImageTooLarge = errors.New("loader: image too large for segment")
	// ErrChecksumMismatch is returned when the loaded payload does not match
	// the checksum in its header. Callers treat it as fatal.
	ErrChecksumMismatch = errors.New("loader: image checksum mismatch")
	// ErrIncompatibleSDK is returned for images built against another kernel
	// API.
	ErrIncompatibleSDK = errors.New("loader: incompatible sdk version")
	// ErrCorruptImage is returned for malformed headers and relocations.
	ErrCorruptImage = errors.New("loader: corrupt image")
)
