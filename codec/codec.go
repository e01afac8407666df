// Package codec centralizes the encoding of values kept in settings files.
//
// Settings values are capped at a couple of kilobytes, so stored values are
// prefixed with a one-byte codec tag instead of a named header. Changing the
// default codec never breaks existing files: Decode picks the codec by tag.
package codec

import (
	"errors"
	"fmt"
)

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Tags identify the codec of a stored value.
const (
	TagJSON   byte = 'j'
	TagGoJSON byte = 'g'
)

// ErrUnknownCodec is returned for values written by an unknown codec.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// ByTag returns the built-in codec for a stored tag.
func ByTag(tag byte) (Codec, bool) {
	switch tag {
	case TagJSON:
		return JSON{}, true
	case TagGoJSON:
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// TagOf returns the tag stored in front of values encoded by c.
func TagOf(c Codec) (byte, bool) {
	switch c.Name() {
	case "json":
		return TagJSON, true
	case "go-json":
		return TagGoJSON, true
	default:
		return 0, false
	}
}

// Encode marshals v with c, or Default when c is nil, and prefixes the
// result with the codec tag.
func Encode(c Codec, v any) ([]byte, error) {
	if c == nil {
		c = Default
	}
	tag, ok := TagOf(c)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, c.Name())
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b)+1)
	out = append(out, tag)
	return append(out, b...), nil
}

// Decode unmarshals a value produced by Encode into v.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrUnknownCodec)
	}
	c, ok := ByTag(data[0])
	if !ok {
		return fmt.Errorf("%w: tag %#02x", ErrUnknownCodec, data[0])
	}
	return c.Unmarshal(data[1:], v)
}

// MustMarshal is a helper for internal tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
