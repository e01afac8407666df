package resbank

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression applied to a stored resource.
type Codec uint8

const (
	// CodecNone stores the resource as is.
	CodecNone Codec = 0
	// CodecLZ4 uses LZ4 block compression (fast to decode, used for images).
	CodecLZ4 Codec = 1
	// CodecZstd uses zstd (better ratio, used for rarely loaded data).
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

var errSizeMismatch = errors.New("decompressed size mismatch")

// zstd encoder/decoder pools
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// compress encodes data with codec. It falls back to CodecNone when
// compression does not save at least a tenth of the size.
func compress(data []byte, codec Codec) ([]byte, Codec, error) {
	if codec == CodecNone || len(data) == 0 {
		return data, CodecNone, nil
	}

	var out []byte
	switch codec {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, 0, err
		}
		out = buf[:n] // n == 0 means incompressible
	case CodecZstd:
		enc := getZstdEncoder()
		out = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, 0, fmt.Errorf("resbank: unknown codec %d", codec)
	}

	if len(out) == 0 || float64(len(out)) > float64(len(data))*0.9 {
		return data, CodecNone, nil
	}
	return out, codec, nil
}

// decompress decodes stored bytes into a buffer of exactly rawSize bytes.
func decompress(stored []byte, codec Codec, rawSize uint32) ([]byte, error) {
	switch codec {
	case CodecNone:
		if uint32(len(stored)) != rawSize {
			return nil, errSizeMismatch
		}
		return stored, nil
	case CodecLZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != rawSize {
			return nil, errSizeMismatch
		}
		return out, nil
	case CodecZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(stored, make([]byte, 0, rawSize))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != rawSize {
			return nil, errSizeMismatch
		}
		return out, nil
	default:
		return nil, fmt.Errorf("resbank: unknown codec %d", codec)
	}
}
