package loader

import (
	"encoding/binary"
	"testing"

	"github.com/hupe1980/wristcore/internal/arena"
	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/hupe1980/wristcore/internal/memseg"
	"github.com/hupe1980/wristcore/internal/resbank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ramBase   = 0x2000_0000
	jumpTable = 0x0800_1234
)

// testImage returns a 64-byte payload image with two relocated words, a
// jump-table slot and 32 bytes of zero-initialized data.
func testImage() Image {
	payload := make([]byte, 64)
	binary.LittleEndian.PutUint32(payload[0x00:], 0x30) // image offset 0x20
	binary.LittleEndian.PutUint32(payload[0x0C:], 0x40) // image offset 0x2C
	for i := 0x10; i < len(payload); i++ {
		payload[i] = byte(i)
	}
	return Image{
		SDK:             CurrentSDK,
		Flags:           FlagWorker,
		Payload:         payload,
		BSSSize:         32,
		EntryOffset:     0x28,
		JumpTableOffset: 0x24,
		Relocs:          []uint32{0x20, 0x2C},
	}
}

func writeFile(t *testing.T, fsys fs.FileSystem, name string, data []byte) {
	t.Helper()
	f, err := fsys.Open(name, fs.ModeReadWrite|fs.ModeCreate, int64(len(data)))
	require.NoError(t, err)
	_, err = f.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestHeader_RoundTrip(t *testing.T) {
	img, err := Build(testImage())
	require.NoError(t, err)

	var h Header
	require.NoError(t, h.UnmarshalBinary(img))
	assert.Equal(t, uint32(HeaderSize+64), h.LoadSize)
	assert.Equal(t, uint32(HeaderSize+64+32), h.VirtualSize)
	assert.Equal(t, uint32(2), h.RelocCount)
	assert.Equal(t, FlagWorker|FlagHasJumpTable, h.Flags)

	b, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, img[:HeaderSize], b)
}

func TestHeader_Validation(t *testing.T) {
	for name, mutate := range map[string]func(*Image){
		"entry in header":      func(img *Image) { img.EntryOffset = 4 },
		"entry past payload":   func(img *Image) { img.EntryOffset = HeaderSize + 64 },
		"jump table unaligned": func(img *Image) { img.JumpTableOffset = 0x25 },
		"jump table past end":  func(img *Image) { img.JumpTableOffset = HeaderSize + 64 },
	} {
		t.Run(name, func(t *testing.T) {
			img := testImage()
			mutate(&img)
			_, err := Build(img)
			assert.ErrorIs(t, err, ErrCorruptImage)
		})
	}

	var h Header
	assert.ErrorIs(t, h.UnmarshalBinary([]byte("WAPP")), ErrCorruptImage)
	assert.ErrorIs(t, h.UnmarshalBinary(make([]byte, HeaderSize)), ErrCorruptImage)
}

func TestLoadFromFile(t *testing.T) {
	img, err := Build(testImage())
	require.NoError(t, err)
	mem := fs.NewMemFS()
	writeFile(t, mem, "app", img)

	ram := arena.New(ramBase, 4096)
	seg := ram.Segment()
	seg.Start += 3
	l := New(ram, WithJumpTable(jumpTable))

	p, err := l.LoadFromFile(mem, "app", &seg)
	require.NoError(t, err)

	const base = ramBase + 8
	assert.Equal(t, memseg.Segment{Start: base, End: base + 128}, p.Image)
	assert.Equal(t, uint32(base+0x28|ThumbBit), p.Entry)
	assert.Equal(t, p.Image.End, seg.Start, "footprint is split from the front")

	word := func(off uint32) uint32 {
		v, err := ram.Uint32(base + off)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, uint32(base+0x30), word(0x20))
	assert.Equal(t, uint32(base+0x40), word(0x2C))
	assert.Equal(t, uint32(jumpTable), word(0x24))

	// Relocation table and zero-initialized data are cleared.
	bss, err := ram.Bytes(base+HeaderSize+64, 32)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), bss)

	// Untouched payload bytes are copied verbatim.
	b, err := ram.Bytes(base+0x30, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x11, 0x12, 0x13}, b)
}

func TestLoadFromResource(t *testing.T) {
	img, err := Build(testImage())
	require.NoError(t, err)
	mem := fs.NewMemFS()
	require.NoError(t, resbank.Write(mem, "res", []resbank.Entry{{ID: 42, Data: img, Codec: resbank.CodecLZ4}}))
	bank, err := resbank.Open(mem, "res")
	require.NoError(t, err)
	defer bank.Close()

	ram := arena.New(ramBase, 1024)
	seg := ram.Segment()
	l := New(ram, WithJumpTable(jumpTable))

	p, err := l.LoadFromResource(bank, 42, &seg)
	require.NoError(t, err)
	assert.Equal(t, uint32(ramBase+0x28|ThumbBit), p.Entry)
	v, err := ram.Uint32(ramBase + 0x20)
	require.NoError(t, err)
	assert.Equal(t, uint32(ramBase+0x30), v)

	_, err = l.LoadFromResource(bank, 7, &seg)
	assert.ErrorIs(t, err, resbank.ErrNotFound)
}

func TestLoad_Failures(t *testing.T) {
	build := func(t *testing.T, mutate func(*Image)) []byte {
		img := testImage()
		if mutate != nil {
			mutate(&img)
		}
		b, err := Build(img)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name    string
		image   func(t *testing.T) []byte
		ramSize uint32
		want    error
	}{
		{
			name: "checksum",
			image: func(t *testing.T) []byte {
				b := build(t, nil)
				b[HeaderSize+0x20] ^= 0xFF
				return b
			},
			want: ErrChecksumMismatch,
		},
		{
			name:    "segment too small",
			image:   func(t *testing.T) []byte { return build(t, nil) },
			ramSize: 120,
			want:    ErrImageTooLarge,
		},
		{
			name: "newer sdk minor",
			image: func(t *testing.T) []byte {
				return build(t, func(img *Image) { img.SDK.Minor = CurrentSDK.Minor + 1 })
			},
			want: ErrIncompatibleSDK,
		},
		{
			name: "other sdk major",
			image: func(t *testing.T) []byte {
				return build(t, func(img *Image) { img.SDK.Major = CurrentSDK.Major - 1 })
			},
			want: ErrIncompatibleSDK,
		},
		{
			name: "relocation outside image",
			image: func(t *testing.T) []byte {
				return build(t, func(img *Image) { img.Relocs = []uint32{0x1000} })
			},
			want: ErrCorruptImage,
		},
		{
			name: "relocation into header",
			image: func(t *testing.T) []byte {
				return build(t, func(img *Image) { img.Relocs = []uint32{0x08} })
			},
			want: ErrCorruptImage,
		},
		{
			name: "relocation target past footprint",
			image: func(t *testing.T) []byte {
				return build(t, func(img *Image) {
					binary.LittleEndian.PutUint32(img.Payload[0x00:], 0x1000)
				})
			},
			want: ErrCorruptImage,
		},
		{
			name: "truncated",
			image: func(t *testing.T) []byte {
				b := build(t, nil)
				return b[:len(b)-4]
			},
			want: ErrCorruptImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := fs.NewMemFS()
			writeFile(t, mem, "app", tt.image(t))

			size := tt.ramSize
			if size == 0 {
				size = 1024
			}
			ram := arena.New(ramBase, size)
			seg := ram.Segment()
			before := seg

			_, err := New(ram).LoadFromFile(mem, "app", &seg)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, seg, "failed load leaves the segment alone")
		})
	}
}

func TestSDKVersion_Compatible(t *testing.T) {
	k := SDKVersion{Major: 5, Minor: 10}
	assert.True(t, k.Compatible(SDKVersion{Major: 5, Minor: 0}))
	assert.True(t, k.Compatible(k))
	assert.False(t, k.Compatible(SDKVersion{Major: 5, Minor: 11}))
	assert.False(t, k.Compatible(SDKVersion{Major: 6, Minor: 0}))
	assert.Equal(t, "5.10", k.String())
}
