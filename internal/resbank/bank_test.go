package resbank

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/hupe1980/wristcore/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBank_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	noise := make([]byte, 4096)
	for i := range noise {
		noise[i] = byte(rng.IntN(256))
	}
	text := bytes.Repeat([]byte("tick tock "), 500)

	entries := []Entry{
		{ID: 7, Data: text, Codec: CodecZstd},
		{ID: 3, Data: text, Codec: CodecLZ4},
		{ID: 9, Data: noise, Codec: CodecLZ4}, // incompressible, stored raw
		{ID: 1, Data: []byte("raw"), Codec: CodecNone},
		{ID: 4, Data: nil, Codec: CodecZstd},
	}

	mem := fs.NewMemFS()
	require.NoError(t, Write(mem, "res", entries))

	b, err := Open(mem, "res")
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, []uint32{1, 3, 4, 7, 9}, b.IDs())
	for _, e := range entries {
		got, err := b.Read(e.ID)
		require.NoError(t, err, "id %d", e.ID)
		assert.Equal(t, len(e.Data), len(got))
		assert.True(t, bytes.Equal(e.Data, got), "id %d", e.ID)

		size, err := b.Size(e.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(e.Data)), size)
	}

	_, err = b.Read(2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.Size(2)
	assert.ErrorIs(t, err, ErrNotFound)

	img, ok := mem.Bytes("res")
	require.True(t, ok)
	assert.Less(t, len(img), 2*len(text)+len(noise), "text entries are compressed")
}

func TestBuild_RejectsDuplicates(t *testing.T) {
	_, err := Build([]Entry{{ID: 1}, {ID: 1}})
	assert.Error(t, err)
}

func TestBank_DetectsCorruption(t *testing.T) {
	img, err := Build([]Entry{{ID: 1, Data: []byte("hello world")}})
	require.NoError(t, err)

	write := func(t *testing.T, img []byte) *fs.MemFS {
		mem := fs.NewMemFS()
		f, err := mem.Open("res", fs.ModeReadWrite|fs.ModeCreate, int64(len(img)))
		require.NoError(t, err)
		_, err = f.WriteAt(img, 0)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		return mem
	}

	t.Run("payload", func(t *testing.T) {
		bad := bytes.Clone(img)
		bad[len(bad)-1] ^= 0x20
		b, err := Open(write(t, bad), "res")
		require.NoError(t, err)
		defer b.Close()
		_, err = b.Read(1)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("magic", func(t *testing.T) {
		bad := bytes.Clone(img)
		bad[0] = 'X'
		_, err := Open(write(t, bad), "res")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Open(write(t, img[:headerSize+4]), "res")
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}
