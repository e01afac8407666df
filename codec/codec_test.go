package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	ID       uint32    `json:"id"`
	Deadline time.Time `json:"deadline"`
	Launches int       `json:"launches"`
}

func TestEncodeDecode(t *testing.T) {
	in := entry{ID: 5, Deadline: time.Unix(1_700_000_000, 0).UTC(), Launches: 3}

	for _, c := range []Codec{JSON{}, GoJSON{}, nil} {
		name := "default"
		if c != nil {
			name = c.Name()
		}
		t.Run(name, func(t *testing.T) {
			b, err := Encode(c, in)
			require.NoError(t, err)

			var out entry
			require.NoError(t, Decode(b, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestDecode_CrossCodec(t *testing.T) {
	b, err := Encode(JSON{}, entry{ID: 7})
	require.NoError(t, err)
	assert.Equal(t, TagJSON, b[0])

	// Values keep decoding after the default codec changes.
	var out entry
	require.NoError(t, Decode(b, &out))
	assert.Equal(t, uint32(7), out.ID)
}

func TestDecode_Unknown(t *testing.T) {
	var out entry
	assert.ErrorIs(t, Decode(nil, &out), ErrUnknownCodec)
	assert.ErrorIs(t, Decode([]byte("x{}"), &out), ErrUnknownCodec)
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())

		tag, ok := TagOf(c)
		require.True(t, ok)
		byTag, ok := ByTag(tag)
		require.True(t, ok)
		assert.Equal(t, c, byTag)
	}
	_, ok := ByName("msgpack")
	assert.False(t, ok)
}
