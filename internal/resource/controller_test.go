package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Budget(t *testing.T) {
	c := NewController(Config{BudgetBytes: 100})

	require.NoError(t, c.Reserve(50))
	require.NoError(t, c.Reserve(40))
	assert.Equal(t, int64(90), c.Reserved())

	err := c.Reserve(20)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, int64(90), c.Reserved())

	c.Release(50)
	assert.Equal(t, int64(40), c.Reserved())

	require.NoError(t, c.Reserve(20))
	assert.Equal(t, int64(60), c.Reserved())
	assert.Equal(t, int64(100), c.Budget())
}

func TestController_UnlimitedBudget(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.Reserve(1000))
	assert.Equal(t, int64(1000), c.Reserved())
	c.Release(500)
	assert.Equal(t, int64(500), c.Reserved())
}

func TestController_Background(t *testing.T) {
	c := NewController(Config{MaxBackgroundJobs: 2})

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireBackground(ctx), context.DeadlineExceeded)

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 100})

	require.NoError(t, c.AcquireIO(t.Context(), 100))

	// The burst is spent: another full second of tokens cannot arrive in time.
	short, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireIO(short, 100))

	// Requests above the burst are clamped instead of failing forever.
	ctx, cancel2 := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel2()
	require.NoError(t, c.AcquireIO(ctx, 1000))
}

func TestController_Nil(t *testing.T) {
	var c *Controller
	require.NoError(t, c.Reserve(10))
	c.Release(10)
	assert.Equal(t, int64(0), c.Reserved())
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	require.NoError(t, c.AcquireIO(t.Context(), 10))
}
