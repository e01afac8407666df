package wristcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wristcore/worker"
)

func TestTaskTable(t *testing.T) {
	tt := NewTaskTable()

	a, err := tt.Start(worker.StartRequest{ID: 4, Entry: 0x2000_0101})
	require.NoError(t, err)
	b, err := tt.Start(worker.StartRequest{ID: 5})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), a.ID())
	assert.Equal(t, uint32(3), b.ID())
	assert.Equal(t, []uint32{2, 3}, tt.Live())

	task, ok := tt.Get(2)
	require.True(t, ok)
	assert.Equal(t, worker.InstallID(4), task.Install())
	assert.Equal(t, uint32(0x2000_0101), task.Entry())

	assert.False(t, a.SafeToKill())
	a.RequestExit()
	assert.True(t, a.SafeToKill())

	a.Kill()
	_, ok = tt.Get(2)
	assert.False(t, ok)
	assert.Equal(t, []uint32{3}, tt.Live())
}

func TestTask_Stubborn(t *testing.T) {
	tt := NewTaskTable()
	w, err := tt.Start(worker.StartRequest{ID: 1})
	require.NoError(t, err)
	task, _ := tt.Get(w.ID())

	task.SetStubborn(true)
	task.RequestExit()
	assert.False(t, task.SafeToKill())

	task.Ack()
	assert.True(t, task.SafeToKill())
}
