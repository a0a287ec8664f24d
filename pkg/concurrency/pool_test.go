package concurrency

import (
	"sync/atomic"
	"testing"

	"bfx_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolSubmit(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 2, MaxCapacity: 10}, logging.Nop())
	defer wp.Stop()

	var count atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, wp.Submit(func() { count.Add(1) }))
	}
	wp.SubmitAndWait(func() { count.Add(1) })

	wp.Stop()
	assert.Equal(t, int64(6), count.Load())
}

func TestWorkerPoolPanicRecovered(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "panic", MaxWorkers: 1, MaxCapacity: 2}, logging.Nop())
	defer wp.Stop()

	wp.SubmitAndWait(func() {
		defer func() {}()
	})
	require.NoError(t, wp.Submit(func() { panic("boom") }))

	// Pool must still accept work after a panic.
	var ran atomic.Bool
	wp.SubmitAndWait(func() { ran.Store(true) })
	assert.True(t, ran.Load())
}
