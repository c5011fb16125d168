package gpudev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFence(t *testing.T) {
	t.Run("signal wakes waiters", func(t *testing.T) {
		f := NewFence()
		assert.False(t, f.Signaled())
		go f.Signal()
		assert.Equal(t, StatusOK, f.Wait(time.Second))
		assert.True(t, f.Signaled())
	})

	t.Run("wait times out", func(t *testing.T) {
		f := NewFence()
		assert.Equal(t, StatusTimedOut, f.Wait(5*time.Millisecond))
		assert.False(t, f.Signaled())
	})

	t.Run("double signal is safe", func(t *testing.T) {
		f := NewFence()
		f.Signal()
		f.Signal()
		assert.True(t, f.Signaled())
	})
}

func TestTimeline(t *testing.T) {
	t.Run("fence at future point", func(t *testing.T) {
		tl := NewTimeline()
		f := tl.FenceAt(2)
		assert.False(t, f.Signaled())
		tl.Advance(1)
		assert.False(t, f.Signaled())
		tl.Advance(1)
		assert.Equal(t, StatusOK, f.Wait(time.Second))
	})

	t.Run("fence at reached point signals immediately", func(t *testing.T) {
		tl := NewTimeline()
		tl.Advance(3)
		require.True(t, tl.FenceAt(2).Signaled())
		assert.Equal(t, uint64(3), tl.Value())
	})

	t.Run("advance releases only due fences", func(t *testing.T) {
		tl := NewTimeline()
		near := tl.FenceAt(1)
		far := tl.FenceAt(5)
		tl.Advance(1)
		assert.True(t, near.Signaled())
		assert.False(t, far.Signaled())
	})
}
