package gpudev

import (
	"sync"
	"sync/atomic"
	"time"
)

// Fence is a one-shot completion primitive. Signaling is idempotent; waiting
// after the deadline surfaces StatusTimedOut rather than retrying.
type Fence struct {
	ch       chan struct{}
	once     sync.Once
	signaled atomic.Bool
}

// NewFence returns an unsignaled fence. Device implementations hand these out
// from CreateFence; tests may construct them directly.
func NewFence() *Fence {
	return &Fence{ch: make(chan struct{})}
}

// Signal marks the fence signaled and wakes all waiters. Safe to call more
// than once.
func (f *Fence) Signal() {
	f.once.Do(func() {
		f.signaled.Store(true)
		close(f.ch)
	})
}

// Signaled reports the fence state without blocking.
func (f *Fence) Signaled() bool {
	return f.signaled.Load()
}

// Done exposes the signal channel for select-based waits.
func (f *Fence) Done() <-chan struct{} {
	return f.ch
}

// Wait blocks until the fence signals or the timeout elapses. A negative
// timeout blocks indefinitely.
func (f *Fence) Wait(timeout time.Duration) Status {
	if timeout < 0 {
		<-f.ch
		return StatusOK
	}
	select {
	case <-f.ch:
		return StatusOK
	case <-time.After(timeout):
		return StatusTimedOut
	}
}

type timelineWaiter struct {
	point uint64
	fence *Fence
}

// Timeline is a software sync timeline: a monotonically advancing counter
// with fences attached to future points.
type Timeline struct {
	mu      sync.Mutex
	value   uint64
	waiters []timelineWaiter
}

// NewTimeline returns a timeline at point zero.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Value returns the current point.
func (t *Timeline) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// FenceAt returns a fence that signals when the timeline reaches point. A
// point already reached yields an immediately signaled fence.
func (t *Timeline) FenceAt(point uint64) *Fence {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := NewFence()
	if t.value >= point {
		f.Signal()
		return f
	}
	t.waiters = append(t.waiters, timelineWaiter{point: point, fence: f})
	return f
}

// Advance moves the timeline forward by n points and releases every fence at
// or before the new value.
func (t *Timeline) Advance(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value += n
	kept := t.waiters[:0]
	for _, w := range t.waiters {
		if w.point <= t.value {
			w.fence.Signal()
		} else {
			kept = append(kept, w)
		}
	}
	t.waiters = kept
}
