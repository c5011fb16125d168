// Package cork provides deliberately-inserted execution dependencies: a
// plugged cork stalls any submission depending on it until unplugged. Misuse
// of the plug/unplug state machine is a caller bug and panics.
package cork

import "github.com/fxnlabs/gpuload/internal/gpudev"

// Cork gates submissions on a controlled later release. Plug returns the
// dependency to attach to submissions; Unplug releases it exactly once per
// plug.
type Cork interface {
	Plug(dev gpudev.Device) gpudev.Dependency
	Unplug(dev gpudev.Device)
}

// BOCork blocks through an imported-fence buffer object: submissions
// referencing the buffer stall until the fence is released via a driver call.
type BOCork struct {
	plugged bool
	dep     gpudev.Dependency
}

// NewBOCork returns an unplugged buffer-object cork.
func NewBOCork() *BOCork {
	return &BOCork{}
}

func (c *BOCork) Plug(dev gpudev.Device) gpudev.Dependency {
	if c.plugged {
		panic("cork: plug while already plugged")
	}
	h, f := dev.ImportFenceBuffer()
	c.dep = gpudev.Dependency{Handle: h, Fence: f}
	c.plugged = true
	return c.dep
}

func (c *BOCork) Unplug(dev gpudev.Device) {
	if !c.plugged {
		panic("cork: unplug while unplugged")
	}
	dev.SignalFence(c.dep.Fence)
	dev.CloseBuffer(c.dep.Handle)
	c.dep = gpudev.Dependency{}
	c.plugged = false
}

// TimelineCork blocks through a software sync timeline: each plug hands out a
// fence one point ahead of the timeline, and unplug advances it one tick.
type TimelineCork struct {
	tl      *gpudev.Timeline
	plugged bool
	point   uint64
}

// NewTimelineCork returns an unplugged timeline cork.
func NewTimelineCork() *TimelineCork {
	return &TimelineCork{}
}

func (c *TimelineCork) Plug(dev gpudev.Device) gpudev.Dependency {
	if c.plugged {
		panic("cork: plug while already plugged")
	}
	if c.tl == nil {
		c.tl = dev.CreateTimeline()
	}
	c.point++
	c.plugged = true
	return gpudev.Dependency{Fence: c.tl.FenceAt(c.point)}
}

func (c *TimelineCork) Unplug(dev gpudev.Device) {
	if !c.plugged {
		panic("cork: unplug while unplugged")
	}
	c.tl.Advance(1)
	c.plugged = false
}
