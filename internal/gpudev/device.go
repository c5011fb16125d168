// Package gpudev defines the narrow driver contract the workload generator
// sits on top of: buffers, GPU address reservation, submission, fences and
// engine-busy queries. The real driver is an external collaborator; SimDevice
// implements the same contract in software so the suite runs hermetically.
package gpudev

import (
	"fmt"

	"github.com/fxnlabs/gpuload/internal/isa"
)

// Engine selects a hardware execution engine.
type Engine int

const (
	EngineRender Engine = iota
	EngineCopy
	EngineVideo
	EngineVideoEnhance
)

var engineNames = map[Engine]string{
	EngineRender:       "render",
	EngineCopy:         "copy",
	EngineVideo:        "video",
	EngineVideoEnhance: "video-enhance",
}

func (e Engine) String() string {
	if n, ok := engineNames[e]; ok {
		return n
	}
	return fmt.Sprintf("engine(%d)", int(e))
}

// ParseEngine maps a configuration name to an engine selector.
func ParseEngine(name string) (Engine, error) {
	for e, n := range engineNames {
		if n == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown engine %q", name)
}

// Status is a driver-reported result code. Expected rejections travel as
// statuses so negative tests can assert on the exact code; programming errors
// in this process panic instead.
type Status int

const (
	StatusOK Status = iota
	StatusRejected
	StatusUnsupportedEngine
	StatusInvalidInstruction
	StatusQueueFull
	StatusTimedOut
)

var statusNames = map[Status]string{
	StatusOK:                 "ok",
	StatusRejected:           "rejected",
	StatusUnsupportedEngine:  "unsupported-engine",
	StatusInvalidInstruction: "invalid-instruction",
	StatusQueueFull:          "queue-full",
	StatusTimedOut:           "timed-out",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// BufferHandle names a buffer object owned by the device.
type BufferHandle uint32

// Reloc asks the submission layer to patch the final GPU address of Target
// plus Delta into this object at byte Offset, as Width dwords. Write marks
// the batch as writing the target, ordering it after prior work there.
type Reloc struct {
	Target BufferHandle
	Offset uint64
	Delta  uint64
	Width  int
	Write  bool
}

// ExecObject is one buffer referenced by a submission. Pinned objects must be
// placed exactly at Address; otherwise Address is a provisional hint and the
// device reports the final placement back through this field.
type ExecObject struct {
	Handle  BufferHandle
	Address uint64
	Pinned  bool
	Relocs  []Reloc
}

// Dependency is an execution input-dependency: a buffer object the batch must
// be ordered against, a fence gating its start, or both.
type Dependency struct {
	Handle BufferHandle
	Fence  *Fence
}

// SubmitRequest describes one command-buffer submission.
type SubmitRequest struct {
	Engine Engine
	Ctx    uint32

	Batch       ExecObject
	Extra       []ExecObject
	StartOffset uint64

	// InFence gates execution start on an external dependency.
	InFence *Fence
	// SubmitFence orders this submission's start after a sibling's start.
	SubmitFence *Fence
	// OutFence is signaled when the batch retires.
	OutFence *Fence
	// StartFence is signaled when the batch truly begins executing.
	StartFence *Fence
}

// Device is the driver surface the generator needs. Implementations must keep
// a buffer's GPU address stable for the buffer's whole lifetime once placed.
type Device interface {
	Generation() isa.Generation
	Engines() []Engine
	// Coherent reports whether the engines observe CPU writes without an
	// explicit flush.
	Coherent() bool
	// CmdParser reports whether submissions are validated and may execute
	// from a read-only copy of the stream.
	CmdParser() bool
	// ApertureSize is the size of the GPU-addressable aperture in bytes.
	ApertureSize() uint64

	CreateBuffer(size int) BufferHandle
	// CreateUserBuffer wraps caller-provided memory as a buffer object.
	CreateUserBuffer(mem []uint32) BufferHandle
	MapForCPU(h BufferHandle) []uint32
	// FlushBuffer makes prior CPU writes visible to the engines on
	// non-coherent devices.
	FlushBuffer(h BufferHandle)
	CloseBuffer(h BufferHandle)

	// ReserveAddress carves a GPU-visible range out of the aperture for
	// explicit-addressing submissions.
	ReserveAddress(size, align uint64) (uint64, error)
	// ReleaseAddress returns a reservation no placement ever claimed.
	// Pages already owned by a placed buffer are unaffected.
	ReleaseAddress(addr, size uint64)

	Submit(req *SubmitRequest) Status

	CreateFence() *Fence
	// ImportFenceBuffer returns a buffer object backed by an unsignaled
	// imported fence; work depending on the buffer stalls until the fence
	// is released via SignalFence.
	ImportFenceBuffer() (BufferHandle, *Fence)
	SignalFence(f *Fence)
	CreateTimeline() *Timeline

	EngineBusy(e Engine) bool
	Close()
}
