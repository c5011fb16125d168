package gpudev

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpuload/internal/isa"
)

const pageSize = 4096

// reservedOwner marks aperture pages held by ReserveAddress until a pinned
// placement claims them.
const reservedOwner = ^BufferHandle(0)

// SimConfig shapes a simulated device.
type SimConfig struct {
	Generation   isa.Generation
	Engines      []Engine
	ApertureSize uint64
	Coherent     bool
	CmdParser    bool

	// HangCheck is how long a hung batch keeps its engine busy before the
	// simulated scheduler kills it.
	HangCheck time.Duration
	// SpinDelay throttles the interpreter once per loop iteration so a
	// spinning batch does not monopolize a host CPU.
	SpinDelay time.Duration
}

// DefaultSimConfig matches the most common test target: a coherent Gen9 part
// with render and copy engines and no command parser.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Generation:   isa.Gen9,
		Engines:      []Engine{EngineRender, EngineCopy},
		ApertureSize: 4 << 30,
		Coherent:     true,
		HangCheck:    500 * time.Millisecond,
		SpinDelay:    20 * time.Microsecond,
	}
}

type simBuffer struct {
	handle BufferHandle
	words  []uint32
	size   uint64
	addr   uint64
	placed bool
	fence  *Fence
}

type simEngine struct {
	active atomic.Int32
}

// SimDevice implements Device in software. Submitted batches are interpreted
// per generation on a goroutine per submission, honoring poll stores,
// conditional ends, backward branches, fences and (optionally) command-parser
// validation with execution from a read-only snapshot.
type SimDevice struct {
	cfg SimConfig
	log *zap.Logger

	mu         sync.Mutex
	nextHandle BufferHandle
	buffers    map[BufferHandle]*simBuffer
	pages      map[uint64]BufferHandle
	bump       uint64

	engines map[Engine]*simEngine

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSimDevice opens a simulated device. Unset timing fields fall back to the
// defaults; an empty engine list gets the render engine.
func NewSimDevice(cfg SimConfig, log *zap.Logger) *SimDevice {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ApertureSize == 0 {
		cfg.ApertureSize = DefaultSimConfig().ApertureSize
	}
	if cfg.HangCheck == 0 {
		cfg.HangCheck = DefaultSimConfig().HangCheck
	}
	if cfg.SpinDelay == 0 {
		cfg.SpinDelay = DefaultSimConfig().SpinDelay
	}
	if len(cfg.Engines) == 0 {
		cfg.Engines = []Engine{EngineRender}
	}
	d := &SimDevice{
		cfg:        cfg,
		log:        log.Named("simdev"),
		nextHandle: 1,
		buffers:    make(map[BufferHandle]*simBuffer),
		pages:      make(map[uint64]BufferHandle),
		bump:       pageSize, // keep the zero page unmapped
		engines:    make(map[Engine]*simEngine),
		closed:     make(chan struct{}),
	}
	for _, e := range cfg.Engines {
		d.engines[e] = &simEngine{}
	}
	return d
}

func (d *SimDevice) Generation() isa.Generation { return d.cfg.Generation }
func (d *SimDevice) Coherent() bool             { return d.cfg.Coherent }
func (d *SimDevice) CmdParser() bool            { return d.cfg.CmdParser }
func (d *SimDevice) ApertureSize() uint64       { return d.cfg.ApertureSize }

func (d *SimDevice) Engines() []Engine {
	out := make([]Engine, len(d.cfg.Engines))
	copy(out, d.cfg.Engines)
	return out
}

func (d *SimDevice) CreateBuffer(size int) BufferHandle {
	if size <= 0 {
		panic("gpudev: buffer size must be positive")
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	b := &simBuffer{
		handle: d.nextHandle,
		words:  make([]uint32, size/4),
		size:   uint64(size),
	}
	d.nextHandle++
	d.buffers[b.handle] = b
	return b.handle
}

func (d *SimDevice) CreateUserBuffer(mem []uint32) BufferHandle {
	if len(mem) == 0 {
		panic("gpudev: user buffer must be non-empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := &simBuffer{
		handle: d.nextHandle,
		words:  mem,
		size:   (uint64(len(mem))*4 + pageSize - 1) &^ (pageSize - 1),
	}
	d.nextHandle++
	d.buffers[b.handle] = b
	return b.handle
}

func (d *SimDevice) MapForCPU(h BufferHandle) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffer(h).words
}

// FlushBuffer is a barrier on real non-coherent hardware. The simulated
// engines read through the Go memory model, so there is nothing to flush.
func (d *SimDevice) FlushBuffer(h BufferHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer(h)
}

func (d *SimDevice) CloseBuffer(h BufferHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.buffer(h)
	if b.placed {
		for pg := b.addr; pg < b.addr+b.size; pg += pageSize {
			delete(d.pages, pg)
		}
	}
	delete(d.buffers, h)
}

func (d *SimDevice) buffer(h BufferHandle) *simBuffer {
	b, ok := d.buffers[h]
	if !ok {
		panic(fmt.Sprintf("gpudev: unknown buffer handle %d", h))
	}
	return b
}

func (d *SimDevice) ReserveAddress(size, align uint64) (uint64, error) {
	if align == 0 || align%pageSize != 0 {
		align = pageSize
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, err := d.findFree(size, align)
	if err != nil {
		return 0, err
	}
	for pg := addr; pg < addr+size; pg += pageSize {
		d.pages[pg] = reservedOwner
	}
	return addr, nil
}

// ReleaseAddress drops the reserved-page markers in [addr, addr+size). Pages
// claimed by a placement in the meantime keep their owner and are reclaimed
// through CloseBuffer instead.
func (d *SimDevice) ReleaseAddress(addr, size uint64) {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	for pg := addr; pg < addr+size; pg += pageSize {
		if d.pages[pg] == reservedOwner {
			delete(d.pages, pg)
		}
	}
}

func (d *SimDevice) findFree(size, align uint64) (uint64, error) {
	// The bump scan wraps to the aperture base once, so ranges released or
	// closed behind the bump pointer stay allocatable.
	for _, base := range [2]uint64{d.bump, pageSize} {
		addr := (base + align - 1) &^ (align - 1)
		for addr+size <= d.cfg.ApertureSize {
			if d.rangeFree(addr, size, 0) {
				d.bump = addr + size
				return addr, nil
			}
			addr += align
		}
	}
	return 0, fmt.Errorf("aperture exhausted reserving %#x bytes", size)
}

// rangeFree reports whether every page in [addr, addr+size) is unclaimed, or
// claimed by owner when owner is nonzero.
func (d *SimDevice) rangeFree(addr, size uint64, owner BufferHandle) bool {
	for pg := addr; pg < addr+size; pg += pageSize {
		o, claimed := d.pages[pg]
		if claimed && (owner == 0 || o != owner) {
			return false
		}
	}
	return true
}

func (d *SimDevice) place(b *simBuffer, obj *ExecObject) {
	if b.placed {
		if obj.Pinned && obj.Address != b.addr {
			panic(fmt.Sprintf("gpudev: buffer %d pinned at %#x but already placed at %#x",
				b.handle, obj.Address, b.addr))
		}
		obj.Address = b.addr
		return
	}
	addr := obj.Address
	switch {
	case obj.Pinned:
		if addr%pageSize != 0 || !d.rangeFree(addr, b.size, reservedOwner) {
			panic(fmt.Sprintf("gpudev: pinned address %#x unavailable for buffer %d", addr, b.handle))
		}
	case addr != 0 && addr%pageSize == 0 && d.rangeFree(addr, b.size, 0) && addr+b.size <= d.cfg.ApertureSize:
		// provisional hint honored
	default:
		var err error
		addr, err = d.findFree(b.size, pageSize)
		if err != nil {
			panic("gpudev: " + err.Error())
		}
	}
	for pg := addr; pg < addr+b.size; pg += pageSize {
		d.pages[pg] = b.handle
	}
	b.addr = addr
	b.placed = true
	obj.Address = addr
}

type submission struct {
	engine      *simEngine
	gen         isa.Generation
	batch       *simBuffer
	start       uint64
	snapshot    []uint32
	deps        []*Fence
	inFence     *Fence
	submitFence *Fence
	outFence    *Fence
	startFence  *Fence
}

func (d *SimDevice) Submit(req *SubmitRequest) Status {
	eng, ok := d.engines[req.Engine]
	if !ok {
		return StatusUnsupportedEngine
	}

	d.mu.Lock()
	objs := []*ExecObject{&req.Batch}
	for i := range req.Extra {
		objs = append(objs, &req.Extra[i])
	}
	var deps []*Fence
	for _, obj := range objs {
		b := d.buffer(obj.Handle)
		d.place(b, obj)
		if b.fence != nil && obj.Handle != req.Batch.Handle {
			deps = append(deps, b.fence)
		}
	}
	for _, obj := range objs {
		b := d.buffer(obj.Handle)
		for _, rel := range obj.Relocs {
			target := d.buffer(rel.Target)
			val := target.addr + rel.Delta
			idx := int(rel.Offset / 4)
			atomic.StoreUint32(&b.words[idx], uint32(val))
			if rel.Width == 2 {
				atomic.StoreUint32(&b.words[idx+1], uint32(val>>32))
			}
		}
	}
	batch := d.buffer(req.Batch.Handle)

	var snapshot []uint32
	if d.cfg.CmdParser {
		if st := d.validate(batch, req.StartOffset); st != StatusOK {
			d.mu.Unlock()
			d.log.Debug("submission rejected by command parser",
				zap.Stringer("engine", req.Engine), zap.Stringer("status", st))
			return st
		}
		snapshot = make([]uint32, len(batch.words))
		for i := range batch.words {
			snapshot[i] = atomic.LoadUint32(&batch.words[i])
		}
	}
	d.mu.Unlock()

	sub := &submission{
		engine:      eng,
		gen:         d.cfg.Generation,
		batch:       batch,
		start:       req.StartOffset,
		snapshot:    snapshot,
		deps:        deps,
		inFence:     req.InFence,
		submitFence: req.SubmitFence,
		outFence:    req.OutFence,
		startFence:  req.StartFence,
	}
	d.wg.Add(1)
	go d.run(sub)
	return StatusOK
}

// validate is the simulated command parser: a linear scan from the execution
// start that refuses any undefined instruction before the loop's backward
// branch. Nothing past an unconditional branch or end is reachable.
func (d *SimDevice) validate(batch *simBuffer, start uint64) Status {
	i := int(start / 4)
	for i < len(batch.words) {
		inst, ok := isa.Decode(d.cfg.Generation, atomic.LoadUint32(&batch.words[i]))
		if !ok {
			return StatusInvalidInstruction
		}
		i += inst.Len
		if inst.Op == isa.OpBatchBufferEnd || inst.Op == isa.OpBatchBufferStart {
			return StatusOK
		}
	}
	return StatusOK
}

func (d *SimDevice) run(sub *submission) {
	defer d.wg.Done()

	for _, f := range []*Fence{sub.submitFence, sub.inFence} {
		if f == nil {
			continue
		}
		select {
		case <-f.Done():
		case <-d.closed:
			return
		}
	}
	for _, f := range sub.deps {
		select {
		case <-f.Done():
		case <-d.closed:
			return
		}
	}

	sub.engine.active.Add(1)
	if sub.startFence != nil {
		sub.startFence.Signal()
	}
	d.interpret(sub)
	sub.engine.active.Add(-1)
	if sub.outFence != nil {
		sub.outFence.Signal()
	}
}

func (d *SimDevice) interpret(sub *submission) {
	fetch := func(idx int) uint32 {
		if sub.snapshot != nil {
			return sub.snapshot[idx]
		}
		return atomic.LoadUint32(&sub.batch.words[idx])
	}
	readAddr := func(idx, words int) uint64 {
		addr := uint64(fetch(idx))
		if words == 2 {
			addr |= uint64(fetch(idx+1)) << 32
		}
		return addr
	}

	end := sub.batch.addr + uint64(len(sub.batch.words))*4
	pc := int(sub.start / 4)
	for {
		select {
		case <-d.closed:
			return
		default:
		}
		if pc < 0 || pc >= len(sub.batch.words) {
			d.hang(sub)
			return
		}
		inst, ok := isa.Decode(sub.gen, fetch(pc))
		if !ok {
			d.hang(sub)
			return
		}
		switch inst.Op {
		case isa.OpNoop, isa.OpArbCheck:
			pc++
		case isa.OpBatchBufferEnd:
			return
		case isa.OpStoreImm:
			addr := readAddr(pc+1, inst.AddrWords)
			d.writeWord(addr, fetch(pc+1+inst.AddrWords))
			pc += inst.Len
		case isa.OpCondEnd:
			cmp := fetch(pc + 1)
			addr := readAddr(pc+2, inst.AddrWords)
			if d.readWord(addr) == cmp {
				return
			}
			pc += inst.Len
		case isa.OpBatchBufferStart:
			addr := readAddr(pc+1, inst.AddrWords)
			if isa.LowBitDelta(sub.gen) {
				addr &^= 1
			}
			if addr < sub.batch.addr || addr >= end {
				d.hang(sub)
				return
			}
			pc = int((addr - sub.batch.addr) / 4)
			time.Sleep(d.cfg.SpinDelay)
		}
	}
}

// hang parks a batch that fell off the rails. The engine stays busy until the
// simulated hang check fires and the scheduler kills the request.
func (d *SimDevice) hang(sub *submission) {
	d.log.Debug("batch hung, waiting for hang check",
		zap.Uint64("batch_addr", sub.batch.addr),
		zap.Duration("hangcheck", d.cfg.HangCheck))
	select {
	case <-time.After(d.cfg.HangCheck):
	case <-d.closed:
	}
}

// readWord reads a dword at a GPU address through the live address space.
// Conditional ends read here even when executing from a parser snapshot.
func (d *SimDevice) readWord(addr uint64) uint32 {
	b, idx := d.resolve(addr)
	if b == nil {
		return 0
	}
	return atomic.LoadUint32(&b.words[idx])
}

func (d *SimDevice) writeWord(addr uint64, v uint32) {
	b, idx := d.resolve(addr)
	if b == nil {
		return
	}
	atomic.StoreUint32(&b.words[idx], v)
}

func (d *SimDevice) resolve(addr uint64) (*simBuffer, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[d.pages[addr&^uint64(pageSize-1)]]
	if !ok || !b.placed || addr < b.addr || addr >= b.addr+b.size {
		return nil, 0
	}
	return b, int((addr - b.addr) / 4)
}

func (d *SimDevice) CreateFence() *Fence { return NewFence() }

func (d *SimDevice) ImportFenceBuffer() (BufferHandle, *Fence) {
	h := d.CreateBuffer(pageSize)
	f := NewFence()
	d.mu.Lock()
	d.buffer(h).fence = f
	d.mu.Unlock()
	return h, f
}

func (d *SimDevice) SignalFence(f *Fence) { f.Signal() }

func (d *SimDevice) CreateTimeline() *Timeline { return NewTimeline() }

func (d *SimDevice) EngineBusy(e Engine) bool {
	eng, ok := d.engines[e]
	return ok && eng.active.Load() > 0
}

// Close tears the device down: pending and running submissions stop and Close
// blocks until their goroutines exit.
func (d *SimDevice) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	d.wg.Wait()
}
