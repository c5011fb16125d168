// Package spin submits synthetic, self-looping GPU workloads and manages
// their lifecycle: submission, started-detection, idempotent ending, reset
// and reuse, timeouts and process-wide cleanup.
//
// A Spinner is exclusively owned by its creator; End and Reset on the same
// spinner require external synchronization between threads, though distinct
// spinners are independent. Expected driver rejections surface as a
// SubmitError carrying the exact status; invalid state transitions and use of
// a freed spinner are caller bugs and panic.
package spin

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpuload/internal/gpudev"
	"github.com/fxnlabs/gpuload/internal/isa"
	"github.com/fxnlabs/gpuload/internal/metrics"
	"github.com/fxnlabs/gpuload/internal/reloc"
)

// Flags tune a spinner's encoding and submission.
type Flags uint32

const (
	// FlagNoPreemption omits the arbitration checkpoint so the loop cannot
	// be preempted.
	FlagNoPreemption Flags = 1 << iota
	// FlagFenceOut exposes a fence signaled when the batch retires.
	FlagFenceOut
	// FlagFenceIn gates execution start on the dependency's fence.
	FlagFenceIn
	// FlagFenceSubmit orders the start after the sibling in Options.After.
	FlagFenceSubmit
	// FlagPollMode emits the started sentinel store, enabling
	// BusyWaitUntilStarted to observe true execution.
	FlagPollMode
	// FlagFast tightens the loop by dropping the arbitration checkpoint.
	FlagFast
	// FlagInvalidInstruction plants an undefined opcode for negative tests.
	FlagInvalidInstruction
	// FlagUserBacked backs the batch with caller-allocated memory instead
	// of a device allocation.
	FlagUserBacked
)

// Has reports whether all bits in x are set.
func (f Flags) Has(x Flags) bool { return f&x == x }

// State is a spinner's lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateEnding
	StateEnded
	StateFreed
)

var stateNames = map[State]string{
	StateCreated: "created",
	StateRunning: "running",
	StateEnding:  "ending",
	StateEnded:   "ended",
	StateFreed:   "freed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SubmitError is a driver-reported rejection. Negative tests assert on the
// exact status; anything unexpected is the caller's to escalate.
type SubmitError struct {
	Status gpudev.Status
}

func (e *SubmitError) Error() string {
	return "submission " + e.Status.String()
}

// Options configures a spinner at creation time.
type Options struct {
	Engine gpudev.Engine
	Ctx    uint32
	Flags  Flags

	// Dependency is a buffer and/or fence the batch is ordered against.
	// Required when FlagFenceIn is set.
	Dependency gpudev.Dependency

	// After is the sibling whose start this submission is ordered behind.
	// Required when FlagFenceSubmit is set.
	After *Spinner

	// AddressMode selects explicit reservation or relocation patching.
	AddressMode reloc.Mode
	// Seed pins the provisional-address sequence; zero derives one from
	// the clock.
	Seed int64

	// Timeout arms the timeout monitor immediately when positive.
	Timeout time.Duration

	// Registry overrides the process default; Detached skips registration
	// entirely and leaves cleanup wholly to the caller.
	Registry *Registry
	Detached bool
}

// Spinner owns one self-looping batch buffer and its submission state.
type Spinner struct {
	dev  gpudev.Device
	log  *zap.Logger
	opts Options

	prog    isa.Program
	handle  gpudev.BufferHandle
	words   []uint32
	userMem []uint32

	addr      uint64
	pinned    bool
	placedYet bool

	started *gpudev.Fence
	retire  *gpudev.Fence

	state atomic.Int32

	mu          sync.Mutex
	reg         *Registry
	timer       *time.Timer
	timerCancel chan struct{}
	timerWG     sync.WaitGroup
}

// New encodes, places and submits a spinner. On a driver rejection the
// buffer is reclaimed and the error is a *SubmitError with the exact status.
func New(dev gpudev.Device, log *zap.Logger, opts Options) (*Spinner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Flags.Has(FlagFenceIn) && opts.Dependency.Fence == nil {
		panic("spin: FlagFenceIn requires a dependency fence")
	}
	if opts.Flags.Has(FlagFenceSubmit) && opts.After == nil {
		panic("spin: FlagFenceSubmit requires a sibling in Options.After")
	}

	prog, err := isa.Encode(dev.Generation(), isa.Options{
		Poll:               opts.Flags.Has(FlagPollMode),
		CondEnd:            dev.CmdParser(),
		NoPreempt:          opts.Flags.Has(FlagNoPreemption),
		Fast:               opts.Flags.Has(FlagFast),
		InvalidInstruction: opts.Flags.Has(FlagInvalidInstruction),
	})
	if err != nil {
		return nil, err
	}

	s := &Spinner{
		dev:  dev,
		log:  log.Named("spin"),
		opts: opts,
		prog: prog,
	}
	if opts.Flags.Has(FlagUserBacked) {
		s.userMem = make([]uint32, isa.ProgramWords)
		s.handle = dev.CreateUserBuffer(s.userMem)
	} else {
		s.handle = dev.CreateBuffer(isa.BatchSize)
	}
	s.words = dev.MapForCPU(s.handle)

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	pl, err := reloc.New(opts.AddressMode, dev.ApertureSize(), seed).Place(dev, isa.BatchSize)
	if err != nil {
		dev.CloseBuffer(s.handle)
		return nil, err
	}
	s.addr, s.pinned = pl.Address, pl.Pinned

	s.loadProgram()
	if st := s.submit(); st != gpudev.StatusOK {
		if s.pinned {
			// A rejection can precede placement, leaving the explicit
			// reservation unclaimed; hand it back.
			dev.ReleaseAddress(s.addr, isa.BatchSize)
		}
		dev.CloseBuffer(s.handle)
		return nil, &SubmitError{Status: st}
	}

	metrics.ActiveSpinners.Inc()
	metrics.SpinnersStarted.Inc()
	if !opts.Detached {
		reg := opts.Registry
		if reg == nil {
			reg = Default()
		}
		reg.Register(s)
	}
	if opts.Timeout > 0 {
		s.SetTimeout(opts.Timeout)
	}
	s.log.Debug("spinner submitted",
		zap.Stringer("engine", opts.Engine),
		zap.Stringer("mode", opts.AddressMode),
		zap.Uint64("addr", s.addr))
	return s, nil
}

// loadProgram copies the encoded words into the mapped buffer. Explicit
// addressing writes the absolute addresses directly; patched mode leaves the
// slots zero for the submission layer.
func (s *Spinner) loadProgram() {
	for i, w := range s.prog.Words {
		atomic.StoreUint32(&s.words[i], w)
	}
	if s.pinned {
		for _, slot := range s.prog.Relocs {
			val := s.addr + uint64(slot.Delta)
			idx := slot.Offset / 4
			atomic.StoreUint32(&s.words[idx], uint32(val))
			if slot.Width == 2 {
				atomic.StoreUint32(&s.words[idx+1], uint32(val>>32))
			}
		}
	}
	if !s.dev.Coherent() {
		s.dev.FlushBuffer(s.handle)
	}
}

func (s *Spinner) submit() gpudev.Status {
	req := &gpudev.SubmitRequest{
		Engine:      s.opts.Engine,
		Ctx:         s.opts.Ctx,
		StartOffset: uint64(s.prog.StartOffset),
		Batch: gpudev.ExecObject{
			Handle:  s.handle,
			Address: s.addr,
			Pinned:  s.pinned,
		},
	}
	if !s.pinned {
		req.Batch.Relocs = reloc.BatchRelocs(s.prog.Relocs, s.handle)
	}
	if dep := s.opts.Dependency; dep.Handle != 0 {
		req.Extra = append(req.Extra, gpudev.ExecObject{Handle: dep.Handle})
		if !s.pinned {
			// Dummy write into the padding orders the batch after any
			// work on the dependency buffer.
			req.Batch.Relocs = append(req.Batch.Relocs, gpudev.Reloc{
				Target: dep.Handle,
				Offset: isa.DepRelocOffset,
				Width:  1,
				Write:  true,
			})
		}
	}
	if s.opts.Flags.Has(FlagFenceIn) {
		req.InFence = s.opts.Dependency.Fence
	}
	if s.opts.Flags.Has(FlagFenceSubmit) {
		req.SubmitFence = s.opts.After.StartFence()
	}
	s.started = s.dev.CreateFence()
	req.StartFence = s.started
	s.retire = s.dev.CreateFence()
	req.OutFence = s.retire

	st := s.dev.Submit(req)
	metrics.SubmissionsTotal.WithLabelValues(st.String()).Inc()
	if st != gpudev.StatusOK {
		return st
	}

	if !s.placedYet {
		s.addr = req.Batch.Address
		s.placedYet = true
	} else if err := reloc.Verify(s.addr, req.Batch.Address, s.pinned); err != nil {
		panic("spin: " + err.Error())
	}
	s.state.Store(int32(StateRunning))
	return gpudev.StatusOK
}

// State returns the spinner's lifecycle position.
func (s *Spinner) State() State { return State(s.state.Load()) }

// Address returns the batch's GPU address, stable for the spinner's lifetime.
func (s *Spinner) Address() uint64 { return s.addr }

// Engine returns the engine the spinner was submitted to.
func (s *Spinner) Engine() gpudev.Engine { return s.opts.Engine }

// CondWord reads back the condition word.
func (s *Spinner) CondWord() uint32 {
	return atomic.LoadUint32(&s.words[s.prog.CondOffset/4])
}

// OutFence returns the completion fence. Only spinners created with
// FlagFenceOut expose it.
func (s *Spinner) OutFence() *gpudev.Fence {
	if !s.opts.Flags.Has(FlagFenceOut) {
		panic("spin: spinner created without FlagFenceOut")
	}
	return s.retire
}

// StartFence returns the fence signaled when the batch truly starts; sibling
// submissions use it for submit-fence ordering.
func (s *Spinner) StartFence() *gpudev.Fence { return s.started }

// End overwrites the condition word with the terminator, flushing on
// non-coherent devices so the write is visible before any completion fence
// can signal. Idempotent; safe to call concurrently with a registry drain.
func (s *Spinner) End() { s.end(metrics.ReasonManual) }

func (s *Spinner) end(reason string) {
	for {
		switch st := s.State(); st {
		case StateFreed:
			panic("spin: end of freed spinner")
		case StateEnded:
			// Rewriting the terminator twice is safe.
			s.writeTerminator()
			return
		case StateEnding:
			// A concurrent end is mid-write; let it finish.
			runtime.Gosched()
		default:
			if s.state.CompareAndSwap(int32(st), int32(StateEnding)) {
				s.writeTerminator()
				s.state.Store(int32(StateEnded))
				metrics.SpinnersEnded.WithLabelValues(reason).Inc()
				return
			}
		}
	}
}

func (s *Spinner) writeTerminator() {
	atomic.StoreUint32(&s.words[s.prog.CondOffset/4], isa.Terminator())
	if !s.dev.Coherent() {
		s.dev.FlushBuffer(s.handle)
	}
}

// Reset rewrites the condition word back to its loop value and clears the
// poll sentinel, making the buffer reusable without reallocation. The spinner
// must be ended; Reset waits for the previous submission to retire so the
// restored loop value cannot revive it.
func (s *Spinner) Reset() {
	if st := s.State(); st != StateEnded {
		panic(fmt.Sprintf("spin: reset requires an ended spinner, got %s", st))
	}
	s.retire.Wait(-1)
	atomic.StoreUint32(&s.words[s.prog.CondOffset/4], s.prog.CondRunning)
	if s.prog.PollOffset >= 0 {
		atomic.StoreUint32(&s.words[s.prog.PollOffset/4], 0)
	}
	if !s.dev.Coherent() {
		s.dev.FlushBuffer(s.handle)
	}
	s.state.Store(int32(StateCreated))
}

// Resubmit issues the reset buffer again, behaviorally equivalent to a fresh
// spinner. Precondition: Reset has run.
func (s *Spinner) Resubmit() error {
	if st := s.State(); st != StateCreated {
		panic(fmt.Sprintf("spin: resubmit requires a reset spinner, got %s", st))
	}
	if st := s.submit(); st != gpudev.StatusOK {
		return &SubmitError{Status: st}
	}
	metrics.SpinnersStarted.Inc()
	return nil
}

// BusyWaitUntilStarted spins until execution has provably begun: on the poll
// sentinel when FlagPollMode is set, otherwise on the engine-busy status. It
// deliberately busy-polls to bound observation latency; callers wanting a
// CPU-friendly wait should block on a fence instead.
func (s *Spinner) BusyWaitUntilStarted() {
	if s.State() == StateFreed {
		panic("spin: busy-wait on freed spinner")
	}
	if s.prog.PollOffset >= 0 {
		idx := s.prog.PollOffset / 4
		for atomic.LoadUint32(&s.words[idx]) != isa.PollStarted {
			runtime.Gosched()
		}
		return
	}
	for !s.dev.EngineBusy(s.opts.Engine) {
		runtime.Gosched()
	}
}

// SetTimeout arms the timeout monitor: a background task that force-ends the
// spinner once the deadline expires. At most one monitor per spinner.
func (s *Spinner) SetTimeout(d time.Duration) {
	if d <= 0 {
		panic("spin: timeout must be positive")
	}
	if s.State() == StateFreed {
		panic("spin: set timeout on freed spinner")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerCancel != nil {
		panic("spin: timeout monitor already armed")
	}
	t := time.NewTimer(d)
	cancel := make(chan struct{})
	s.timer, s.timerCancel = t, cancel
	s.timerWG.Add(1)
	go func() {
		defer s.timerWG.Done()
		select {
		case <-t.C:
			metrics.TimeoutsFired.Inc()
			s.end(metrics.ReasonTimeout)
			s.log.Debug("timeout monitor ended spinner", zap.Duration("deadline", d))
		case <-cancel:
		}
	}()
}

func (s *Spinner) cancelTimeout() {
	s.mu.Lock()
	t, cancel := s.timer, s.timerCancel
	s.timer, s.timerCancel = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	close(cancel)
	t.Stop()
	s.timerWG.Wait()
}

// Detach removes the spinner from its registry; ending and freeing it become
// the caller's sole responsibility. Used to hand a spinner off, e.g. to a
// child process that inherits cleanup duty.
func (s *Spinner) Detach() {
	if reg := s.takeRegistry(); reg != nil {
		reg.Detach(s)
	}
}

func (s *Spinner) takeRegistry() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.reg
	s.reg = nil
	return reg
}

func (s *Spinner) setRegistry(r *Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg = r
}

// Free ends the spinner, cancels and joins its timeout monitor, waits for the
// batch to retire and reclaims the buffer. FREED is terminal; any further
// operation panics.
func (s *Spinner) Free() {
	if s.State() == StateFreed {
		panic("spin: double free")
	}
	s.cancelTimeout()
	s.end(metrics.ReasonManual)
	if reg := s.takeRegistry(); reg != nil {
		reg.Detach(s)
	}
	if s.retire != nil {
		if st := s.retire.Wait(10 * time.Second); st != gpudev.StatusOK {
			s.log.Warn("batch did not retire before free", zap.Stringer("status", st))
		}
	}
	s.dev.CloseBuffer(s.handle)
	s.state.Store(int32(StateFreed))
	metrics.ActiveSpinners.Dec()
}
