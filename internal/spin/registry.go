package spin

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpuload/internal/metrics"
)

// Registry is a mutex-guarded ordered set of live spinners, enabling mass
// cancellation on teardown. Registration is optional; detached spinners are
// entirely their creator's responsibility. All operations go through an
// explicit handle so tests can substitute a local registry; Default is only
// process-wide sugar over the same type.
type Registry struct {
	mu       sync.Mutex
	spinners []*Spinner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, installed on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
	})
	return defaultReg
}

// Register adds a spinner to the auto-cleanup set.
func (r *Registry) Register(s *Spinner) {
	if s.State() == StateFreed {
		panic("spin: register of freed spinner")
	}
	r.mu.Lock()
	r.spinners = append(r.spinners, s)
	r.mu.Unlock()
	s.setRegistry(r)
}

// Detach removes a spinner from the auto-cleanup set. Missing membership is
// tolerated so Detach and a concurrent drain cannot trip each other.
func (r *Registry) Detach(s *Spinner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.spinners {
		if cur == s {
			r.spinners = append(r.spinners[:i], r.spinners[i+1:]...)
			return
		}
	}
}

// Len reports current membership.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spinners)
}

// TerminateAll ends every registered spinner without reclaiming anything.
// The mutex is held across the sweep so no member can be freed mid-iteration;
// End itself is idempotent and safe against concurrent callers.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.spinners {
		s.end(metrics.ReasonDrain)
	}
}

// FreeAll ends and reclaims every registered spinner and clears the registry.
func (r *Registry) FreeAll() {
	r.mu.Lock()
	list := r.spinners
	r.spinners = nil
	r.mu.Unlock()
	for _, s := range list {
		s.takeRegistry()
		s.Free()
	}
}

var signalOnce sync.Once

// InstallSignalHandlers arranges for the default registry to be drained when
// the process receives SIGINT or SIGTERM, so no engine is left busy past the
// process lifetime. The signal is re-raised with the default disposition
// afterwards.
func InstallSignalHandlers(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-ch
			log.Warn("terminating spinners on signal", zap.String("signal", sig.String()))
			Default().TerminateAll()
			signal.Stop(ch)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		}()
	})
}
