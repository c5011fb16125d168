// Package stress drives multi-spinner load scenarios: it saturates a set of
// engines with spin batches, measures how quickly they provably start, ends
// them on staggered deadlines and summarizes the run.
package stress

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/gpuload/internal/gpudev"
	"github.com/fxnlabs/gpuload/internal/metrics"
	"github.com/fxnlabs/gpuload/internal/reloc"
	"github.com/fxnlabs/gpuload/internal/spin"
)

// Config shapes one stress run.
type Config struct {
	// Count is the number of spinners per engine.
	Count int
	// Engines to load; empty means every engine the device exposes.
	Engines []gpudev.Engine
	// Timeout is the deadline handed to each spinner's timeout monitor.
	// Zero disables the monitors and the run ends the spinners itself.
	Timeout time.Duration
	// Poll submits the spinners in poll mode so starts are observed from
	// the sentinel rather than engine-busy status.
	Poll bool
	// AddressMode selects the spinners' addressing strategy.
	AddressMode reloc.Mode
}

// Result summarizes a stress run. Latencies are submission-to-started, in
// milliseconds.
type Result struct {
	Spinners int
	Engines  int
	MeanMs   float64
	StdDevMs float64
	MedianMs float64
	P99Ms    float64
	MaxMs    float64
	Elapsed  time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("%d spinners on %d engines: start latency mean=%.3fms stddev=%.3fms median=%.3fms p99=%.3fms max=%.3fms elapsed=%s",
		r.Spinners, r.Engines, r.MeanMs, r.StdDevMs, r.MedianMs, r.P99Ms, r.MaxMs, r.Elapsed)
}

// Run executes the scenario against a device, registering every spinner with
// the given registry so an interrupted run still drains cleanly.
func Run(dev gpudev.Device, reg *spin.Registry, log *zap.Logger, cfg Config) (*Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("stress")
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	engines := cfg.Engines
	if len(engines) == 0 {
		engines = dev.Engines()
	}

	flags := spin.FlagFenceOut
	if cfg.Poll {
		flags |= spin.FlagPollMode
	}

	begin := time.Now()
	var spinners []*spin.Spinner
	var latencies []float64
	for _, eng := range engines {
		for i := 0; i < cfg.Count; i++ {
			submitted := time.Now()
			s, err := spin.New(dev, log, spin.Options{
				Engine:      eng,
				Flags:       flags,
				AddressMode: cfg.AddressMode,
				Registry:    reg,
			})
			if err != nil {
				for _, prev := range spinners {
					prev.Free()
				}
				return nil, fmt.Errorf("spin %d on %s: %w", i, eng, err)
			}
			s.BusyWaitUntilStarted()
			ms := float64(time.Since(submitted).Microseconds()) / 1000
			latencies = append(latencies, ms)
			metrics.SpinStartLatency.Observe(ms)
			if cfg.Timeout > 0 {
				// Staggered deadlines keep the drain from being one
				// thundering herd.
				s.SetTimeout(cfg.Timeout + time.Duration(i)*time.Millisecond)
			}
			spinners = append(spinners, s)
		}
	}
	log.Info("all spinners running",
		zap.Int("spinners", len(spinners)),
		zap.Int("engines", len(engines)))

	if cfg.Timeout == 0 {
		for _, s := range spinners {
			s.End()
		}
	}
	for _, s := range spinners {
		s.OutFence().Wait(-1)
	}
	for _, s := range spinners {
		s.Free()
	}

	sort.Float64s(latencies)
	mean, std := stat.MeanStdDev(latencies, nil)
	res := &Result{
		Spinners: len(spinners),
		Engines:  len(engines),
		MeanMs:   mean,
		StdDevMs: std,
		MedianMs: stat.Quantile(0.5, stat.Empirical, latencies, nil),
		P99Ms:    stat.Quantile(0.99, stat.Empirical, latencies, nil),
		MaxMs:    latencies[len(latencies)-1],
		Elapsed:  time.Since(begin),
	}
	return res, nil
}
