//go:build integration
// +build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpuload/internal/cork"
	"github.com/fxnlabs/gpuload/internal/gpudev"
	"github.com/fxnlabs/gpuload/internal/logger"
	"github.com/fxnlabs/gpuload/internal/spin"
	"github.com/fxnlabs/gpuload/internal/stress"
)

func newTestApp(t *testing.T, mut func(*gpudev.SimConfig)) (gpudev.Device, *spin.Registry, *zap.Logger, *fxtest.App) {
	t.Helper()

	var (
		dev gpudev.Device
		reg *spin.Registry
		log *zap.Logger
	)
	app := fxtest.New(t,
		fx.Provide(
			func() (*zap.Logger, error) {
				return logger.New("debug")
			},
			func(lc fx.Lifecycle, log *zap.Logger) gpudev.Device {
				cfg := gpudev.DefaultSimConfig()
				cfg.SpinDelay = 5 * time.Microsecond
				if mut != nil {
					mut(&cfg)
				}
				d := gpudev.NewSimDevice(cfg, log)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						d.Close()
						return nil
					},
				})
				return d
			},
			// Depends on the device so shutdown frees spinners first.
			func(lc fx.Lifecycle, _ gpudev.Device) *spin.Registry {
				r := spin.NewRegistry()
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						r.FreeAll()
						return nil
					},
				})
				return r
			},
		),
		fx.Populate(&dev, &reg, &log),
	)
	app.RequireStart()
	return dev, reg, log, app
}

func TestSpinnerLifecycle_EndToEnd(t *testing.T) {
	dev, reg, log, app := newTestApp(t, nil)
	defer app.RequireStop()

	// A corked spinner must not touch the engine until the cork is pulled.
	c := cork.NewTimelineCork()
	dep := c.Plug(dev)

	corked, err := spin.New(dev, log, spin.Options{
		Engine:     gpudev.EngineRender,
		Flags:      spin.FlagPollMode | spin.FlagFenceIn | spin.FlagFenceOut,
		Dependency: dep,
		Registry:   reg,
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, dev.EngineBusy(gpudev.EngineRender))

	c.Unplug(dev)
	corked.BusyWaitUntilStarted()
	assert.True(t, dev.EngineBusy(gpudev.EngineRender))

	// The timeout monitor tears it down without further help.
	corked.SetTimeout(50 * time.Millisecond)
	require.Equal(t, gpudev.StatusOK, corked.OutFence().Wait(2*time.Second))
	require.Eventually(t, func() bool {
		return !dev.EngineBusy(gpudev.EngineRender)
	}, time.Second, time.Millisecond)
	assert.Equal(t, spin.StateEnded, corked.State())

	// A full reuse cycle on the same buffer and address.
	addr := corked.Address()
	corked.Reset()
	require.NoError(t, corked.Resubmit())
	corked.BusyWaitUntilStarted()
	assert.Equal(t, addr, corked.Address())
	corked.End()
	corked.Free()
	assert.Equal(t, 0, reg.Len())
}

func TestSpinnerLifecycle_StressAcrossEngines(t *testing.T) {
	dev, reg, log, app := newTestApp(t, nil)
	defer app.RequireStop()

	res, err := stress.Run(dev, reg, log, stress.Config{
		Count:   4,
		Timeout: 100 * time.Millisecond,
		Poll:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, 8, res.Spinners)
	assert.Equal(t, 2, res.Engines)
	assert.Equal(t, 0, reg.Len())
	for _, eng := range dev.Engines() {
		assert.False(t, dev.EngineBusy(eng))
	}
	t.Log(res)
}

func TestSpinnerLifecycle_CmdParserDevice(t *testing.T) {
	dev, reg, log, app := newTestApp(t, func(c *gpudev.SimConfig) {
		c.CmdParser = true
		c.Coherent = false
	})
	defer app.RequireStop()

	s, err := spin.New(dev, log, spin.Options{
		Engine:   gpudev.EngineRender,
		Flags:    spin.FlagPollMode | spin.FlagFenceOut,
		Registry: reg,
	})
	require.NoError(t, err)

	s.BusyWaitUntilStarted()
	s.End()
	assert.Equal(t, gpudev.StatusOK, s.OutFence().Wait(2*time.Second),
		"end must reach the executing copy through the condition word")
	s.Free()
}

func TestSpinnerLifecycle_StopDrainsRegistry(t *testing.T) {
	dev, reg, log, app := newTestApp(t, nil)

	for i := 0; i < 3; i++ {
		s, err := spin.New(dev, log, spin.Options{
			Engine:   gpudev.EngineRender,
			Flags:    spin.FlagPollMode,
			Registry: reg,
		})
		require.NoError(t, err)
		s.BusyWaitUntilStarted()
	}
	require.Equal(t, 3, reg.Len())

	// Shutdown frees every registered spinner before the device closes.
	app.RequireStop()
	assert.Equal(t, 0, reg.Len())
}
