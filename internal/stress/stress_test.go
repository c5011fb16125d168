package stress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpuload/internal/gpudev"
	"github.com/fxnlabs/gpuload/internal/spin"
)

func testDevice(t *testing.T) *gpudev.SimDevice {
	t.Helper()
	cfg := gpudev.DefaultSimConfig()
	cfg.SpinDelay = 5 * time.Microsecond
	d := gpudev.NewSimDevice(cfg, zap.NewNop())
	t.Cleanup(d.Close)
	return d
}

func TestRunExplicitEnd(t *testing.T) {
	dev := testDevice(t)
	reg := spin.NewRegistry()

	res, err := Run(dev, reg, zap.NewNop(), Config{Count: 3, Poll: true})
	require.NoError(t, err)

	assert.Equal(t, 6, res.Spinners, "3 spinners on each of 2 engines")
	assert.Equal(t, 2, res.Engines)
	assert.Equal(t, 0, reg.Len(), "run must drain its registry")
	assert.GreaterOrEqual(t, res.MaxMs, res.MedianMs)
	assert.Greater(t, res.Elapsed, time.Duration(0))
	assert.NotEmpty(t, res.String())

	assert.False(t, dev.EngineBusy(gpudev.EngineRender))
	assert.False(t, dev.EngineBusy(gpudev.EngineCopy))
}

func TestRunWithTimeouts(t *testing.T) {
	dev := testDevice(t)
	reg := spin.NewRegistry()

	begin := time.Now()
	res, err := Run(dev, reg, zap.NewNop(), Config{
		Count:   2,
		Engines: []gpudev.Engine{gpudev.EngineRender},
		Timeout: 50 * time.Millisecond,
		Poll:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Spinners)
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond,
		"the run cannot finish before the deadlines fire")
	assert.False(t, dev.EngineBusy(gpudev.EngineRender))
}

func TestRunRejectsBadEngine(t *testing.T) {
	dev := testDevice(t)
	_, err := Run(dev, spin.NewRegistry(), zap.NewNop(), Config{
		Count:   1,
		Engines: []gpudev.Engine{gpudev.EngineVideoEnhance},
	})
	require.Error(t, err)
	var se *spin.SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, gpudev.StatusUnsupportedEngine, se.Status)
}
