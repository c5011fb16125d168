package main

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/gpuload/internal/config"
	"github.com/fxnlabs/gpuload/internal/gpudev"
	"github.com/fxnlabs/gpuload/internal/isa"
	"github.com/fxnlabs/gpuload/internal/reloc"
)

func TestDeviceConfig(t *testing.T) {
	cfg := config.Default()
	simCfg, err := deviceConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, isa.Gen9, simCfg.Generation)
	assert.Equal(t, []gpudev.Engine{gpudev.EngineRender, gpudev.EngineCopy}, simCfg.Engines)
	assert.Equal(t, uint64(4096)<<20, simCfg.ApertureSize)
	assert.True(t, simCfg.Coherent)
}

func TestDeviceConfigRejectsUnknownGeneration(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Generation = 1
	_, err := deviceConfig(cfg)
	require.ErrorIs(t, err, isa.ErrUnsupportedGeneration)
}

func TestDeviceConfigRejectsUnknownEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Engines = []string{"render", "tessellate"}
	_, err := deviceConfig(cfg)
	require.Error(t, err)
}

func TestAddressMode(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, reloc.ModePatched, addressMode(cfg))
	cfg.Spin.AddressMode = "explicit"
	assert.Equal(t, reloc.ModeExplicit, addressMode(cfg))
}

func spinFlagSet(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	fs := flag.NewFlagSet("spin", flag.ContinueOnError)
	fs.Int("count", 4, "")
	fs.Duration("timeout", 0, "")
	fs.String("engine", "", "")
	fs.Bool("poll", false, "")
	require.NoError(t, fs.Parse(args))
	return cli.NewContext(nil, fs, nil)
}

func TestScenarioConfigTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Spin.DefaultTimeout = 7 * time.Second

	scenario, err := scenarioConfig(spinFlagSet(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, scenario.Timeout, "config supplies the default deadline")

	scenario, err = scenarioConfig(spinFlagSet(t, "-timeout", "1s"), cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, scenario.Timeout, "the flag overrides the config")

	scenario, err = scenarioConfig(spinFlagSet(t, "-timeout", "0s"), cfg)
	require.NoError(t, err)
	assert.Zero(t, scenario.Timeout, "an explicit zero disables the monitors")
}

func TestScenarioConfigEngine(t *testing.T) {
	cfg := config.Default()

	scenario, err := scenarioConfig(spinFlagSet(t, "-engine", "copy"), cfg)
	require.NoError(t, err)
	assert.Equal(t, []gpudev.Engine{gpudev.EngineCopy}, scenario.Engines)

	_, err = scenarioConfig(spinFlagSet(t, "-engine", "tessellate"), cfg)
	require.Error(t, err)
}
