package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpuload/internal/config"
	"github.com/fxnlabs/gpuload/internal/gpudev"
	"github.com/fxnlabs/gpuload/internal/isa"
	"github.com/fxnlabs/gpuload/internal/reloc"
	"github.com/fxnlabs/gpuload/internal/spin"
	"github.com/fxnlabs/gpuload/internal/stress"
)

// deviceConfig translates the YAML device section into a simulated-device
// configuration.
func deviceConfig(cfg *config.Config) (gpudev.SimConfig, error) {
	gen := isa.Generation(cfg.Device.Generation)
	if !gen.Supported() {
		return gpudev.SimConfig{}, fmt.Errorf("device.generation: %w: %s", isa.ErrUnsupportedGeneration, gen)
	}
	var engines []gpudev.Engine
	for _, name := range cfg.Device.Engines {
		e, err := gpudev.ParseEngine(name)
		if err != nil {
			return gpudev.SimConfig{}, fmt.Errorf("device.engines: %w", err)
		}
		engines = append(engines, e)
	}
	return gpudev.SimConfig{
		Generation:   gen,
		Engines:      engines,
		ApertureSize: uint64(cfg.Device.ApertureMB) << 20,
		Coherent:     cfg.Device.Coherent,
		CmdParser:    cfg.Device.CmdParser,
		HangCheck:    cfg.Device.HangCheck,
	}, nil
}

func addressMode(cfg *config.Config) reloc.Mode {
	if cfg.Spin.AddressMode == "explicit" {
		return reloc.ModeExplicit
	}
	return reloc.ModePatched
}

// scenarioConfig merges the spin command's flags over the config file's spin
// section. The config supplies the deadline unless --timeout is given.
func scenarioConfig(c *cli.Context, cfg *config.Config) (stress.Config, error) {
	scenario := stress.Config{
		Count:       c.Int("count"),
		Timeout:     c.Duration("timeout"),
		Poll:        c.Bool("poll") || cfg.Spin.Poll,
		AddressMode: addressMode(cfg),
	}
	if !c.IsSet("timeout") {
		scenario.Timeout = cfg.Spin.DefaultTimeout
	}
	if name := c.String("engine"); name != "" {
		e, err := gpudev.ParseEngine(name)
		if err != nil {
			return stress.Config{}, err
		}
		scenario.Engines = []gpudev.Engine{e}
	}
	return scenario, nil
}

func newDevice(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (gpudev.Device, error) {
	simCfg, err := deviceConfig(cfg)
	if err != nil {
		return nil, err
	}
	dev := gpudev.NewSimDevice(simCfg, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			dev.Close()
			return nil
		},
	})
	return dev, nil
}

// newRegistry depends on the device so fx frees spinners before closing it.
func newRegistry(lc fx.Lifecycle, _ gpudev.Device, log *zap.Logger) *spin.Registry {
	reg := spin.Default()
	spin.InstallSignalHandlers(log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			reg.FreeAll()
			return nil
		},
	})
	return reg
}

func spinCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "spin",
		Usage: "Saturate engines with spin batches and report start latencies",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Value: 4, Usage: "spinners per engine"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-spinner deadline, defaulting to spin.defaultTimeout; 0 ends them explicitly"},
			&cli.StringFlag{Name: "engine", Usage: "load a single engine instead of all"},
			&cli.BoolFlag{Name: "poll", Usage: "detect starts from the poll sentinel"},
		},
		Action: func(c *cli.Context) error {
			rootLogger := (*log).Named("spin")
			figure.NewFigure("gpuload", "", true).Print()

			scenario, err := scenarioConfig(c, *cfg)
			if err != nil {
				return err
			}

			if listen := (*cfg).Metrics.Listen; listen != "" {
				http.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(listen, nil); err != nil {
						rootLogger.Error("metrics endpoint failed", zap.Error(err))
					}
				}()
				rootLogger.Info("serving metrics", zap.String("listen", listen))
			}

			var (
				dev gpudev.Device
				reg *spin.Registry
			)
			app := fx.New(
				fx.NopLogger,
				fx.Supply(*cfg),
				fx.Provide(
					func() *zap.Logger { return rootLogger },
					newDevice,
					newRegistry,
				),
				fx.Populate(&dev, &reg),
			)
			if err := app.Start(c.Context); err != nil {
				return err
			}
			defer app.Stop(context.Background())

			result, err := stress.Run(dev, reg, rootLogger, scenario)
			if err != nil {
				return err
			}
			rootLogger.Info("stress run complete", zap.String("result", result.String()))
			fmt.Println(result)
			return nil
		},
	}
}

func describeCommand(cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "describe",
		Usage: "Show supported generations and the configured device",
		Action: func(c *cli.Context) error {
			fmt.Println("supported generations:")
			for _, g := range isa.SupportedGenerations() {
				fmt.Printf("  %s\n", g)
			}
			fmt.Printf("configured device: gen%d engines=%v aperture=%dMB coherent=%v cmdParser=%v\n",
				(*cfg).Device.Generation, (*cfg).Device.Engines, (*cfg).Device.ApertureMB,
				(*cfg).Device.Coherent, (*cfg).Device.CmdParser)
			fmt.Printf("address mode: %s\n", addressMode(*cfg))
			return nil
		},
	}
}
