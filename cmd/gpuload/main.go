package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/gpuload/internal/config"
	"github.com/fxnlabs/gpuload/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	var cfgPath string
	var cfg *config.Config
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:  "gpuload",
		Usage: "A synthetic GPU workload generator and stress driver",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the gpuload config file",
				EnvVars:     []string{"GPULOAD_CONFIG"},
				Destination: &cfgPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if cfgPath != "" {
				cfg, err = config.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
			} else {
				cfg = config.Default()
			}
			rootLogger, err = logger.New(cfg.Logger.Verbosity)
			return err
		},
		Commands: []*cli.Command{
			spinCommand(&cfg, &rootLogger),
			describeCommand(&cfg),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
