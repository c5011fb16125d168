// Package logger builds the process-wide zap logger the subsystems hang
// their named children off of.
package logger

import (
	"go.uber.org/zap"
)

// New returns a production logger at the given verbosity, rooted at the
// gpuload name so subsystem loggers nest beneath it.
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	log, err := config.Build()
	if err != nil {
		return nil, err
	}
	return log.Named("gpuload"), nil
}
