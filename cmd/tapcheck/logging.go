package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// newLogger builds the stderr logger used by every command. Stdout stays
// reserved for command output.
func newLogger(level string) (*zap.Logger, error) {
	trimmedLevel := strings.TrimSpace(level)
	if trimmedLevel == "" {
		trimmedLevel = "info"
	}
	atomicLevel, err := zap.ParseAtomicLevel(trimmedLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	configuration := zap.NewProductionConfig()
	configuration.Level = atomicLevel
	configuration.OutputPaths = []string{"stderr"}
	configuration.ErrorOutputPaths = []string{"stderr"}
	configuration.Sampling = nil
	logger, err := configuration.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("producer_version", version)), nil
}
