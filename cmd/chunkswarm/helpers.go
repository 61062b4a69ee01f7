package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/debswarm/chunkswarm/internal/config"
)

// setupLogger creates a zap logger from the global flags, falling back to
// the [logging] section of cfg.
func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	levelName, path := logLevel, logFile
	if cfg != nil {
		if levelName == "" {
			levelName = cfg.Logging.Level
		}
		if path == "" {
			path = cfg.Logging.File
		}
	}

	level := zapcore.InfoLevel
	switch levelName {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	if path != "" {
		zcfg.OutputPaths = []string{path}
	}

	return zcfg.Build()
}

// loadConfig loads the explicit or first existing default config file.
func loadConfig() (*config.Config, error) {
	path := config.Resolve(cfgFile)
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
