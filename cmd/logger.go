package cmd

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/papapumpkin/indentbot/internal/config"
)

// newLogger builds the process logger. Console output unless log.json is
// set; --verbose forces debug level.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if !cfg.Log.JSON {
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		if cfg.Log.File == "" {
			zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	if cfg.Log.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.Log.File)
	}

	level := cfg.Log.Level
	if cfg.Verbose {
		level = "debug"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	return zc.Build()
}
