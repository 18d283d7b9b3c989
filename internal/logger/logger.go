// Package logger builds the process-wide zap logger. The server runs it in
// production encoding; the CLI keeps it quiet so table output stays clean.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for the given environment ("production" or anything
// else for development). level overrides the default when non-empty.
func New(environment, level string) (*zap.Logger, error) {
	var config zap.Config
	if environment == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return config.Build(zap.AddCaller())
}

// Quiet returns a logger that only reports warnings and errors, for CLI
// commands whose stdout is the payload.
func Quiet() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	log, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
