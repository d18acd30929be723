// Package xlog is the engine's structured logging wrapper around zap,
// the same logging library the teacher repo pulls in for its own
// request/query logging.
package xlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.Logger, adding the fields every engine component
// wants attached by default (the component name) without every caller
// repeating zap.String("component", ...) boilerplate.
type Logger struct {
	z *zap.Logger
}

// New builds a development-friendly console logger at the given level.
// Production deployments should build their own *zap.Logger and wrap it
// with Wrap instead.
func New(level zapcore.Level) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// Wrap adapts an existing *zap.Logger, letting an embedding application
// supply its own sinks/levels.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

// Nop returns a logger that discards everything, used as the Database
// default when no logger is configured.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// For returns a child logger tagged with the given component name.
func (l *Logger) For(component string) *zap.Logger {
	return l.z.With(zap.String("component", component))
}

func (l *Logger) Sync() error {
	return l.z.Sync()
}
