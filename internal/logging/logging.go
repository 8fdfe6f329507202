// Package logging builds the zap logger shared by all components and bridges
// pion's internal logging into it.
package logging

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger at the given level ("debug", "info", ...).
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// PionFactory implements logging.LoggerFactory on top of zap so pion's
// transports log through the same sink.
type PionFactory struct {
	base *zap.Logger
}

// NewPionFactory wraps base.
func NewPionFactory(base *zap.Logger) *PionFactory {
	return &PionFactory{base: base.Named("pion")}
}

// NewLogger returns a leveled logger for a pion subsystem.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{s: f.base.Named(scope).Sugar()}
}

// pion traces are very chatty; they go to debug.
type pionLogger struct {
	s *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.s.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.s.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
