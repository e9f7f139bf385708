package peersession

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory routes pion's internal logs through the process
// slog.Logger, scoped per subsystem.
type slogLoggerFactory struct {
	base *slog.Logger
}

func newLoggerFactory(base *slog.Logger) logging.LoggerFactory {
	return &slogLoggerFactory{base: base}
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{l: f.base.With("pion", scope)}
}

type slogLeveledLogger struct {
	l *slog.Logger
}

// Pion's trace level is noisier than anything we want at debug, so both
// map to slog debug.
func (l *slogLeveledLogger) Trace(msg string) { l.l.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) {
	l.l.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Debug(msg string) { l.l.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) {
	l.l.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Info(msg string) { l.l.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any) {
	l.l.Info(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Warn(msg string) { l.l.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any) {
	l.l.Warn(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Error(msg string) { l.l.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) {
	l.l.Error(fmt.Sprintf(format, args...))
}
