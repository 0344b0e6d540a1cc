// Package logging defines the leveled logging contract the kit's components
// write to. Sinks are fire-and-forget: implementations must never block the
// caller and never return errors into control flow.
package logging

import "github.com/sirupsen/logrus"

// Logger is a leveled, best-effort sink.
type Logger interface {
	Verbose(format string, args ...any)
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warning(format string, args ...any)
	Error(format string, args ...any)
}

// NewLogrus adapts a logrus logger to the Logger interface.
// Verbose maps to logrus' trace level.
func NewLogrus(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{l: l}
}

type logrusLogger struct {
	l *logrus.Logger
}

func (a *logrusLogger) Verbose(format string, args ...any) { a.l.Tracef(format, args...) }
func (a *logrusLogger) Debug(format string, args ...any)   { a.l.Debugf(format, args...) }
func (a *logrusLogger) Info(format string, args ...any)    { a.l.Infof(format, args...) }
func (a *logrusLogger) Warning(format string, args ...any) { a.l.Warnf(format, args...) }
func (a *logrusLogger) Error(format string, args ...any)   { a.l.Errorf(format, args...) }

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Verbose(string, ...any) {}
func (nopLogger) Debug(string, ...any)   {}
func (nopLogger) Info(string, ...any)    {}
func (nopLogger) Warning(string, ...any) {}
func (nopLogger) Error(string, ...any)   {}
