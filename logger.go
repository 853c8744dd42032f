package edge

import "github.com/sirupsen/logrus"

// Log is the package-wide logger. It defaults to a Silent logger so the
// package is quiet when embedded; cmd/edged installs a real logrus logger
// at startup.
var Log Logger = Silent{}

// Logger is the structured logging interface used throughout this package.
// *logrusLogger, returned by NewLogrusLogger, implements it; so does Silent.
type Logger interface {
	With(args ...interface{}) Logger
	WithError(err error) Logger
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Silent is a no-op Logger.
type Silent struct{}

func (Silent) With(...interface{}) Logger   { return Silent{} }
func (Silent) WithError(error) Logger       { return Silent{} }
func (Silent) Debug(string, ...interface{}) {}
func (Silent) Info(string, ...interface{})  {}
func (Silent) Warn(string, ...interface{})  {}
func (Silent) Error(string, ...interface{}) {}

// logrusLogger adapts a *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps an existing *logrus.Logger as a Logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) With(args ...interface{}) Logger {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{entry: l.entry.WithError(err)}
}

func (l *logrusLogger) Debug(msg string, args ...interface{}) { l.With(args...).(*logrusLogger).entry.Debug(msg) }
func (l *logrusLogger) Info(msg string, args ...interface{})  { l.With(args...).(*logrusLogger).entry.Info(msg) }
func (l *logrusLogger) Warn(msg string, args ...interface{})  { l.With(args...).(*logrusLogger).entry.Warn(msg) }
func (l *logrusLogger) Error(msg string, args ...interface{}) { l.With(args...).(*logrusLogger).entry.Error(msg) }
