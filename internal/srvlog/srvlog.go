// Package srvlog defines the logging seam every other package in this
// module depends on: accept an interface, let the command layer wire a
// concrete logrus logger in at startup.
package srvlog

import "github.com/sirupsen/logrus"

// Logger is the minimal surface every package here logs through; it is
// satisfied directly by *logrus.Logger and *logrus.Entry.
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopLogger discards everything; used as the zero-value default so callers
// never need a nil check before logging.
type nopLogger struct{}

func (nopLogger) Info(args ...interface{})                  {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Debug(args ...interface{})                 {}
func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Warn(args ...interface{})                  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}
func (nopLogger) Error(args ...interface{})                 {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

var log Logger = nopLogger{}

// SetLogger installs the logger every package-level log call in this
// module routes through.
func SetLogger(l Logger) {
	if l == nil {
		log = nopLogger{}
		return
	}
	log = l
}

// NewDefault builds a logrus.Logger with the text formatter the command
// layer configures at startup; see cmd/root.go.
func NewDefault() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

func Info(args ...interface{})                  { log.Info(args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Debug(args ...interface{})                 { log.Debug(args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Warn(args ...interface{})                  { log.Warn(args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Error(args ...interface{})                 { log.Error(args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
