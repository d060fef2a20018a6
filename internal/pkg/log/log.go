// Package log wraps logrus with the printf-style, component-tagged calls
// used throughout ghostmesh (e.g. log.Info("[knowledge] sync complete (files=%d)", n)).
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init points the standard logger at a file path (truncating prior runs are
// not performed; writes append), in addition to stderr. Daemons call this
// once at startup.
func Init(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	std.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// SetLevel parses and applies a level string (debug/info/warn/error).
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	std.SetLevel(lvl)
}

func Debug(format string, args ...interface{}) { std.Debugf(format, args...) }
func Info(format string, args ...interface{})  { std.Infof(format, args...) }
func Warn(format string, args ...interface{})  { std.Warnf(format, args...) }
func Error(format string, args ...interface{}) { std.Errorf(format, args...) }

// Fields returns a logrus.Entry pre-populated with structured fields, for
// call sites that want key/value context alongside the message.
func Fields(kv map[string]interface{}) *logrus.Entry {
	return std.WithFields(logrus.Fields(kv))
}
