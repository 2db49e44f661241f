// Package slog provides the subject-keyed logging helpers used throughout
// soulfired, mirroring the teacher's fs.Logf/Debugf/Errorf family but backed
// by logrus so fields come through structured rather than string-formatted.
package slog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// SetLevel adjusts the global log level (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// SetJSON switches the formatter; daemons running under systemd or behind
// a log shipper want JSON, interactive runs want text.
func SetJSON(json bool) {
	if json {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func entry(subject any) *logrus.Entry {
	if subject == nil {
		return logrus.NewEntry(base)
	}
	return base.WithField("subject", fmt.Sprint(subject))
}

// Debugf logs at debug level, keyed by subject (a username, masked path,
// transfer id — whatever the call site is acting on).
func Debugf(subject any, format string, args ...any) {
	entry(subject).Debugf(format, args...)
}

// Logf logs at info level.
func Logf(subject any, format string, args ...any) {
	entry(subject).Infof(format, args...)
}

// Infof is an alias of Logf kept for call sites that read more naturally
// with an explicit level name.
func Infof(subject any, format string, args ...any) {
	entry(subject).Infof(format, args...)
}

// Errorf logs at error level.
func Errorf(subject any, format string, args ...any) {
	entry(subject).Errorf(format, args...)
}

// Fatalf logs at error level and exits the process. Reserved for Fatal-kind
// startup preconditions (internal/errs.Fatal); never called from a resolver
// or request handler.
func Fatalf(subject any, format string, args ...any) {
	entry(subject).Fatalf(format, args...)
}
