// Package monitoring holds the process-wide diagnostic logger used by the
// relay packages.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is a printf-style sink.
type LogFunc func(format string, v ...interface{})

var logf atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes through the current logger. It defaults to log.Printf.
func Logf(format string, v ...interface{}) {
	(*logf.Load())(format, v...)
}

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger, which tests use to keep output quiet. Safe to call while other
// goroutines are logging.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	logf.Store(&f)
}

// Component returns a logger that prefixes every line with "[name] ", the
// format used across the relay for per-component log lines.
func Component(name string) LogFunc {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
