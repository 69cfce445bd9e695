// Package logger provides the leveled logging interface used throughout the
// pool: farm registration, recovery phases, commit publish/failure, and
// trimmer passes are all reported through a Logger rather than fmt.Printf.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger is the shared logging interface. Components take a Logger instead
// of reaching for the global "log" package so tests can inject a recording
// implementation and callers can wire in whatever sink they already use.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	// WithPrefix returns a Logger that prepends prefix to every message,
	// sharing the same underlying sink.
	WithPrefix(prefix string) Logger
}

// NopLogger discards everything. It is the default when a component is
// constructed without an explicit Logger.
var NopLogger Logger = &nopLogger{}

type nopLogger struct{}

func (*nopLogger) Debugf(string, ...interface{})  {}
func (*nopLogger) Infof(string, ...interface{})   {}
func (*nopLogger) Warnf(string, ...interface{})   {}
func (*nopLogger) Errorf(string, ...interface{})  {}
func (n *nopLogger) WithPrefix(string) Logger      { return n }

// StandardLogger writes leveled, timestamped lines to an io.Writer.
type StandardLogger struct {
	mu     sync.Mutex
	logger *log.Logger
	prefix string
}

// NewStandardLogger returns a StandardLogger writing to w.
func NewStandardLogger(w io.Writer) *StandardLogger {
	return &StandardLogger{logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

// StderrLogger is a ready-to-use StandardLogger on os.Stderr.
var StderrLogger = NewStandardLogger(os.Stderr)

func (l *StandardLogger) output(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, v...)
	if l.prefix != "" {
		l.logger.Printf("%s %s%s", level, l.prefix, msg)
		return
	}
	l.logger.Printf("%s %s", level, msg)
}

func (l *StandardLogger) Debugf(format string, v ...interface{}) { l.output("DEBUG:", format, v...) }
func (l *StandardLogger) Infof(format string, v ...interface{})  { l.output("INFO: ", format, v...) }
func (l *StandardLogger) Warnf(format string, v ...interface{})  { l.output("WARN: ", format, v...) }
func (l *StandardLogger) Errorf(format string, v ...interface{}) { l.output("ERROR:", format, v...) }

func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{logger: l.logger, prefix: prefix}
}
