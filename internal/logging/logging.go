// Package logging provides the dispatcher's debug-gated logger, in the
// same spirit as cmd/relaysrv and cmd/strelaysrv's package-level debug
// flag guarding verbose log.Println calls.
package logging

import (
	"log"
	"os"
)

// Logger wraps the standard logger with a debug gate. Debugf is silent
// unless debug output has been enabled; Infof/Warnf/Errorf always log.
type Logger struct {
	*log.Logger
	debug bool
}

// New returns a Logger writing to stderr with the given prefix.
func New(prefix string, debug bool) *Logger {
	return &Logger{
		Logger: log.New(os.Stderr, prefix, log.Lshortfile|log.LstdFlags),
		debug:  debug,
	}
}

func (l *Logger) SetDebug(debug bool) { l.debug = debug }

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.Printf("DEBUG "+format, args...)
	}
}

func (l *Logger) Debugln(args ...interface{}) {
	if l.debug {
		l.Println(append([]interface{}{"DEBUG"}, args...)...)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Printf("INFO "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Printf("WARN "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Printf("ERROR "+format, args...)
}
