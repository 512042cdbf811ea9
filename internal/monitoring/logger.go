// Package monitoring holds the process-wide diagnostic loggers.
//
// Logf is the general purpose logger. The control loop additionally writes
// three streams:
//
//   - ops:   faults and anything an operator must act on
//   - diag:  state transitions and pump decisions (the audit trail)
//   - trace: one line per tick
//
// Each stream may be pointed at its own writer or silenced with nil.
package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	streamsMu   sync.RWMutex
	opsLogger   = newLogger("[ops] ", log.Writer())
	diagLogger  = newLogger("[diag] ", log.Writer())
	traceLogger *log.Logger
)

// SetLogWriters configures the ops, diag and trace streams. A nil writer
// disables that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	streamsMu.Lock()
	defer streamsMu.Unlock()
	opsLogger = newLogger("[ops] ", ops)
	diagLogger = newLogger("[diag] ", diag)
	traceLogger = newLogger("[trace] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) {
	streamsMu.RLock()
	l := opsLogger
	streamsMu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) {
	streamsMu.RLock()
	l := diagLogger
	streamsMu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) {
	streamsMu.RLock()
	l := traceLogger
	streamsMu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
