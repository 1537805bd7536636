// Package logging extends this project's plain log.Printf/log.Fatalf idiom
// (see cmd/server/main.go and internal/config/config.go) with a small leveled
// wrapper.  The workers added by this project run unattended in the
// background rather than inside a request/response cycle, so their log
// lines need a component tag and a level the way the HTTP layer's access
// log implicitly gets one from the request line; everything still funnels
// through the standard library's log package, not a structured-logging
// library, since none of the venue's domain collaborators need log
// aggregation beyond stdout lines a process supervisor can capture.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger prefixes every line with a component name, e.g. "dequeue-worker".
type Logger struct {
	prefix string
	std    *log.Logger
}

// New returns a Logger tagging its output with component.
func New(component string) *Logger {
	return &Logger{
		prefix: component,
		std:    log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) line(level, format string, args ...any) string {
	return fmt.Sprintf("%s [%s] %s", level, l.prefix, fmt.Sprintf(format, args...))
}

// Info logs an informational line.
func (l *Logger) Info(format string, args ...any) {
	l.std.Print(l.line("INFO", format, args...))
}

// Warn logs a recoverable problem.
func (l *Logger) Warn(format string, args ...any) {
	l.std.Print(l.line("WARN", format, args...))
}

// Error logs a failed operation that the caller is about to give up on for
// this invocation (the next triggering job retries the same work).
func (l *Logger) Error(format string, args ...any) {
	l.std.Print(l.line("ERROR", format, args...))
}

// Fatal logs and exits the process.  Reserved for startup failures, matching
// config.must's log.Fatalf behavior.
func (l *Logger) Fatal(format string, args ...any) {
	l.std.Fatal(l.line("FATAL", format, args...))
}
