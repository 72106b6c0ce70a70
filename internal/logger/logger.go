// Package logger holds the process logger. Components that live for the
// whole process take a named hclog.Logger from Named; short helpers and
// one-off call sites use the package-level functions.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu   sync.RWMutex
	root = newRoot(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
)

func newRoot(level, format string, out io.Writer) hclog.Logger {
	if level == "" {
		level = "info"
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "signage",
		Level:      hclog.LevelFromString(level),
		JSONFormat: strings.EqualFold(format, "json"),
		Output:     out,
	})
}

// Configure replaces the process logger. Loggers handed out by Named
// before the call keep writing to the previous sink.
func Configure(level, format string) {
	mu.Lock()
	defer mu.Unlock()
	root = newRoot(level, format, os.Stderr)
}

// SetLevel changes the level of the process logger and every logger derived from it.
func SetLevel(level string) {
	mu.RLock()
	defer mu.RUnlock()
	root.SetLevel(hclog.LevelFromString(level))
}

// Root returns the process logger.
func Root() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a sub-logger for a component.
func Named(name string) hclog.Logger {
	return Root().Named(name)
}

// Info logs informational messages. Trailing args are key/value pairs.
func Info(msg string, args ...interface{}) {
	write(hclog.Info, msg, args)
}

// Warn logs warning messages
func Warn(msg string, args ...interface{}) {
	write(hclog.Warn, msg, args)
}

// Error logs error messages
func Error(msg string, args ...interface{}) {
	write(hclog.Error, msg, args)
}

// Debug logs debug messages
func Debug(msg string, args ...interface{}) {
	write(hclog.Debug, msg, args)
}

func write(level hclog.Level, msg string, args []interface{}) {
	Root().Log(level, msg, args...)
}
