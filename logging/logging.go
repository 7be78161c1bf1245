// ABOUTME: Structured logger shared by every component
// ABOUTME: Wraps charmbracelet/log with a configurable level and per-component prefixes
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	mu   sync.Mutex
	root = newRoot(os.Stderr, log.InfoLevel)
)

func newRoot(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "schoolsync",
		ReportTimestamp: true,
	})
}

// ParseLevel maps a config string to a level. Unknown values mean info.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Configure replaces the root logger. Loggers handed out earlier keep their settings.
func Configure(w io.Writer, level string) {
	mu.Lock()
	defer mu.Unlock()
	root = newRoot(w, ParseLevel(level))
}

// For returns a logger tagged with the component name.
func For(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With("component", component)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *log.Logger {
	return newRoot(io.Discard, log.ErrorLevel)
}
