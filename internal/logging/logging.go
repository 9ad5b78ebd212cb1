// Package logging provides the leveled, component-prefixed loggers used
// across extmon. It wraps github.com/charmbracelet/log.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	mu   sync.RWMutex
	root = newRoot(os.Stderr, log.InfoLevel)
)

func newRoot(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
	})
}

// Init replaces the root logger. level is one of debug, info, warn, error;
// an unknown level falls back to info and is reported as an error.
func Init(w io.Writer, level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}

	mu.Lock()
	root = newRoot(w, lvl)
	mu.Unlock()
	return err
}

// Root returns the process logger.
func Root() *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Component returns a logger whose lines are prefixed with name, e.g.
// "ingest: dropped event".
func Component(name string) *log.Logger {
	return Root().WithPrefix(name)
}

// Discard returns a logger that writes nothing. Used by tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}
