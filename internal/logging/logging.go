// Package logging builds the per-component loggers.
//
// Every component logs through a *log.Logger with a bracketed prefix, e.g.
// "[sync] ". Output goes to stderr, or to a size-rotated file when a log
// file is configured.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path. Empty logs to stderr.
	File string

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// MaxAgeDays is the age after which rotated files are removed.
	MaxAgeDays int

	// Quiet discards all output.
	Quiet bool
}

// Factory hands out loggers that share one output.
type Factory struct {
	out    io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a factory for opts.
func New(opts Options) (*Factory, error) {
	f := &Factory{loggers: make(map[string]*log.Logger)}
	switch {
	case opts.Quiet:
		f.out = io.Discard
	case opts.File != "":
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		f.out = lj
		f.closer = lj
	default:
		f.out = os.Stderr
	}
	return f, nil
}

// Logger returns the logger for component, prefixed "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.loggers[component]; ok {
		return l
	}
	l := log.New(f.out, "["+component+"] ", log.LstdFlags)
	f.loggers[component] = l
	return l
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
