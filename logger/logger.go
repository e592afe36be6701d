// Package logger configures the process-wide zerolog logger, which can write to
// multiple outputs. Init must be called early in the application lifecycle.
// AddOutput, RemoveOutput and SetEnabled return errors if called before Init.
package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotInitialized = errors.New("logger not initialized: call logger.Init() first")

// Options configures the global logger.
type Options struct {
	Level   string // zerolog level name, defaults to info
	Stdout  bool
	Console bool // human readable stdout instead of JSON
}

// fanout copies every event to all outputs.
type fanout struct {
	mu      sync.RWMutex
	outputs []io.Writer
}

func (f *fanout) Write(p []byte) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, w := range f.outputs {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

var (
	global       *fanout
	level        zerolog.Level
	once         sync.Once
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetGlobalLogBuffer returns the global log buffer
func GetGlobalLogBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000) // Keep last 1000 log entries
	})
	return globalBuffer
}

// Init installs the global logger. Only the first call takes effect.
func Init(opts Options) error {
	lvl := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		lvl = parsed
	}

	once.Do(func() {
		global = &fanout{}
		if opts.Stdout {
			var w io.Writer = os.Stdout
			if opts.Console {
				w = &zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
			}
			global.outputs = append(global.outputs, w)
		}
		level = lvl
		zerolog.SetGlobalLevel(lvl)
		log.Logger = zerolog.New(global).With().Timestamp().Logger()
	})
	return nil
}

// AddOutput adds an additional output writer (e.g., for TUI log buffer).
func AddOutput(w io.Writer) error {
	if global == nil {
		return ErrNotInitialized
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	global.outputs = append(global.outputs, w)
	return nil
}

// RemoveOutput removes an output writer.
func RemoveOutput(w io.Writer) error {
	if global == nil {
		return ErrNotInitialized
	}
	global.mu.Lock()
	defer global.mu.Unlock()

	outputs := make([]io.Writer, 0, len(global.outputs))
	for _, output := range global.outputs {
		if output != w {
			outputs = append(outputs, output)
		}
	}
	global.outputs = outputs
	return nil
}

// SetEnabled enables or disables logging.
func SetEnabled(enabled bool) error {
	if global == nil {
		return ErrNotInitialized
	}
	if enabled {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
	return nil
}

// ForNode returns the logger a node's components derive from.
func ForNode(nodeID string) zerolog.Logger {
	return log.Logger.With().Str("node", nodeID).Logger()
}
