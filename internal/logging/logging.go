// Package logging provides the shared zerolog setup for the Denis control plane.
// Every core package obtains a component-scoped logger from here; the level and
// writer style are controlled globally (logging config, DENIS_LOG_LEVEL, or
// --verbose).
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	root   zerolog.Logger
	pretty bool
)

func init() {
	root = newRoot(os.Stderr, levelFromEnv(), pretty)
}

func newRoot(w io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func levelFromEnv() zerolog.Level {
	return ParseLevel(os.Getenv("DENIS_LOG_LEVEL"))
}

// ParseLevel maps a config string to a zerolog level. Unknown values fall back
// to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Configure rebuilds the root logger from configuration: the level plus the
// writer style. Pretty selects the console writer, plain JSON otherwise.
// Loggers obtained from Component before the call keep their old writer.
func Configure(level zerolog.Level, prettyOutput bool) {
	mu.Lock()
	defer mu.Unlock()
	pretty = prettyOutput
	root = newRoot(os.Stderr, level, pretty)
}

// SetLevel adjusts the global log level.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	root = root.Level(level)
}

// SetOutput redirects all log output. Tests use this to capture or silence logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = newRoot(w, root.GetLevel(), pretty)
}

// Component returns a logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}
