// Package testutil holds logging and container helpers shared by tests.
package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel sets the global log level for testing
func SetLogLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// WithLogLevel sets the global log level until the test finishes.
func WithLogLevel(t *testing.T, level zerolog.Level) {
	t.Helper()
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(level)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

// InitTestLogger switches the global logger to console output at the level
// named by LOG_LEVEL, warn when unset.
func InitTestLogger() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	SetLogLevel(ParseLogLevel(zerolog.WarnLevel))
}

// ParseLogLevel parses log level from environment variable or returns default
func ParseLogLevel(defaultLevel zerolog.Level) zerolog.Level {
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		return defaultLevel
	}

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return defaultLevel
	}
	return level
}

// CaptureLogger returns a logger writing JSON lines into the returned
// buffer-backed writer.
func CaptureLogger(level zerolog.Level) (zerolog.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return zerolog.New(buf).Level(level), buf
}
