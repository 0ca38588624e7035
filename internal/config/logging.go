package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Apply sets the global zerolog level and installs a logger writing to w in
// the configured format.
func (l LoggingConfig) Apply(w io.Writer) error {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	if w == nil {
		w = os.Stderr
	}
	if l.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
