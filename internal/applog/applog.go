// Package applog builds the process-wide zerolog logger shared by the
// three binaries, matching gosuda-portal's cmd/server console-writer
// setup rather than raw JSON (easier to read during manual bridge/exit
// operation).
package applog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console-writer logger at level, tagged with role
// ("client", "bridge", "exit").
func New(role string, level zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(level).With().Timestamp().Str("role", role).Logger()
}

// ParseLevel falls back to zerolog.InfoLevel on an empty or unrecognized
// string, rather than failing startup over a logging flag.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
