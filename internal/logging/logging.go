// Package logging builds gridcore's zerolog.Logger the way
// ws/internal/shared/monitoring/logger.go does: JSON by default,
// console-pretty for local development, plus a panic-recovery helper to
// defer at the top of a goroutine.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config picks the logger's level and output format.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds a logger tagged with service=gridcore.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().
		Timestamp().
		Str("service", "gridcore").
		Logger()
}

// RecoverPanic, deferred at the top of a goroutine, logs a panic with its
// stack trace instead of letting it take down the process. The tile
// owner's inbox loop and ConnectionShard's readPump use their own inline
// recover blocks rather than this helper.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Str("goroutine", goroutine).
		Interface("panic", r).
		Str("stack", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("goroutine panic recovered")
}
