// Package observability provides the ambient logging, metrics and panic
// recovery every component shares, grounded on the teacher's
// internal/*/monitoring packages (zerolog + Prometheus + a RecoverPanic
// helper wrapping every long-lived goroutine).
package observability

import (
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// LogFormat selects the zerolog output writer.
type LogFormat string

const (
	FormatJSON   LogFormat = "json"
	FormatText   LogFormat = "text"
	FormatPretty LogFormat = "pretty"
)

// LoggerConfig mirrors the teacher's LoggerConfig
// (internal/single/monitoring/logger.go).
type LoggerConfig struct {
	Level  string
	Format LogFormat
}

// NewLogger builds a structured zerolog.Logger configured the way the
// teacher configures its server logger: JSON by default, human-readable
// for local development, Unix timestamps.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var writer = os.Stdout
	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()

	switch cfg.Format {
	case FormatText, FormatPretty:
		logger = logger.Output(zerolog.ConsoleWriter{Out: writer})
	}

	return logger
}

// RecoverPanic is deferred first in every long-lived goroutine the runtime
// spawns (reader/writer pumps, heartbeat ticker, reconnection timer,
// health sweep, RPC timeout timer) so a panic in one doesn't take the
// process down. Grounded on
// internal/shared/monitoring/logger.go:RecoverPanic.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered panic in background goroutine")
	}
}
