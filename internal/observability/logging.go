package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// LogLevelEnv names the variable holding the log level.
	LogLevelEnv = "CF_LOG_LEVEL"
	// LogFormatEnv selects "json" (default) or "console" output.
	LogFormatEnv = "CF_LOG_FORMAT"
)

// NewLogger returns the logger for one binary or component, configured from
// the environment. JSON on stdout unless console output is requested.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component, ParseLogLevel(os.Getenv(LogLevelEnv)), os.Getenv(LogFormatEnv))
}

// NewLoggerWithLevel is NewLogger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level, os.Getenv(LogFormatEnv))
}

func newLogger(out io.Writer, component string, level zerolog.Level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps debug/info/warn/error to a level. Anything else is
// info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
