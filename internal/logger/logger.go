package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	z := zerolog.New(output).With().Timestamp().Logger()
	Log = &Logger{z: z}
}

// Setup configures the global logger. Level is one of debug/info/warn/error
// (case-insensitive, defaulting to info); format "json" switches off the
// console writer.
func Setup(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var z zerolog.Logger
	if strings.EqualFold(format, "json") {
		z = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		z = zerolog.New(output).With().Timestamp().Logger()
	}
	Log = &Logger{z: z}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger carrying a constant component field.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// Debug logs at debug level with variadic key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Info logs at info level with variadic key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at warn level with variadic key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at error level with variadic key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal(msg string, args ...any) {
	e := l.z.Fatal()
	addFields(e, args...)
	e.Msg(msg)
}

func addFields(e *zerolog.Event, args ...any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		e.Interface(key, args[i+1])
	}
}
