package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// ZerologAdapter wraps a zerolog.Logger to implement the Logger interface.
// Arguments are interpreted as alternating key/value pairs.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a Logger from a zerolog.Logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// NewConsoleLogger builds a human readable zerolog logger tagged with app.
func NewConsoleLogger(out io.Writer, app string, level LogLevel) *ZerologAdapter {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(zerologLevel(level)).With().Timestamp().Str("app", app).Logger()
	return NewZerologAdapter(logger)
}

// NewJSONLogger builds a JSON zerolog logger tagged with app.
func NewJSONLogger(out io.Writer, app string, level LogLevel) *ZerologAdapter {
	logger := zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Str("app", app).Logger()
	return NewZerologAdapter(logger)
}

func zerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs a debug message.
func (z *ZerologAdapter) Debug(msg string, args ...any) { z.emit(z.logger.Debug(), msg, args) }

// Info logs an informational message.
func (z *ZerologAdapter) Info(msg string, args ...any) { z.emit(z.logger.Info(), msg, args) }

// Warn logs a warning message.
func (z *ZerologAdapter) Warn(msg string, args ...any) { z.emit(z.logger.Warn(), msg, args) }

// Error logs an error message.
func (z *ZerologAdapter) Error(msg string, args ...any) { z.emit(z.logger.Error(), msg, args) }

func (z *ZerologAdapter) emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	if len(args)%2 == 1 {
		args = append(args, "!MISSING")
	}
	ev.Fields(args).Msg(msg)
}

func (z *ZerologAdapter) withContext(key string, value any) Logger {
	return NewZerologAdapter(z.logger.With().Interface(key, value).Logger())
}

func (z *ZerologAdapter) withComponent(c string) Logger {
	return NewZerologAdapter(z.logger.With().Str("component", c).Logger())
}
