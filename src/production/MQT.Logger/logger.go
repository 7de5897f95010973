package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
)

// Logger wraps zerolog.Logger with additional functionality
type Logger struct {
	*zerolog.Logger
}

// NewLogger creates a new logger based on configuration and installs it as the global logger.
func NewLogger(cfg *config.LoggingConfig) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = build(openOutput(cfg.Output), cfg)
	return &Logger{&log.Logger}
}

// NewWriterLogger builds a logger that writes to w without touching global state.
func NewWriterLogger(w io.Writer, cfg *config.LoggingConfig) *Logger {
	l := build(w, cfg)
	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		l = l.Level(level)
	}
	return &Logger{&l}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	l := zerolog.Nop()
	return &Logger{&l}
}

func build(w io.Writer, cfg *config.LoggingConfig) zerolog.Logger {
	var l zerolog.Logger
	if cfg.Format == "json" {
		l = zerolog.New(w).With().Timestamp().Logger()
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	if cfg.EnableCaller {
		l = l.With().Caller().Logger()
	}
	return l
}

func openOutput(output string) io.Writer {
	switch output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// fall back rather than lose logs entirely
		return os.Stdout
	}
	return f
}

// WithComponent adds a component name to the logger
func (l *Logger) WithComponent(component string) *Logger {
	logger := l.Logger.With().Str("component", component).Logger()
	return &Logger{&logger}
}

// WithDevice tags every entry with the device identity.
func (l *Logger) WithDevice(deviceID string) *Logger {
	logger := l.Logger.With().Str("device_id", deviceID).Logger()
	return &Logger{&logger}
}

// WithConnection tags every entry with a stream connection id.
func (l *Logger) WithConnection(connID string) *Logger {
	logger := l.Logger.With().Str("conn_id", connID).Logger()
	return &Logger{&logger}
}

// FatalWithError logs a fatal message with error and exits
func (l *Logger) FatalWithError(err error, msg string) {
	l.Logger.Fatal().Err(err).Msg(msg)
}

// ErrorWithError logs an error message with error
func (l *Logger) ErrorWithError(err error, msg string) {
	l.Logger.Error().Err(err).Msg(msg)
}

// WarnWithError logs a warning with error
func (l *Logger) WarnWithError(err error, msg string) {
	l.Logger.Warn().Err(err).Msg(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}
