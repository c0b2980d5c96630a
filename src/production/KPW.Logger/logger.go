package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
)

// Logger wraps zerolog.Logger so components can share one configured sink
// and derive scoped children from it.
type Logger struct {
	*zerolog.Logger
}

// NewLogger creates a new logger based on configuration and installs it as
// the zerolog global logger.
func NewLogger(cfg *config.LoggingConfig) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := zerolog.New(sink(cfg)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()

	return &Logger{&log.Logger}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	l := zerolog.Nop()
	return &Logger{&l}
}

// New wraps an arbitrary writer, mostly useful for capturing output in tests.
func New(w io.Writer) *Logger {
	l := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{&l}
}

func sink(cfg *config.LoggingConfig) io.Writer {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if cfg.Format == "json" {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

func (l *Logger) derive(ctx zerolog.Context) *Logger {
	child := ctx.Logger()
	return &Logger{&child}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.Logger.With().Interface(key, value))
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(l.Logger.With().Fields(fields))
}

// WithError adds an error to the logger
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.Logger.With().Err(err))
}

// WithComponent tags every line with the emitting component
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(l.Logger.With().Str("component", component))
}

// WithDevice tags every line with a collar device id
func (l *Logger) WithDevice(deviceID string) *Logger {
	return l.derive(l.Logger.With().Str("device_id", deviceID))
}

// FatalWithError logs a fatal message with error and exits
func (l *Logger) FatalWithError(err error, msg string) {
	l.Logger.Fatal().Err(err).Msg(msg)
}

// ErrorWithError logs an error message with error
func (l *Logger) ErrorWithError(err error, msg string) {
	l.Logger.Error().Err(err).Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
