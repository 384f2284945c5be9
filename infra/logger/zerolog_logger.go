package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level, format and destination of every component logger.
type Config struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

var (
	outMu  sync.RWMutex
	output io.Writer
	format string
)

// Configure applies cfg to loggers created afterwards. An empty level keeps
// zerolog's global level, an empty format falls back to APP_ENV detection and
// an empty file logs to stdout.
func Configure(cfg Config) error {
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	switch f := strings.ToLower(cfg.Format); f {
	case "", "json", "console":
	default:
		return fmt.Errorf("log format %q: want json or console", cfg.Format)
	}
	var w io.Writer = os.Stdout
	if cfg.File != "" {
		w = &lumberjack.Logger{Filename: cfg.File, MaxSize: cfg.MaxSizeMB, MaxBackups: cfg.MaxBackups}
	}
	outMu.Lock()
	output, format = w, strings.ToLower(cfg.Format)
	outMu.Unlock()
	return nil
}

func destination() (io.Writer, bool) {
	outMu.RLock()
	w, f := output, format
	outMu.RUnlock()
	if w == nil {
		w = os.Stdout
	}
	console := f == "console"
	if f == "" {
		console = strings.ToLower(os.Getenv("APP_ENV")) == "dev"
	}
	return w, console
}

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger creates a ZerologLogger. All logs include the provided
// component field.
func NewZerologLogger(component string) Logger {
	w, console := destination()
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	z := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &ZerologLogger{log: z}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	ev := l.log.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
