package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the level and sinks of every component logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // optional rotating file, in addition to stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var (
	logMu     sync.RWMutex
	logOutput io.Writer = os.Stdout
	logLevel            = parseLogLevel(os.Getenv("COVER_LOG_LEVEL"))
)

// ConfigureLogging sets the shared sink and level. The returned closer
// flushes the rotating file, if any.
func ConfigureLogging(cfg LogConfig) io.Closer {
	logMu.Lock()
	defer logMu.Unlock()

	logLevel = parseLogLevel(cfg.Level)
	if cfg.File == "" {
		logOutput = os.Stdout
		return nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		Compress:   true,
	}
	logOutput = zerolog.MultiLevelWriter(os.Stdout, rotator)
	return rotator
}

// NewLogger creates a structured JSON logger for one component.
func NewLogger(component string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return NewLoggerWithLevel(component, logLevel)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
