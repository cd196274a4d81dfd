// Package logger builds the zap loggers used across conductor.
//
// Every long-lived component asks for a named logger via For, so log lines
// carry a "component" field (dispatcher, lock, health, ...) that can be
// filtered on. The global logger is configured once from LOGGING_LEVEL and
// LOGGING_FORMAT, or explicitly via Initialize when the config file says so.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder used for log output.
type Format string

const (
	// FormatConsole is a human-readable, pipe separated format.
	FormatConsole Format = "CONSOLE"
	// FormatJSON is structured JSON, one object per line.
	FormatJSON Format = "JSON"
)

// Component names used with For.
const (
	ComponentEngine     = "engine"
	ComponentDispatcher = "dispatcher"
	ComponentLock       = "lock"
	ComponentPolicy     = "policy"
	ComponentGraph      = "graph"
	ComponentHealth     = "health"
	ComponentStore      = "store"
	ComponentAPI        = "api"
	ComponentNotify     = "notify"
	ComponentProfile    = "profile"
)

var (
	once        sync.Once
	initialized bool
	mu          sync.Mutex
)

func levelFor(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a zap logger with the given level and format.
func New(level string, format Format) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if Format(strings.ToUpper(string(format))) == FormatConsole {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = timeEncoder
		cfg.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(levelFor(level)))
	return zap.New(core, zap.AddCaller())
}

// Initialize replaces the global zap logger. Only the first call has effect.
func Initialize(level string, format Format) {
	once.Do(func() {
		l := New(level, format)
		zap.ReplaceGlobals(l)
		mu.Lock()
		initialized = true
		mu.Unlock()
		l.Info("logger initialized", zap.String("level", level), zap.String("format", string(format)))
	})
}

func ensure() {
	mu.Lock()
	done := initialized
	mu.Unlock()
	if !done {
		Initialize(getenv("LOGGING_LEVEL", "INFO"), Format(getenv("LOGGING_FORMAT", string(FormatJSON))))
	}
}

// For returns a named sugared logger for a component.
func For(component string) *zap.SugaredLogger {
	ensure()
	return zap.S().Named(component)
}

// Sync flushes buffered log entries.
func Sync() error {
	return zap.L().Sync()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
