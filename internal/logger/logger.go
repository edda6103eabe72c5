// Package logger provides the mount's structured logging: a five-level
// severity (trace/debug/info/warning/error), text or JSON encoding, console
// or rotating-file output, and a runtime severity bump for SIGUSR1.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered finer than zap's built-in Debug so a TRACE
// setting can surface the chattiest wire-level logging this engine emits.
const (
	LevelTrace = zapcore.Level(-2)
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
	LevelOff   = zapcore.Level(zapcore.FatalLevel + 1)
)

// Config carries the log.* settings from the mount's configuration.
type Config struct {
	Severity string // "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", or "OFF"
	Format   string // "text" or "json"; defaults to "text"

	// FilePath, when set, routes output to a rotating file instead of
	// stderr.
	FilePath        string
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

var (
	mu      sync.Mutex
	base    *zap.Logger
	atomLvl = zap.NewAtomicLevelAt(LevelInfo)
)

func init() {
	base = zap.New(zapcore.NewCore(textEncoder(), zapcore.Lock(zapcore.AddSync(os.Stderr)), atomLvl))
}

// ParseSeverity converts a log.severity config value into a zapcore.Level,
// defaulting to INFO on an unrecognized value.
func ParseSeverity(s string) zapcore.Level {
	switch strings.ToUpper(s) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING", "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF":
		return LevelOff
	default:
		return LevelInfo
	}
}

func textEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.LevelKey = "severity"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.LevelKey = "severity"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// Init (re)builds the process-wide logger from cfg. Safe to call again,
// e.g. after a config reload.
func Init(cfg Config) error {
	encoder := textEncoder()
	if strings.EqualFold(cfg.Format, "json") {
		encoder = jsonEncoder()
	}

	writer := zapcore.AddSync(os.Stderr)
	if cfg.FilePath != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxFileSizeMB,
			MaxBackups: cfg.BackupFileCount,
			Compress:   cfg.Compress,
		})
	}

	lvl := ParseSeverity(cfg.Severity)
	atomLvl.SetLevel(lvl)

	core := zapcore.NewCore(encoder, writer, atomLvl)

	mu.Lock()
	base = zap.New(core)
	mu.Unlock()
	return nil
}

// SetSeverity bumps or lowers the running logger's level without rebuilding
// its output sink — used by the mount's SIGUSR1 handler.
func SetSeverity(s string) {
	atomLvl.SetLevel(ParseSeverity(s))
}

func current() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base
}

// Tracef logs at the finest severity, below zap's own Debug level.
func Tracef(format string, args ...any) {
	l := current()
	if ce := l.Check(LevelTrace, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write()
	}
}

func Debugf(format string, args ...any) { current().Sugar().Debugf(format, args...) }
func Infof(format string, args ...any)  { current().Sugar().Infof(format, args...) }
func Warnf(format string, args ...any)  { current().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...any) { current().Sugar().Errorf(format, args...) }

// Sugared returns a *zap.SugaredLogger sharing this package's level and
// sink, for components (cache, pool, tree, fileio, ...) that take one
// directly rather than calling through the package-level helpers.
func Sugared() *zap.SugaredLogger {
	return current().Sugar()
}
