// Package observability builds the zap loggers used by the jobsup binary.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger for command implementations. It discards
// everything until InitCLILogger runs.
var CLILogger = zap.NewNop()

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	workerLogMaxSizeMB  = 10
	workerLogMaxBackups = 3
)

// InitCLILogger points CLILogger at stderr. Stdout stays reserved for
// command output.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewLogger(service, level, FormatConsole, zapcore.Lock(os.Stderr))
}

// ParseLevel accepts zap level names in any case. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// NewLogger builds a logger writing format-encoded entries at or above level
// to out. Unknown formats fall back to console.
func NewLogger(service string, level zapcore.Level, format string, out zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	logger := zap.New(zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level)))
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger
}

// NewWorkerLogger returns a JSON logger appending to path with size-based
// rotation. Workers cannot log to stdout or stderr: both belong to the job's
// capture file.
func NewWorkerLogger(path string, level zapcore.Level) *zap.Logger {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    workerLogMaxSizeMB,
		MaxBackups: workerLogMaxBackups,
	}
	return NewLogger("jobsup-worker", level, FormatJSON, zapcore.AddSync(sink))
}
