package loom

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	LogLevelDebug  LogLevel = "DEBUG"
	LogLevelTrace  LogLevel = "TRACE"
	LogLevelInfo   LogLevel = "INFO"
	LogLevelReport LogLevel = "REPORT"
	LogLevelWarn   LogLevel = "WARN"
	LogLevelError  LogLevel = "ERROR"
)

func ParseLogLevel(s string) (LogLevel, error) {
	lvl := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	switch lvl {
	case LogLevelDebug, LogLevelTrace, LogLevelInfo, LogLevelReport, LogLevelWarn, LogLevelError:
		return lvl, nil
	case "":
		return LogLevelWarn, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// ZapLevel maps a level onto zap. TRACE folds into debug and REPORT into info.
func (l LogLevel) ZapLevel() zapcore.Level {
	switch l {
	case LogLevelDebug, LogLevelTrace:
		return zapcore.DebugLevel
	case LogLevelInfo, LogLevelReport:
		return zapcore.InfoLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// NewLogger builds a production JSON logger at the given level.
func NewLogger(level LogLevel) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.ZapLevel())
	cfg.Sampling = nil

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger, nil
}

// scopedLogger narrows an injected logger to a persisted level.
func scopedLogger(base *zap.Logger, level LogLevel) *zap.Logger {
	if level == "" || !base.Core().Enabled(level.ZapLevel()) {
		return base
	}

	return base.WithOptions(zap.IncreaseLevel(level.ZapLevel()))
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}

	return logger
}
