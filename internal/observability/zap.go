package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds a JSON production logger at the given level (debug, info, warn, error).
func NewZapLogger(level string) (*ZapLogger, error) {
	lvl := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(trimmed))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &ZapLogger{base: logger}, nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{base: logger}
}

// Named returns a child logger scoped to the component name.
func (l *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{base: l.base.Named(name)}
}

// Debug implements Logger.
func (l *ZapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, zapFields(fields)...) }

// Info implements Logger.
func (l *ZapLogger) Info(msg string, fields ...Field) { l.base.Info(msg, zapFields(fields)...) }

// Warn implements Logger.
func (l *ZapLogger) Warn(msg string, fields ...Field) { l.base.Warn(msg, zapFields(fields)...) }

// Error implements Logger.
func (l *ZapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, zapFields(fields)...) }

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
