// Package logger builds the zap loggers used by hissync and carries the
// current run's identity through a context.
package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	sourceKey
)

// Config selects level, encoding and outputs.
type Config struct {
	Level       string
	Development bool
	// Encoding is "json" or "console"
	Encoding    string
	OutputPaths []string
}

// New builds a logger from cfg. Empty fields fall back to info level, JSON
// encoding and stderr, keeping stdout free for command output.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoding := cfg.Encoding
	switch encoding {
	case "":
		encoding = "json"
	case "json", "console":
	default:
		return nil, fmt.Errorf("invalid log encoding %q", cfg.Encoding)
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if encoding == "console" {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		if cfg.Development {
			enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if cfg.Development {
		log = log.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return log.With(zap.String("service", "hissync")), nil
}

// WithRun returns a context carrying the run ID and source label.
func WithRun(ctx context.Context, runID, source string) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	return context.WithValue(ctx, sourceKey, source)
}

// RunID returns the run ID stored by WithRun, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithContext returns base enriched with the run fields found in ctx.
// A nil base yields a no-op logger.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	var fields []zap.Field
	if id, ok := ctx.Value(runIDKey).(string); ok {
		fields = append(fields, zap.String("run_id", id))
	}
	if source, ok := ctx.Value(sourceKey).(string); ok {
		fields = append(fields, zap.String("source", source))
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
