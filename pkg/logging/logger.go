// Package logging defines the optional structured logger used across piscale
// and a zap-backed implementation for the binaries.
//
// Library packages accept a Logger in their Config and stay silent when it is nil.
// Key-value pairs follow the zap sugared convention: alternating keys and values.
package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger accepted by piscale components.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...interface{})
	Info(ctx context.Context, msg string, keyvals ...interface{})
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// Zap implements Logger on top of a zap SugaredLogger.
type Zap struct {
	s *zap.SugaredLogger
}

var _ Logger = (*Zap)(nil)

// NewZap builds a zap logger at the given level ("debug", "info", "warn", "error").
// format selects "json" (production encoder) or "console" (development encoder).
func NewZap(level, format string) (*Zap, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Zap{s: l.Sugar()}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) *Zap {
	return &Zap{s: l.Sugar()}
}

// With returns a child logger that always adds the given key-value pairs.
func (z *Zap) With(keyvals ...interface{}) *Zap {
	return &Zap{s: z.s.With(keyvals...)}
}

func (z *Zap) Debug(_ context.Context, msg string, keyvals ...interface{}) {
	z.s.Debugw(msg, keyvals...)
}

func (z *Zap) Info(_ context.Context, msg string, keyvals ...interface{}) {
	z.s.Infow(msg, keyvals...)
}

func (z *Zap) Error(_ context.Context, msg string, keyvals ...interface{}) {
	z.s.Errorw(msg, keyvals...)
}

// Sync flushes buffered log entries.
func (z *Zap) Sync() error {
	return z.s.Sync()
}

// Nop discards every entry.
type Nop struct{}

var _ Logger = Nop{}

func (Nop) Debug(context.Context, string, ...interface{}) {}
func (Nop) Info(context.Context, string, ...interface{})  {}
func (Nop) Error(context.Context, string, ...interface{}) {}
