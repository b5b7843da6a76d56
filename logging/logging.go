// Package logging defines the minimal logging contract consumed by the
// snapshot store components, plus a zap-backed production implementation.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

// Logger is the minimal logging interface required by the store subsystem.
// The optional source argument names the emitting component.
type Logger interface {
	Debug(message string, source ...string)
	Info(message string, source ...string)
	Warn(message string, source ...string)
	Error(message string, source ...string)
}

// Noop returns a logger that discards everything. Constructors fall back
// to it when handed a nil Logger.
func Noop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debug(string, ...string) {}
func (noopLogger) Info(string, ...string)  {}
func (noopLogger) Warn(string, ...string)  {}
func (noopLogger) Error(string, ...string) {}

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger constructs a ZapLogger for the given mode ("prod" or
// anything else for development config).
func NewZapLogger(mode string) (*ZapLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{logger: logger}, nil
}

// WrapZap adapts an existing zap.Logger. A nil logger yields a no-op
// adapter.
func WrapZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() {
	_ = l.logger.Sync()
}

func (l *ZapLogger) Debug(message string, source ...string) {
	l.logger.Debug(message, sourceField(source)...)
}

func (l *ZapLogger) Info(message string, source ...string) {
	l.logger.Info(message, sourceField(source)...)
}

func (l *ZapLogger) Warn(message string, source ...string) {
	l.logger.Warn(message, sourceField(source)...)
}

func (l *ZapLogger) Error(message string, source ...string) {
	l.logger.Error(message, sourceField(source)...)
}

func sourceField(source []string) []zap.Field {
	if len(source) == 0 || source[0] == "" {
		return nil
	}
	return []zap.Field{zap.String("source", source[0])}
}
