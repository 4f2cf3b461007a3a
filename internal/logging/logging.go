// Package logging builds the continuityd zap logger.
//
// All output goes to stderr: the stdio MCP transport owns stdout, and a
// stray log line on stdout would corrupt the protocol stream. When
// telemetry is enabled, entries are mirrored to the OTel log bridge.
package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/continuityd/internal/config"
)

// TraceLevel is a custom level below Debug for ultra-verbose logging.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level string, supporting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger creates a logger from config. otelProvider may be nil, in which
// case the OTel mirror is disabled regardless of cfg.OTEL.
func NewLogger(cfg *config.LoggingConfig, otelProvider otellog.LoggerProvider) (*zap.Logger, error) {
	level, err := LevelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, err
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level),
	}
	if cfg.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("continuityd",
			otelzap.WithLoggerProvider(otelProvider),
		))
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}

	logger := zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))

	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		logger = logger.With(fields...)
	}

	return logger, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
