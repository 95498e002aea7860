package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flowmint/internal/config"
)

// New builds the process logger. Every entry carries the service name and
// environment so engine logs can be told apart once shipped.
func New(cfg config.LogConfig, service, env string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	switch encoding {
	case "":
		encoding = "json"
	case "json", "console":
	default:
		return nil, fmt.Errorf("logger: unsupported encoding %q", cfg.Encoding)
	}

	encoder := zap.NewProductionEncoderConfig()
	if encoding == "console" {
		encoder = zap.NewDevelopmentEncoderConfig()
	}
	encoder.TimeKey = "ts"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.StringDurationEncoder

	fields := map[string]any{}
	if service = strings.TrimSpace(service); service != "" {
		fields["service"] = service
	}
	if env = strings.TrimSpace(env); env != "" {
		fields["env"] = env
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding,
		DisableCaller:     cfg.DisableCaller,
		DisableStacktrace: cfg.DisableStacktrace,
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		InitialFields:     fields,
	}
	if cfg.Sampling {
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	return zc.Build()
}
