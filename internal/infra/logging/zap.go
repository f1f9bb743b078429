// Package logging builds the zap logger used by the service and adapts it to
// core.Logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"labflow/internal/core"
)

// Environments recognized by New.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config selects the level and output shape of the logger.
type Config struct {
	Level string
	Env   string
	// OutputPath and ErrorOutputPath apply in production; stdout/stderr are
	// used when empty.
	OutputPath      string
	ErrorOutputPath string
}

// ParseLevel maps a level name onto a zap level, defaulting to info.
func ParseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// New builds a zap logger. Development logs go to the console encoder on
// stdout; everything else is JSON.
func New(cfg Config) (*zap.Logger, error) {
	outputs := []string{"stdout"}
	errOutputs := []string{"stderr"}
	encoding := "json"
	switch cfg.Env {
	case EnvDevelopment:
		encoding = "console"
	case EnvProduction:
		if cfg.OutputPath != "" {
			outputs = []string{cfg.OutputPath}
		}
		if cfg.ErrorOutputPath != "" {
			errOutputs = append(errOutputs, cfg.ErrorOutputPath)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(cfg.Level)),
		Development:      cfg.Env == EnvDevelopment,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: errOutputs,
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return logger, nil
}

// Adapter exposes a zap logger through core.Logger. Arguments are
// alternating key/value pairs, as with zap's SugaredLogger.
type Adapter struct {
	sugar *zap.SugaredLogger
}

var _ core.Logger = Adapter{}

// NewAdapter wraps l; a nil logger discards everything.
func NewAdapter(l *zap.Logger) Adapter {
	if l == nil {
		l = zap.NewNop()
	}
	return Adapter{sugar: l.Sugar()}
}

func (a Adapter) Debug(msg string, args ...any) { a.sugar.Debugw(msg, args...) }
func (a Adapter) Info(msg string, args ...any)  { a.sugar.Infow(msg, args...) }
func (a Adapter) Warn(msg string, args ...any)  { a.sugar.Warnw(msg, args...) }
func (a Adapter) Error(msg string, args ...any) { a.sugar.Errorw(msg, args...) }
