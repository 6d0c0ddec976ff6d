// Package logging builds the installer's structured file logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/baker-street/bakerst-install/phases"
)

// Config controls where and how much the installer logs.
type Config struct {
	// Path is the log file; rotated by size.
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Console additionally writes human-readable lines to stderr.
	Console bool
}

// DefaultPath is ~/.bakerst/install.log, or install.log in the working
// directory when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "install.log"
	}
	return filepath.Join(home, ".bakerst", "install.log")
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Path:       DefaultPath(),
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

// New builds a JSON logger writing to a rotating file.
func New(cfg Config) (*zap.Logger, error) {
	if strings.TrimSpace(cfg.Level) == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level),
	}
	if cfg.Console {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleConfig.EncodeCaller = nil
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// PhaseObserver logs every phase transition.
func PhaseObserver(logger *zap.Logger) phases.Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return phases.ObserverFunc(func(from, to phases.Phase) {
		logger.Info("phase changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("step", to.Index()+1),
			zap.Int("total", phases.Total()),
		)
	})
}
