package monitoring

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/musicplayer/musicplayer-go/internal/config"
)

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // file, console, both
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LogConfigFrom converts the logging section of the application config.
func LogConfigFrom(cfg config.LoggingConfig) *LogConfig {
	return &LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// NewLogger creates a new Zap logger with the given configuration
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writers []zapcore.WriteSyncer

	if cfg.Output == "file" || cfg.Output == "both" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, zapcore.AddSync(fileWriter))
	}

	if cfg.Output == "console" || cfg.Output == "both" {
		// stderr keeps stdout free for command output
		writers = append(writers, zapcore.AddSync(os.Stderr))
	}

	if len(writers) == 0 {
		return nil, fmt.Errorf("invalid log output: %q", cfg.Output)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.NewMultiWriteSyncer(writers...),
		level,
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
