package monitoring

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/musicplayer/musicplayer-go/internal/config"
)

func TestNewLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	cfg := &LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "file",
		FilePath:   logPath,
		MaxSizeMB:  10,
		MaxBackups: 2,
		MaxAgeDays: 7,
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("test message", zap.String("track_id", "abc"))
	logger.Sync()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected log output in file")
	}
}

func TestNewLoggerConsole(t *testing.T) {
	logger, err := NewLogger(&LogConfig{Level: "debug", Format: "console", Output: "console"})
	if err != nil {
		t.Fatalf("Failed to create console logger: %v", err)
	}
	defer logger.Sync()

	logger.Debug("debug message")
	logger.Warn("warn message")
}

func TestLogConfigFrom(t *testing.T) {
	cfg := LogConfigFrom(config.LoggingConfig{
		Level:     "warn",
		Format:    "console",
		Output:    "both",
		FilePath:  "/var/log/app.log",
		MaxSizeMB: 5,
	})

	if cfg.Level != "warn" || cfg.Output != "both" || cfg.MaxSizeMB != 5 {
		t.Errorf("Unexpected conversion: %+v", cfg)
	}
}

func TestInvalidLoggerConfig(t *testing.T) {
	if _, err := NewLogger(&LogConfig{Level: "invalid", Format: "json", Output: "console"}); err == nil {
		t.Error("Expected error for invalid log level, got nil")
	}
	if _, err := NewLogger(&LogConfig{Level: "info", Format: "json", Output: "syslog"}); err == nil {
		t.Error("Expected error for unknown output, got nil")
	}
}
