package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Download: DownloadConfig{
			Dir:                 "/tmp/music_downloads",
			DatabasePath:        "/tmp/library.db",
			WifiOnly:            true,
			ConcurrentDownloads: 2,
			ChunkSize:           8192,
			ConnectTimeout:      30,
			ReadTimeout:         30,
			SpaceMargin:         1.1,
			ChecksumAlgorithm:   "md5",
			CoverSize:           600,
		},
		Network: NetworkConfig{
			MaxRetries:     3,
			RetryBaseDelay: 2,
			RetryMaxDelay:  60,
		},
		Library: LibraryConfig{
			Workers:   4,
			MaxRecent: 100,
		},
		Catalog: CatalogConfig{
			RequestsPerSecond: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"empty download dir", func(c *Config) { c.Download.Dir = "" }, true},
		{"chunk too small", func(c *Config) { c.Download.ChunkSize = 16 }, true},
		{"zero read timeout", func(c *Config) { c.Download.ReadTimeout = 0 }, true},
		{"margin below one", func(c *Config) { c.Download.SpaceMargin = 0.9 }, true},
		{"unknown checksum", func(c *Config) { c.Download.ChecksumAlgorithm = "crc32" }, true},
		{"negative retries", func(c *Config) { c.Network.MaxRetries = -1 }, true},
		{"inverted retry delays", func(c *Config) { c.Network.RetryMaxDelay = 1; c.Network.RetryBaseDelay = 5 }, true},
		{"no library workers", func(c *Config) { c.Library.Workers = 0 }, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"invalid log output", func(c *Config) { c.Logging.Output = "syslog" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MUSICPLAYER_HOME", tmpDir)
	configPath := filepath.Join(tmpDir, "settings.json")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("Expected default config to be written: %v", err)
	}
	if !cfg.Download.WifiOnly {
		t.Error("Expected wifi_only to default to true")
	}
	if cfg.Download.ChunkSize != 8192 {
		t.Errorf("Expected chunk size 8192, got %d", cfg.Download.ChunkSize)
	}
	if cfg.Download.ConnectTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30s connect timeout, got %v", cfg.Download.ConnectTimeoutDuration())
	}
	if cfg.Library.Workers != 4 || cfg.Library.MaxRecent != 100 {
		t.Errorf("Unexpected library defaults: %+v", cfg.Library)
	}
	if cfg.Download.Dir != filepath.Join(tmpDir, "music_downloads") {
		t.Errorf("Unexpected download dir %s", cfg.Download.Dir)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MUSICPLAYER_HOME", tmpDir)
	t.Setenv("MUSICPLAYER_DOWNLOAD_WIFI_ONLY", "false")
	t.Setenv("MUSICPLAYER_NETWORK_MAX_RETRIES", "7")

	cfg, err := Load(filepath.Join(tmpDir, "settings.json"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Download.WifiOnly {
		t.Error("Expected env to disable wifi_only")
	}
	if cfg.Network.MaxRetries != 7 {
		t.Errorf("Expected max retries 7, got %d", cfg.Network.MaxRetries)
	}
}

func TestSaveAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MUSICPLAYER_HOME", tmpDir)
	configPath := filepath.Join(tmpDir, "settings.json")

	cfg := validConfig()
	cfg.Download.Dir = filepath.Join(tmpDir, "music")
	cfg.Download.ChunkSize = 16384
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if loaded.Download.ChunkSize != 16384 {
		t.Errorf("Expected chunk size 16384, got %d", loaded.Download.ChunkSize)
	}
	if loaded.Download.Dir != cfg.Download.Dir {
		t.Errorf("Expected dir %s, got %s", cfg.Download.Dir, loaded.Download.Dir)
	}
}
