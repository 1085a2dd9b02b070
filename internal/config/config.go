package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MUSICPLAYER_DOWNLOAD_WIFI_ONLY.
const EnvPrefix = "MUSICPLAYER"

// Config represents the application configuration
type Config struct {
	Download DownloadConfig `json:"download" mapstructure:"download"`
	Network  NetworkConfig  `json:"network" mapstructure:"network"`
	Library  LibraryConfig  `json:"library" mapstructure:"library"`
	Catalog  CatalogConfig  `json:"catalog" mapstructure:"catalog"`
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// DownloadConfig contains download-related settings
type DownloadConfig struct {
	Dir                 string  `json:"dir" mapstructure:"dir"`
	DatabasePath        string  `json:"database_path" mapstructure:"database_path"`
	WifiOnly            bool    `json:"wifi_only" mapstructure:"wifi_only"`
	ConcurrentDownloads int     `json:"concurrent_downloads" mapstructure:"concurrent_downloads"`
	ChunkSize           int     `json:"chunk_size" mapstructure:"chunk_size"`
	ConnectTimeout      int     `json:"connect_timeout" mapstructure:"connect_timeout"` // seconds
	ReadTimeout         int     `json:"read_timeout" mapstructure:"read_timeout"`       // seconds
	SpaceMargin         float64 `json:"space_margin" mapstructure:"space_margin"`
	ChecksumAlgorithm   string  `json:"checksum_algorithm" mapstructure:"checksum_algorithm"`
	WriteTags           bool    `json:"write_tags" mapstructure:"write_tags"`
	FetchCover          bool    `json:"fetch_cover" mapstructure:"fetch_cover"`
	CoverSize           int     `json:"cover_size" mapstructure:"cover_size"`
	StaleTempAge        int     `json:"stale_temp_age" mapstructure:"stale_temp_age"` // minutes
}

// NetworkConfig contains network-related settings
type NetworkConfig struct {
	MaxRetries     int      `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay int      `json:"retry_base_delay" mapstructure:"retry_base_delay"` // seconds
	RetryMaxDelay  int      `json:"retry_max_delay" mapstructure:"retry_max_delay"`   // seconds
	BandwidthLimit int      `json:"bandwidth_limit" mapstructure:"bandwidth_limit"`   // bytes/s, 0 = unlimited
	ProbeAddress   string   `json:"probe_address" mapstructure:"probe_address"`
	WifiInterfaces []string `json:"wifi_interfaces" mapstructure:"wifi_interfaces"`
}

// LibraryConfig contains library repository settings
type LibraryConfig struct {
	Workers   int `json:"workers" mapstructure:"workers"`
	MaxRecent int `json:"max_recent" mapstructure:"max_recent"`
}

// CatalogConfig contains remote catalog sync settings
type CatalogConfig struct {
	SourceURL         string  `json:"source_url" mapstructure:"source_url"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
}

// ServerConfig contains status server settings
type ServerConfig struct {
	Address string `json:"address" mapstructure:"address"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = GetConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Download.Dir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}

	if c.Download.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Download.ConcurrentDownloads < 1 || c.Download.ConcurrentDownloads > 16 {
		return fmt.Errorf("concurrent downloads must be between 1 and 16")
	}

	if c.Download.ChunkSize < 512 || c.Download.ChunkSize > 4<<20 {
		return fmt.Errorf("chunk size must be between 512 bytes and 4 MiB")
	}

	if c.Download.ConnectTimeout < 1 || c.Download.ReadTimeout < 1 {
		return fmt.Errorf("connect and read timeouts must be at least 1 second")
	}

	if c.Download.SpaceMargin < 1 {
		return fmt.Errorf("space margin must be at least 1.0")
	}

	validAlgorithms := map[string]bool{"md5": true, "sha256": true, "blake2b": true}
	if !validAlgorithms[c.Download.ChecksumAlgorithm] {
		return fmt.Errorf("invalid checksum algorithm: %s (must be md5, sha256, or blake2b)", c.Download.ChecksumAlgorithm)
	}

	if c.Download.CoverSize < 100 || c.Download.CoverSize > 5000 {
		return fmt.Errorf("cover size must be between 100 and 5000 pixels")
	}

	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.Network.RetryBaseDelay < 1 || c.Network.RetryMaxDelay < c.Network.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 1 <= base <= max")
	}

	if c.Network.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth limit cannot be negative")
	}

	if c.Library.Workers < 1 {
		return fmt.Errorf("library workers must be at least 1")
	}

	if c.Library.MaxRecent < 1 {
		return fmt.Errorf("max recent entries must be at least 1")
	}

	if c.Catalog.RequestsPerSecond <= 0 {
		return fmt.Errorf("catalog requests per second must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log retention values cannot be negative")
	}

	return nil
}

// Save saves the configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("download", c.Download)
	v.Set("network", c.Network)
	v.Set("library", c.Library)
	v.Set("catalog", c.Catalog)
	v.Set("server", c.Server)
	v.Set("logging", c.Logging)

	return v.WriteConfigAs(path)
}

// ConnectTimeoutDuration returns the TCP connect timeout.
func (d DownloadConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(d.ConnectTimeout) * time.Second
}

// ReadTimeoutDuration returns the per-read idle timeout.
func (d DownloadConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(d.ReadTimeout) * time.Second
}

// StaleTempAgeDuration returns the age after which a temp file is orphaned.
func (d DownloadConfig) StaleTempAgeDuration() time.Duration {
	return time.Duration(d.StaleTempAge) * time.Minute
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	dataDir := GetDataDir()

	// Download defaults
	v.SetDefault("download.dir", filepath.Join(dataDir, "music_downloads"))
	v.SetDefault("download.database_path", filepath.Join(dataDir, "data", "library.db"))
	v.SetDefault("download.wifi_only", true)
	v.SetDefault("download.concurrent_downloads", 2)
	v.SetDefault("download.chunk_size", 8192)
	v.SetDefault("download.connect_timeout", 30)
	v.SetDefault("download.read_timeout", 30)
	v.SetDefault("download.space_margin", 1.1)
	v.SetDefault("download.checksum_algorithm", "md5")
	v.SetDefault("download.write_tags", false)
	v.SetDefault("download.fetch_cover", true)
	v.SetDefault("download.cover_size", 600)
	v.SetDefault("download.stale_temp_age", 60)

	// Network defaults
	v.SetDefault("network.max_retries", 3)
	v.SetDefault("network.retry_base_delay", 2)
	v.SetDefault("network.retry_max_delay", 60)
	v.SetDefault("network.bandwidth_limit", 0)
	v.SetDefault("network.probe_address", "1.1.1.1:443")
	v.SetDefault("network.wifi_interfaces", []string{"wl", "wlan", "wifi", "en0"})

	// Library defaults
	v.SetDefault("library.workers", 4)
	v.SetDefault("library.max_recent", 100)

	// Catalog defaults
	v.SetDefault("catalog.source_url", "")
	v.SetDefault("catalog.requests_per_second", 5.0)

	// Server defaults
	v.SetDefault("server.address", "127.0.0.1:8420")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(dataDir, "logs", "app.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// ensureConfigDir ensures the configuration directory exists
func ensureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0755)
}

// GetDataDir returns the application data directory. MUSICPLAYER_HOME
// overrides the platform default.
func GetDataDir() string {
	if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
		return home
	}

	base, err := os.UserConfigDir()
	if err != nil {
		base = os.Getenv("HOME")
	}
	return filepath.Join(base, "MusicPlayer")
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}
