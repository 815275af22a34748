// Package config provides configuration management for the modelfetch service.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shepherd-project/modelfetch/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "modelfetch.config.yaml"
	// DefaultCatalogFile is the default model catalog file name
	DefaultCatalogFile = "catalog.yaml"
	// ConfigDirEnv overrides the configuration directory
	ConfigDirEnv = "MODELFETCH_CONFIG_DIR"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Catalog  CatalogConfig         `mapstructure:"catalog" yaml:"catalog" json:"catalog"`
	Security SecurityConfig        `mapstructure:"security" yaml:"security" json:"security"`
	Log      LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Storage  storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host" json:"host"`
	Port         int    `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`    // seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DownloadConfig contains download engine configuration
type DownloadConfig struct {
	Directory     string `mapstructure:"directory" yaml:"directory" json:"directory"`
	ChunkSize     int64  `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunkSize"` // bytes
	MaxConcurrent int    `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"maxConcurrent"`
	Timeout       int    `mapstructure:"timeout" yaml:"timeout" json:"timeout"` // seconds, per request
	UserAgent     string `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
	MinFreeSpace  int64  `mapstructure:"min_free_space" yaml:"min_free_space" json:"minFreeSpace"` // bytes kept free
	// DiscardStale restarts a download from scratch when the remote changed while paused
	DiscardStale bool `mapstructure:"discard_stale" yaml:"discard_stale" json:"discardStale"`
}

// CatalogConfig locates the model catalog and the repository it points into
type CatalogConfig struct {
	Path     string `mapstructure:"path" yaml:"path" json:"path"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"` // huggingface.co or a mirror
	Token    string `mapstructure:"token" yaml:"token" json:"-"`             // bearer token for gated repos
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	CORSEnabled    bool     `mapstructure:"cors_enabled" yaml:"cors_enabled" json:"corsEnabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowedOrigins"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`                  // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format" json:"format"`               // json, text
	Output     string `mapstructure:"output" yaml:"output" json:"output"`               // stdout, file, both
	Directory  string `mapstructure:"directory" yaml:"directory" json:"directory"`      // log directory
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize"`          // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups"` // number of backup files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge"`             // days
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()
	dataDir := filepath.Join(cwd, "data")

	storageCfg := storage.StorageConfig{
		Type:   storage.StorageTypeSQLite,
		SQLite: &storage.SQLiteConfig{Path: filepath.Join(dataDir, "sessions.db"), EnableWAL: true},
	}
	// Tests never touch the working directory
	if testing.Testing() {
		storageCfg = storage.StorageConfig{Type: storage.StorageTypeMemory}
	}

	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         9290,
			ReadTimeout:  60,
			WriteTimeout: 0, // SSE and websocket streams stay open
		},
		Download: DownloadConfig{
			Directory:     filepath.Join(cwd, "models"),
			ChunkSize:     10 * 1024 * 1024,
			MaxConcurrent: 2,
			Timeout:       300,
			UserAgent:     "", // modelfetch/<version>
			MinFreeSpace:  512 * 1024 * 1024,
		},
		Catalog: CatalogConfig{
			Path:     filepath.Join(GetConfigDir(), DefaultCatalogFile),
			Endpoint: "https://huggingface.co",
		},
		Security: SecurityConfig{
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			Directory:  filepath.Join(cwd, "logs"),
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Storage: storageCfg,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Download.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Download.ChunkSize < 1024 {
		return fmt.Errorf("chunk size too small (minimum 1024 bytes)")
	}
	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}
	if c.Download.Timeout < 0 {
		return fmt.Errorf("download timeout cannot be negative")
	}
	if c.Download.MinFreeSpace < 0 {
		return fmt.Errorf("min free space cannot be negative")
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("invalid storage type: %q", c.Storage.Type)
	}

	switch c.Log.Output {
	case "", "stdout", "discard":
	case "file", "both":
		if c.Log.Directory == "" {
			return fmt.Errorf("log output %q requires a directory", c.Log.Output)
		}
	default:
		return fmt.Errorf("invalid log output: %q", c.Log.Output)
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a configuration manager for the default config file
func NewManager() *Manager {
	return NewManagerWithPath(filepath.Join(GetConfigDir(), DefaultConfigFile))
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{configPath: configPath}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
