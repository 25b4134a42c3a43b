package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPort is the TCP port the server listens on when none is configured.
const DefaultPort = 8765

// Config represents the main configuration for syncr. One file serves both
// roles: the server section is read by `syncr serve` and the client section
// by `syncr push`.
type Config struct {
	Root       string           `toml:"root"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Server     ServerConfig     `toml:"server"`
	Client     ClientConfig     `toml:"client"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Backup     BackupConfig     `toml:"backup"`
	Encryption EncryptionConfig `toml:"encryption"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// ServerConfig holds settings for the sync coordinator.
type ServerConfig struct {
	Port             int `toml:"port"`
	MaxConnections   int `toml:"max_connections"`
	IOTimeoutSeconds int `toml:"io_timeout_seconds"`
}

// IOTimeout bounds every network read and write on a server connection.
func (c ServerConfig) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutSeconds) * time.Second
}

// ClientConfig holds settings for the sync driver.
type ClientConfig struct {
	ServerHost           string  `toml:"server_host"`
	ServerPort           int     `toml:"server_port"`
	SizeThresholdBytes   int64   `toml:"size_threshold_bytes"`
	TimeThresholdSeconds float64 `toml:"time_threshold_seconds"`
	Retries              int     `toml:"retries"`
	RetryDelaySeconds    int     `toml:"retry_delay_seconds"`
	IOTimeoutSeconds     int     `toml:"io_timeout_seconds"`
}

// IOTimeout bounds every network read and write on the client connection.
func (c ClientConfig) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutSeconds) * time.Second
}

// RetryDelay is the pause between connection attempts.
func (c ClientConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// CatalogConfig represents configuration for the metadata catalog.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CatalogConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// BackupConfig represents configuration for the backup area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackupConfig struct {
	Type    string `toml:"type"` // "filesystem", "s3" or "memory"
	Encrypt bool   `toml:"encrypt"`

	// Filesystem-specific fields (only used when Type == "filesystem")
	Dir string `toml:"dir,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt backups.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "marker"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// FilesystemConfig holds directory walk settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// NewConfig creates a Config for the tree at root with every default filled in.
func NewConfig(baseDir, root string) *Config {
	cfg := &Config{
		Root:    root,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Catalog: CatalogConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "data")},
		Backup:  BackupConfig{Type: "filesystem", Dir: filepath.Join(baseDir, "backups")},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "syncr.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "syncr.key"),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued tunables.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 16
	}
	if c.Server.IOTimeoutSeconds == 0 {
		c.Server.IOTimeoutSeconds = 30
	}
	if c.Client.ServerHost == "" {
		c.Client.ServerHost = "localhost"
	}
	if c.Client.ServerPort == 0 {
		c.Client.ServerPort = DefaultPort
	}
	if c.Client.SizeThresholdBytes == 0 {
		c.Client.SizeThresholdBytes = 10
	}
	if c.Client.TimeThresholdSeconds == 0 {
		c.Client.TimeThresholdSeconds = 60
	}
	if c.Client.Retries == 0 {
		c.Client.Retries = 3
	}
	if c.Client.RetryDelaySeconds == 0 {
		c.Client.RetryDelaySeconds = 2
	}
	if c.Client.IOTimeoutSeconds == 0 {
		c.Client.IOTimeoutSeconds = 30
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must be set")
	}
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("root must be an absolute path: %s", c.Root)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Client.SizeThresholdBytes < 0 || c.Client.TimeThresholdSeconds < 0 {
		return fmt.Errorf("client thresholds must not be negative")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Init writes cfg to a new config file at path. An existing file is left
// untouched and reported as an error.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("initializing config at %s: %w", path, err)
	}
	return nil
}
