package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for keep. The core treats everything in
// here as externally supplied and validates it at the boundary.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Drive      WatcherConfig    `toml:"drive"`
	Photos     WatcherConfig    `toml:"photos"`
}

// EncryptionConfig selects the encryption backend.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type EncryptionConfig struct {
	Type         string `toml:"type"`                    // "aead" (default) or "age"
	MaxPlaintext int64  `toml:"max_plaintext,omitempty"` // decrypt size ceiling in bytes; 0 = default
}

// VaultConfig describes the backup destination.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "local", "s3", or "memory"
	Name string `toml:"name"`

	// Local-specific fields (only used when Type == "local")
	LocalRoot string `toml:"local_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// Validate checks that all required fields for the vault type are present.
// Remote configs are additionally validated by a live connectivity probe
// before being trusted; that happens at the watcher layer, not here.
func (c VaultConfig) Validate() error {
	switch c.Type {
	case "local":
		if c.LocalRoot == "" {
			return fmt.Errorf("local vault requires local_root")
		}
	case "s3":
		missing := []string{}
		if c.S3Endpoint == "" {
			missing = append(missing, "s3_endpoint")
		}
		if c.S3Region == "" {
			missing = append(missing, "s3_region")
		}
		if c.S3Bucket == "" {
			missing = append(missing, "s3_bucket")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "s3_access_key")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "s3_secret_key")
		}
		if len(missing) > 0 {
			return fmt.Errorf("s3 vault requires %v", missing)
		}
	case "memory":
		// nothing to validate
	case "":
		return fmt.Errorf("vault type not set")
	default:
		return fmt.Errorf("unknown vault type: %s", c.Type)
	}
	return nil
}

// LedgerConfig describes the ledger store.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type LedgerConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// WatcherConfig configures one watcher (drive or photos).
type WatcherConfig struct {
	Enabled             bool     `toml:"enabled"`
	SourcePath          string   `toml:"source_path"`
	Mode                string   `toml:"mode"`                     // "basic", "mirror", or "snapshot"
	OrphanPolicy        string   `toml:"orphan_policy,omitempty"` // "keep" or "strict"; mirror mode only
	ScanIntervalSeconds int      `toml:"scan_interval_seconds"`
	ExcludeExtensions   []string `toml:"exclude_extensions"`
	ExcludeFolders      []string `toml:"exclude_folders"`
	Notify              bool     `toml:"notify"`
}

// ScanInterval returns the scan interval with a 5-minute default.
func (c WatcherConfig) ScanInterval() time.Duration {
	if c.ScanIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// NewConfig creates a Config with the provided values and default sections.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			Type: "aead",
		},
		Ledger: LedgerConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "ledger"),
		},
		Drive: WatcherConfig{
			Mode:                "basic",
			ScanIntervalSeconds: 300,
		},
		Photos: WatcherConfig{
			Mode:                "basic",
			ScanIntervalSeconds: 900,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
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

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Save writes a Config to the specified file path, overwriting any
// existing file. Used when a command changes persistent settings (mode,
// vault switch).
func Save(path string, cfg *Config) error {
	return writeToFile(path, cfg)
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
