package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "netless"
	// DefaultBindPort is the relay's TCP port when no override exists.
	DefaultBindPort = 3000
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// RelayConfig contains persistent relay settings.
//
// AdminSecret is write-only: operators set it in plaintext, and the next load
// replaces it with AdminSecretHash and blanks the plaintext on disk.
type RelayConfig struct {
	RelayID         string `json:"relay_id"`
	RelayName       string `json:"relay_name"`
	BindPort        int    `json:"bind_port"`
	AdminSecret     string `json:"admin_secret,omitempty"`
	AdminSecretHash string `json:"admin_secret_hash,omitempty"`

	ChunkSize                  int   `json:"chunk_size"`
	BackpressureThreshold      int64 `json:"backpressure_threshold"`
	SendTimeoutSeconds         int   `json:"send_timeout_seconds"`
	ReassemblyStalenessSeconds int   `json:"reassembly_staleness_seconds"`
	MaxPayloadSize             int64 `json:"max_payload_size"`
	MaxFrameSize               int64 `json:"max_frame_size"`
	QueueDepth                 int   `json:"queue_depth"`
}

// SendTimeout returns the per-peer send timeout as a duration.
func (c *RelayConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// ReassemblyStaleness returns the transfer staleness window as a duration.
func (c *RelayConfig) ReassemblyStaleness() time.Duration {
	return time.Duration(c.ReassemblyStalenessSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NETLESS_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("NETLESS_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*RelayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg RelayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *RelayConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// both. Normalized values (filled defaults, hashed secrets) are written back.
func LoadOrCreate() (*RelayConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	updated, err := normalizeDefaults(cfg)
	if err != nil {
		return nil, "", err
	}
	if updated {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *RelayConfig {
	relayName := "Netless Relay"
	if host, err := os.Hostname(); err == nil && host != "" {
		relayName = host
	}

	return &RelayConfig{
		RelayID:                    uuid.NewString(),
		RelayName:                  relayName,
		BindPort:                   DefaultBindPort,
		ChunkSize:                  1024 * 1024,
		BackpressureThreshold:      512 * 1024,
		SendTimeoutSeconds:         30,
		ReassemblyStalenessSeconds: 180,
		MaxPayloadSize:             100 * 1024 * 1024,
		MaxFrameSize:               20 * 1024 * 1024,
		QueueDepth:                 4,
	}
}

func normalizeDefaults(cfg *RelayConfig) (bool, error) {
	updated := false
	defaults := defaultConfig()

	if cfg.RelayID == "" {
		cfg.RelayID = uuid.NewString()
		updated = true
	}
	if cfg.RelayName == "" {
		cfg.RelayName = defaults.RelayName
		updated = true
	}
	if cfg.BindPort <= 0 {
		cfg.BindPort = DefaultBindPort
		updated = true
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
		updated = true
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = defaults.BackpressureThreshold
		updated = true
	}
	if cfg.SendTimeoutSeconds <= 0 {
		cfg.SendTimeoutSeconds = defaults.SendTimeoutSeconds
		updated = true
	}
	if cfg.ReassemblyStalenessSeconds <= 0 {
		cfg.ReassemblyStalenessSeconds = defaults.ReassemblyStalenessSeconds
		updated = true
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = defaults.MaxPayloadSize
		updated = true
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaults.MaxFrameSize
		updated = true
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaults.QueueDepth
		updated = true
	}

	if cfg.AdminSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminSecret), bcrypt.DefaultCost)
		if err != nil {
			return false, fmt.Errorf("hash admin secret: %w", err)
		}
		cfg.AdminSecretHash = string(hash)
		cfg.AdminSecret = ""
		updated = true
	}

	return updated, nil
}
