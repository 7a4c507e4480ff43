// Package config resolves the profile data directory and manages the
// daemon's persisted settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "agent-messenger"
	// DefaultRelayURL is the relay base URL used when no override exists.
	DefaultRelayURL = "ws://localhost:9000"
	// DefaultAPIHost binds the control API to loopback only.
	DefaultAPIHost = "127.0.0.1"
	// DefaultAPIPort is the control API port.
	DefaultAPIPort = 5757
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent daemon settings for one profile.
type Config struct {
	ProfileID        string `json:"profile_id"`
	RelayURL         string `json:"relay_url"`
	APIHost          string `json:"api_host"`
	APIPort          int    `json:"api_port"`
	EnvelopeMode     string `json:"envelope_mode"`
	GatePolicy       string `json:"gate_policy"`
	DiscoveryEnabled bool   `json:"discovery_enabled"`
	LogLevel         string `json:"log_level"`
}

// StreamURL returns the relay's streaming endpoint.
func (c *Config) StreamURL() string {
	return strings.TrimRight(c.RelayURL, "/") + "/ws"
}

// APIAddr returns the control API listen address.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// ResolveDataDir returns the OS-aware profile data directory. A non-empty
// profile name selects a subdirectory under profiles/.
//
// If AGENT_MESSENGER_DATA_DIR is set, its value is used as an explicit
// override (the profile name still nests beneath it).
func ResolveDataDir(profile string) (string, error) {
	base := os.Getenv("AGENT_MESSENGER_DATA_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}

		switch runtime.GOOS {
		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				appData = filepath.Join(home, "AppData", "Roaming")
			}
			base = filepath.Join(appData, AppDirectoryName)
		default:
			base = filepath.Join(home, "."+AppDirectoryName)
		}
	}

	if profile != "" {
		return filepath.Join(base, "profiles", profile), nil
	}
	return base, nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the profile directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "messages"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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

// LoadOrCreate ensures the profile directory and config exist for the named
// profile, then returns the config and its path.
func LoadOrCreate(profile string) (*Config, string, error) {
	dataDir, err := ResolveDataDir(profile)
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

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *Config {
	return &Config{
		ProfileID:        uuid.NewString(),
		RelayURL:         DefaultRelayURL,
		APIHost:          DefaultAPIHost,
		APIPort:          DefaultAPIPort,
		EnvelopeMode:     "legacy",
		GatePolicy:       "lenient",
		DiscoveryEnabled: false,
		LogLevel:         "info",
	}
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.ProfileID == "" {
		cfg.ProfileID = uuid.NewString()
		updated = true
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}
	if cfg.APIHost == "" {
		cfg.APIHost = DefaultAPIHost
		updated = true
	}
	if cfg.APIPort <= 0 {
		cfg.APIPort = DefaultAPIPort
		updated = true
	}
	if cfg.EnvelopeMode == "" {
		cfg.EnvelopeMode = "legacy"
		updated = true
	}
	if cfg.GatePolicy == "" {
		cfg.GatePolicy = "lenient"
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	return updated
}
