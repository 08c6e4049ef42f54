package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/gattprofile/internal/profiles"
	"github.com/chaz8081/gattprofile/internal/profiles/scpp"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Profile   string          `yaml:"profile"`
	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Cache     CacheConfig     `yaml:"cache"`
	Status    StatusConfig    `yaml:"status"`
	Scan      ScanConfig      `yaml:"scan"`
	LogLevel  string          `yaml:"log_level"`
}

// EngineConfig sizes the profile client engine.
type EngineConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	QueueDepth        int           `yaml:"queue_depth"`
	IndicationTimeout time.Duration `yaml:"indication_timeout"`
}

// TransportConfig selects the radio backend and the peer to connect to.
type TransportConfig struct {
	Backend        string        `yaml:"backend"` // "sim", "tinygo" or "goble"
	Address        string        `yaml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectMax   int           `yaml:"reconnect_max"` // max backoff seconds
	QueueSize      int           `yaml:"queue_size"`
}

// CacheConfig holds handle cache settings. An empty path disables
// persistence.
type CacheConfig struct {
	Path string `yaml:"path"`
	Size int    `yaml:"size"`
}

// StatusConfig holds the status API settings. An empty listen address
// disables the API.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// ScanConfig is the scan interval and window reported to scpp peers, in
// 0.625 ms units.
type ScanConfig struct {
	Interval uint16 `yaml:"interval"`
	Window   uint16 `yaml:"window"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gattprofile")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	cachePath := filepath.Join(home, ".local", "share", "gattprofile", "handles.cbor")

	return &Config{
		Profile: "wss",
		Engine: EngineConfig{
			MaxConnections:    4,
			QueueDepth:        32,
			IndicationTimeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			Backend:        "sim",
			ConnectTimeout: 10 * time.Second,
			ReconnectMax:   30,
			QueueSize:      64,
		},
		Cache: CacheConfig{
			Path: cachePath,
			Size: 64,
		},
		Status: StatusConfig{
			Listen: "127.0.0.1:8765",
		},
		Scan: ScanConfig{
			Interval: 0x0060,
			Window:   0x0030,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in cache.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Cache.Path = expandTilde(cfg.Cache.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	content := "# gattprofile configuration\n# profiles: " + strings.Join(profiles.Names(), ", ") + "\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := profiles.Lookup(c.Profile); err != nil {
		return fmt.Errorf("profile must be one of %s, got %q", strings.Join(profiles.Names(), ", "), c.Profile)
	}

	if c.Engine.MaxConnections <= 0 {
		return fmt.Errorf("engine.max_connections must be > 0")
	}
	if c.Engine.QueueDepth <= 0 {
		return fmt.Errorf("engine.queue_depth must be > 0")
	}
	if c.Engine.IndicationTimeout <= 0 {
		return fmt.Errorf("engine.indication_timeout must be > 0")
	}

	switch c.Transport.Backend {
	case "sim":
	case "tinygo", "goble":
		if c.Transport.Address == "" {
			return fmt.Errorf("transport.address is required for the %s backend", c.Transport.Backend)
		}
	default:
		return fmt.Errorf("transport.backend must be \"sim\", \"tinygo\" or \"goble\", got %q", c.Transport.Backend)
	}
	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport.connect_timeout must be > 0")
	}
	if c.Transport.ReconnectMax <= 0 {
		return fmt.Errorf("transport.reconnect_max must be > 0")
	}
	if c.Transport.QueueSize <= 0 {
		return fmt.Errorf("transport.queue_size must be > 0")
	}

	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be > 0")
	}

	if _, err := scpp.EncodeIntervalWindow(c.Scan.Interval, c.Scan.Window); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
