package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/streamwire/internal/protocol"
)

// Defaults applied before the config file and environment are read.
const (
	DefaultListen       = "127.0.0.1:9200"
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = 30 * time.Second
	socketName          = "streamwire.sock"
)

// Duration is a time.Duration written as a string such as "90s" in config
// files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// Config is the host configuration loaded from config.toml or config.yaml.
type Config struct {
	// TCP address serving /ws, /metrics and /healthz. Empty disables it.
	Listen string `toml:"listen" yaml:"listen"`
	// Unix socket path. Empty disables it.
	Socket string `toml:"socket" yaml:"socket"`
	// Peers silent for longer than this are disconnected. Zero disables
	// reaping.
	IdleTimeout  Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval Duration `toml:"reap_interval" yaml:"reap_interval"`
	// Bearer token required on /ws. Empty means the stored token is used.
	Token     string `toml:"token,omitempty" yaml:"token,omitempty"`
	Metrics   bool   `toml:"metrics" yaml:"metrics"`
	ChunkSize int    `toml:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	LogLevel  string `toml:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default(dataDir string) *Config {
	return &Config{
		Listen:       DefaultListen,
		Socket:       filepath.Join(dataDir, socketName),
		IdleTimeout:  Duration(DefaultIdleTimeout),
		ReapInterval: Duration(DefaultReapInterval),
		Metrics:      true,
		LogLevel:     "info",
	}
}

// Load reads config.toml (or, failing that, config.yaml / config.yml) from
// dataDir, applies environment variable overrides, and validates the result.
// A missing file is not an error.
func Load(dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if err := cfg.decodeFile(dataDir); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(dataDir string) error {
	path := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}

	for _, name := range []string{"config.yaml", "config.yml"} {
		path := filepath.Join(dataDir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// applyEnv overrides file settings from STREAMWIRE_* variables.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("STREAMWIRE_LISTEN"); ok {
		c.Listen = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("STREAMWIRE_SOCKET"); ok {
		c.Socket = strings.TrimSpace(v)
	}
	if v := os.Getenv("STREAMWIRE_IDLE_TIMEOUT"); v != "" {
		if err := c.IdleTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("STREAMWIRE_IDLE_TIMEOUT: %w", err)
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMWIRE_TOKEN")); v != "" {
		c.Token = v
	}
	if v := os.Getenv("STREAMWIRE_METRICS"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STREAMWIRE_METRICS: %w", err)
		}
		c.Metrics = on
	}
	return nil
}

// Validate checks the configuration for values the host cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" && c.Socket == "" {
		return errors.New("config: at least one of listen or socket must be set")
	}
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("config: invalid listen address %q: %w", c.Listen, err)
		}
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle_timeout must not be negative, got %s", time.Duration(c.IdleTimeout))
	}
	if c.IdleTimeout > 0 && c.ReapInterval <= 0 {
		return fmt.Errorf("config: reap_interval must be positive when idle_timeout is set")
	}
	if c.ChunkSize < 0 || c.ChunkSize > protocol.MaxPayloadLength {
		return fmt.Errorf("config: chunk_size must be between 0 and %d, got %d", protocol.MaxPayloadLength, c.ChunkSize)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level setting to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", s)
	}
	return l, nil
}

// Save writes the configuration to config.toml inside dataDir, creating the
// directory if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "config.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config.toml: %w", err)
	}
	return nil
}

// DataDir returns STREAMWIRE_DATA_DIR, or ~/.streamwire.
func DataDir() (string, error) {
	if dir := os.Getenv("STREAMWIRE_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".streamwire"), nil
}
