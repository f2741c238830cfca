// Package config loads settings for the origin and relay binaries from
// .env files, environment variables, and CLI flag overrides.
package config

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the origin (desktop) configuration.
type Config struct {
	SeratoRoot string   `env:"SERATO_PATH"`
	MusicPaths []string `env:"MUSIC_PATHS" envSeparator:","`
	MusicPath  string   `env:"MUSIC_PATH"`

	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port string `env:"PORT" envDefault:"8420"`

	RelayURL string `env:"RELAY_URL"`
	DeviceID string `env:"DEVICE_ID"`

	ReadOnly      bool `env:"READ_ONLY" envDefault:"false"`
	StrictResolve bool `env:"STRICT_RESOLVE" envDefault:"false"`

	AuthToken      string   `env:"AUTH_TOKEN"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile    string
	SeratoRoot string
	MusicPath  string
	Port       string
	RelayURL   string
	LogLevel   string
	ReadOnly   bool
}

// Load reads configuration with priority: CLI flags > environment variables
// > .env file > defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.SeratoRoot != "" {
		cfg.SeratoRoot = overrides.SeratoRoot
	}
	if overrides.MusicPath != "" {
		cfg.MusicPath = overrides.MusicPath
	}
	if overrides.Port != "" {
		cfg.Port = overrides.Port
	}
	if overrides.RelayURL != "" {
		cfg.RelayURL = overrides.RelayURL
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.ReadOnly {
		cfg.ReadOnly = true
	}

	if cfg.SeratoRoot == "" {
		cfg.SeratoRoot = DefaultSeratoRoot()
	}
	return cfg, nil
}

// Addr is the listen address for the origin HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Roots merges MUSIC_PATHS and MUSIC_PATH, falling back to the user's Music
// directory when neither is set.
func (c *Config) Roots() []string {
	roots := append([]string(nil), c.MusicPaths...)
	if c.MusicPath != "" {
		roots = append(roots, c.MusicPath)
	}
	if len(roots) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			roots = append(roots, filepath.Join(home, "Music"))
		}
	}
	return roots
}

// DefaultSeratoRoot returns the conventional _Serato_ location. Serato keeps
// its library under the user's Music folder on both macOS and Windows.
func DefaultSeratoRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "_Serato_"
	}
	return filepath.Join(home, "Music", "_Serato_")
}

// RelayConfig is the relay binary's configuration.
type RelayConfig struct {
	Addr           string        `env:"RELAY_ADDR" envDefault:":8421"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

// RelayOverrides holds relay CLI flag values.
type RelayOverrides struct {
	EnvFile  string
	Addr     string
	LogLevel string
}

func LoadRelay(overrides RelayOverrides) (*RelayConfig, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &RelayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if overrides.Addr != "" {
		cfg.Addr = overrides.Addr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	return cfg, nil
}
