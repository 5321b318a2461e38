package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment overrides, e.g.
// STASHMIRROR_SYNC__INTERVAL=30m overrides sync.interval.
const envPrefix = "STASHMIRROR_"

// defaultConfigPaths are searched in order when no explicit path is given.
var defaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/stashmirror/config.yaml",
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Sync     SyncConfig     `koanf:"sync"`
	Log      LogConfig      `koanf:"log"`
	Secrets  SecretsConfig  `koanf:"secrets"`
}

type ServerConfig struct {
	Addr       string `koanf:"addr"`
	AdminToken string `koanf:"admin_token"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type SyncConfig struct {
	Interval        time.Duration `koanf:"interval"`
	FullInterval    time.Duration `koanf:"full_interval"`
	PageSize        int           `koanf:"page_size"`
	CleanupPageSize int           `koanf:"cleanup_page_size"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type SecretsConfig struct {
	// Key derives the AES key that encrypts instance api keys at rest.
	Key string `koanf:"key"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Database: DatabaseConfig{
			Path: "stashmirror.db",
		},
		Sync: SyncConfig{
			Interval:        time.Hour,
			FullInterval:    24 * time.Hour,
			PageSize:        100,
			CleanupPageSize: 1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional yaml file and
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.PageSize <= 0 || c.Sync.CleanupPageSize <= 0 {
		return fmt.Errorf("sync page sizes must be positive")
	}
	if c.Sync.Interval <= 0 || c.Sync.FullInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	return nil
}
