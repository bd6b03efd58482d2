// Package config loads the runtime configuration.
//
// Precedence, highest first: command-line flags, GURIH_ environment
// variables, the gurih.yaml file, built-in defaults. Environment keys nest
// with a double underscore: GURIH_DATABASE__URL sets database.url.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "gurih.yaml"

const envPrefix = "GURIH_"

// Database types.
const (
	DatabaseMemory   = "memory"
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// KnownPlugins lists the plugin names the runtime can construct.
var KnownPlugins = []string{"finance", "hr"}

// Config is the resolved runtime configuration.
type Config struct {
	Schema   string         `koanf:"schema"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Plugins  []string       `koanf:"plugins"`
	Password PasswordConfig `koanf:"password"`

	// File is the configuration file that was read, if any.
	File string `koanf:"-"`
}

type DatabaseConfig struct {
	Type string `koanf:"type"`
	URL  string `koanf:"url"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// PasswordConfig holds the argon2id cost parameters for password fields.
type PasswordConfig struct {
	Time    uint32 `koanf:"time"`
	Memory  uint32 `koanf:"memory"`
	Threads uint8  `koanf:"threads"`
}

func defaults() map[string]any {
	return map[string]any{
		"schema":           "schema",
		"database.type":    DatabaseMemory,
		"database.url":     "",
		"log.level":        "info",
		"plugins":          KnownPlugins,
		"password.time":    1,
		"password.memory":  64 * 1024,
		"password.threads": 4,
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"schema":    "schema",
	"db-type":   "database.type",
	"db-url":    "database.url",
	"log-level": "log.level",
	"plugins":   "plugins",
}

// Load resolves the configuration. path may be empty, in which case
// DefaultFile is read when present. flags may be nil; only flags the user
// set override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	used := path
	if used == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			used = DefaultFile
		}
	}
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", used, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = used
	if used != "" {
		cfg.Schema = resolveRelative(cfg.Schema, filepath.Dir(used))
		if cfg.Database.Type == DatabaseSQLite {
			cfg.Database.URL = resolveRelative(cfg.Database.URL, filepath.Dir(used))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey turns GURIH_DATABASE__URL into database.url.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func resolveRelative(path, dir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Validate reports the first invalid setting. A missing database.url is
// not an error here; commands that open a store call
// DatabaseConfig.RequireURL.
func (c *Config) Validate() error {
	c.Database.Type = strings.ToLower(c.Database.Type)
	switch c.Database.Type {
	case DatabaseMemory, DatabaseSQLite, DatabasePostgres:
	default:
		return fmt.Errorf("unsupported database type %q: must be one of memory, sqlite, postgres", c.Database.Type)
	}
	for _, p := range c.Plugins {
		if !slices.Contains(KnownPlugins, p) {
			return fmt.Errorf("unknown plugin %q: must be one of %v", p, KnownPlugins)
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// RequireURL fails when a database other than memory has no url.
func (d DatabaseConfig) RequireURL() error {
	if d.Type != DatabaseMemory && d.URL == "" {
		return fmt.Errorf("database.url is required for database type %q", d.Type)
	}
	return nil
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
