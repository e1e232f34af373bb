// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

// Package config loads membership service settings from a YAML file,
// command-line flags and the environment.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/myyearbook/membership/internal/membership"
	"github.com/myyearbook/membership/internal/xdg"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// DatabaseURLEnv is read when no database URL is configured.
const DatabaseURLEnv = "DATABASE_URL"

// Config holds the service settings.
type Config struct {
	DatabaseURL string        `koanf:"database_url"`
	Store       string        `koanf:"store"`
	MetricsAddr string        `koanf:"metrics_addr"`
	LogFormat   string        `koanf:"log_format"`
	Hasher      HasherConfig  `koanf:"hasher"`
	Connect     ConnectConfig `koanf:"connect"`
}

// HasherConfig overrides the argon2id cost parameters. Zero values keep the
// defaults.
type HasherConfig struct {
	Time      uint32 `koanf:"time"`
	MemoryKiB uint32 `koanf:"memory_kib"`
	Threads   uint8  `koanf:"threads"`
}

// ConnectConfig controls the database connection retries at startup.
type ConnectConfig struct {
	Retries        uint64        `koanf:"retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
}

// Default returns the built-in settings.
func Default() Config {
	p := membership.DefaultArgon2Params()
	return Config{
		Store:       StorePostgres,
		MetricsAddr: "127.0.0.1:9100",
		LogFormat:   "json",
		Hasher: HasherConfig{
			Time:      p.Time,
			MemoryKiB: p.MemoryKiB,
			Threads:   p.Threads,
		},
		Connect: ConnectConfig{
			Retries:        5,
			InitialBackoff: 500 * time.Millisecond,
		},
	}
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"database-url":            "database_url",
	"store":                   "store",
	"metrics-addr":            "metrics_addr",
	"log-format":              "log_format",
	"hasher-time":             "hasher.time",
	"hasher-memory-kib":       "hasher.memory_kib",
	"hasher-threads":          "hasher.threads",
	"connect-retries":         "connect.retries",
	"connect-initial-backoff": "connect.initial_backoff",
}

// RegisterFlags adds the config flags to fs, using the built-in defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("database-url", "", "PostgreSQL connection URL (default: $"+DatabaseURLEnv+")")
	fs.String("store", d.Store, "store backend (postgres or memory)")
	fs.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", d.LogFormat, "log format (json or text)")
	fs.Uint32("hasher-time", d.Hasher.Time, "argon2id iterations")
	fs.Uint32("hasher-memory-kib", d.Hasher.MemoryKiB, "argon2id memory in KiB")
	fs.Uint8("hasher-threads", d.Hasher.Threads, "argon2id parallelism")
	fs.Uint64("connect-retries", d.Connect.Retries, "database connection retries at startup")
	fs.Duration("connect-initial-backoff", d.Connect.InitialBackoff, "initial backoff between connection retries")
}

// Load reads path (if not empty) and then fs (if not nil). Flags set on the
// command line win over the file; unset flags only fill keys the file leaves
// out. The database URL falls back to $DATABASE_URL.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv(DatabaseURLEnv)
	}
	return &cfg, nil
}

// ResolvePath returns explicit when set, otherwise the XDG config file if it
// exists. An empty result means no file is loaded.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	path, err := xdg.ConfigFile()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").
				With("store", c.Store).
				Errorf("database_url or $%s is required for the postgres store", DatabaseURLEnv)
		}
	case StoreMemory:
	default:
		return oops.Code("CONFIG_INVALID").Errorf("store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").Errorf("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if err := c.Hasher.Params().Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("section", "hasher").Wrap(err)
	}
	return nil
}

// Params returns the argon2id parameters with the configured overrides.
func (h HasherConfig) Params() membership.Argon2Params {
	p := membership.DefaultArgon2Params()
	if h.Time != 0 {
		p.Time = h.Time
	}
	if h.MemoryKiB != 0 {
		p.MemoryKiB = h.MemoryKiB
	}
	if h.Threads != 0 {
		p.Threads = h.Threads
	}
	return p
}
