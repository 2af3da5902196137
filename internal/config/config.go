// Package config assembles process settings from struct defaults, an optional
// TOML file, and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	defaults "github.com/mcuadros/go-defaults"

	"github.com/example/component-matcher/internal/imageprocessor"
)

// Config holds everything main needs to wire the service.
type Config struct {
	HTTPAddr        string        `toml:"http_addr" default:":8080"`
	GRPCAddr        string        `toml:"grpc_addr" default:":50051"`
	StandardDir     string        `toml:"standard_dir" default:"standard_components"`
	PublicBaseURL   string        `toml:"public_base_url"`
	CatalogFile     string        `toml:"catalog_file"`
	DatabaseDriver  string        `toml:"database_driver" default:"postgres"`
	DatabaseDSN     string        `toml:"database_dsn" default:"host=postgres user=postgres password=postgres dbname=components port=5432 sslmode=disable"`
	RedisAddr       string        `toml:"redis_addr"`
	JWTSecret       string        `toml:"jwt_secret" default:"dev-secret"`
	JWTAudience     string        `toml:"jwt_audience"`
	MatchWorkers    int           `toml:"match_workers" default:"1"`
	CacheReferences bool          `toml:"cache_references" default:"true"`
	Resampler       string        `toml:"resampler" default:"bilinear"`
	MaxPixels       int           `toml:"max_pixels" default:"50000000"`
	FetchTimeout    time.Duration `toml:"fetch_timeout" default:"10s"`
	ResultTTL       time.Duration `toml:"result_ttl" default:"5m"`
	MatchTTL        time.Duration `toml:"match_ttl" default:"1h"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" default:"15s"`
	LogLevel        string        `toml:"log_level" default:"info"`
	LogFile         string        `toml:"log_file"`
}

type envBinding struct {
	name string
	set  func(*Config, string) error
}

var envBindings = []envBinding{
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTPAddr = v; return nil }},
	{"GRPC_ADDR", func(c *Config, v string) error { c.GRPCAddr = v; return nil }},
	{"STANDARD_DIR", func(c *Config, v string) error { c.StandardDir = v; return nil }},
	{"PUBLIC_BASE_URL", func(c *Config, v string) error { c.PublicBaseURL = v; return nil }},
	{"CATALOG_FILE", func(c *Config, v string) error { c.CatalogFile = v; return nil }},
	{"DATABASE_DRIVER", func(c *Config, v string) error { c.DatabaseDriver = v; return nil }},
	{"DATABASE_DSN", func(c *Config, v string) error { c.DatabaseDSN = v; return nil }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.RedisAddr = v; return nil }},
	{"JWT_SECRET", func(c *Config, v string) error { c.JWTSecret = v; return nil }},
	{"JWT_AUDIENCE", func(c *Config, v string) error { c.JWTAudience = v; return nil }},
	{"MATCH_WORKERS", func(c *Config, v string) (err error) { c.MatchWorkers, err = strconv.Atoi(v); return }},
	{"CACHE_REFERENCES", func(c *Config, v string) (err error) { c.CacheReferences, err = strconv.ParseBool(v); return }},
	{"RESAMPLER", func(c *Config, v string) error { c.Resampler = v; return nil }},
	{"MAX_PIXELS", func(c *Config, v string) (err error) { c.MaxPixels, err = strconv.Atoi(v); return }},
	{"FETCH_TIMEOUT", func(c *Config, v string) (err error) { c.FetchTimeout, err = time.ParseDuration(v); return }},
	{"RESULT_TTL", func(c *Config, v string) (err error) { c.ResultTTL, err = time.ParseDuration(v); return }},
	{"MATCH_TTL", func(c *Config, v string) (err error) { c.MatchTTL, err = time.ParseDuration(v); return }},
	{"SHUTDOWN_TIMEOUT", func(c *Config, v string) (err error) { c.ShutdownTimeout, err = time.ParseDuration(v); return }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"LOG_FILE", func(c *Config, v string) error { c.LogFile = v; return nil }},
}

// Load reads the process configuration. CONFIG_FILE names an optional TOML file.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path, ok := lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	for _, binding := range envBindings {
		value, ok := lookup(binding.name)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := binding.set(cfg, strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("parse %s: %w", binding.name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr must not be empty"))
	}
	if c.StandardDir == "" {
		errs = append(errs, errors.New("standard_dir must not be empty"))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database_driver %q is not one of postgres, sqlite", c.DatabaseDriver))
	}
	if c.MatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("match_workers must be at least 1, got %d", c.MatchWorkers))
	}
	if c.MaxPixels < 1 {
		errs = append(errs, fmt.Errorf("max_pixels must be at least 1, got %d", c.MaxPixels))
	}
	if _, err := imageprocessor.InterpolatorByName(c.Resampler); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"fetch_timeout":    c.FetchTimeout,
		"result_ttl":       c.ResultTTL,
		"match_ttl":        c.MatchTTL,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}
