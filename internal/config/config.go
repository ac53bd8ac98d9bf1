// Package config loads service configuration in three layers: compiled-in
// defaults, an optional YAML file, then LINKBIO_* environment variables.
// Later layers win.
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

const envPrefix = "LINKBIO_"

// HTTP holds the listener settings.
type HTTP struct {
	Addr              string        `koanf:"addr"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes"`
	RateBurst         int           `koanf:"rate_burst"`
	RatePerSecond     int           `koanf:"rate_per_second"`
}

// PG holds the PostgreSQL settings. An empty DSN selects the in-memory store.
type PG struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// Config is the full service configuration.
type Config struct {
	HTTP HTTP `koanf:"http"`
	PG   PG   `koanf:"pg"`
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		HTTP: HTTP{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxBodyBytes:      1 << 20,
			RateBurst:         50,
			RatePerSecond:     25,
		},
		PG: PG{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty or
// the file does not exist), and LINKBIO_* environment variables. Nested keys
// map to env names with underscores: LINKBIO_HTTP_ADDR, LINKBIO_PG_DSN.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKey maps LINKBIO_PG_MAX_OPEN_CONNS to pg.max_open_conns. The first
// underscore separates the section; the rest stay joined.
func envKey(name string) string {
	s := strings.ToLower(strings.TrimPrefix(name, envPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	// Reserved env names outside the config tree (auth secret and the like)
	// simply produce keys no struct field matches.
	return section + "." + rest
}
