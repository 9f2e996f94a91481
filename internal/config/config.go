// Package config loads prismcore's runtime configuration from a YAML
// file, environment variables, and defaults, following tvarr's
// internal/config.Load layering (defaults < file < env) via
// spf13/viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultSRTAddr     = ":6000"
	defaultMoQAddr     = ":4443"
	defaultMetricsAddr = ":9090"
	defaultMemoryLimit = 32 * 1024 * 1024
	defaultFlushPeriod = 200 * time.Millisecond
	envPrefix          = "PRISMCORE"
)

// Config is prismcore's effective runtime configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Distrib DistribConfig `mapstructure:"distribution"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Session SessionConfig `mapstructure:"session"`
}

// LogConfig controls slog's handler selection.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IngestConfig controls the SRT ingest listener.
type IngestConfig struct {
	SRTAddr string `mapstructure:"srt_addr"`
}

// DistribConfig controls the MoQ/QUIC distribution listener.
type DistribConfig struct {
	Addr    string        `mapstructure:"addr"`
	CertTTL time.Duration `mapstructure:"cert_ttl"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SessionConfig controls per-track Source Buffer Stream limits.
type SessionConfig struct {
	MemoryLimitBytes int64         `mapstructure:"memory_limit_bytes"`
	FlushPeriod      time.Duration `mapstructure:"flush_period"`
}

// Load reads configuration from configPath (or the default search paths
// if empty), environment variables prefixed PRISMCORE_, and falls back to
// SetDefaults for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/prismcore")
		v.AddConfigPath("$HOME/.prismcore")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults populates v with every default value, so that Unmarshal
// produces a complete Config even with no file or environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("ingest.srt_addr", defaultSRTAddr)

	v.SetDefault("distribution.addr", defaultMoQAddr)
	v.SetDefault("distribution.cert_ttl", 14*24*time.Hour)

	v.SetDefault("metrics.addr", defaultMetricsAddr)

	v.SetDefault("session.memory_limit_bytes", defaultMemoryLimit)
	v.SetDefault("session.flush_period", defaultFlushPeriod)
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Session.MemoryLimitBytes <= 0 {
		return errors.New("session.memory_limit_bytes must be positive")
	}
	if c.Distrib.CertTTL <= 0 || c.Distrib.CertTTL > 14*24*time.Hour {
		return errors.New("distribution.cert_ttl must be between 0 and 14 days")
	}
	return nil
}
