// Package config loads daemon configuration from the environment with an
// optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultGatewayAddr     = ":8090"
	defaultInstallMode     = "prod"
	defaultDownloadTimeout = 2 * time.Minute

	envNATSURL     = "PACKD_NATS_URL"
	envRedisURL    = "PACKD_REDIS_URL"
	envGatewayAddr = "PACKD_GATEWAY_ADDR"
	envDataRoot    = "PACKD_DATA_ROOT"
	envInstallMode = "PACKD_INSTALL_MODE"
	envConfigFile  = "PACKD_CONFIG"
)

// Config holds runtime configuration for the packd daemon.
type Config struct {
	NatsURL         string        `yaml:"nats_url"`
	RedisURL        string        `yaml:"redis_url"`
	GatewayAddr     string        `yaml:"gateway_addr"`
	DataRoot        string        `yaml:"data_root"`
	InstallMode     string        `yaml:"install_mode"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// Load returns configuration from environment variables with sane
// defaults. When PACKD_CONFIG names a YAML file, its values are applied
// first and the environment overrides them.
func Load() (*Config, error) {
	cfg := &Config{
		NatsURL:         defaultNATSURL,
		RedisURL:        defaultRedisURL,
		GatewayAddr:     defaultGatewayAddr,
		InstallMode:     defaultInstallMode,
		DownloadTimeout: defaultDownloadTimeout,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv(envNATSURL); v != "" {
		cfg.NatsURL = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(envGatewayAddr); v != "" {
		cfg.GatewayAddr = v
	}
	if v := os.Getenv(envDataRoot); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv(envInstallMode); v != "" {
		cfg.InstallMode = v
	}

	if cfg.DataRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataRoot = filepath.Join(home, ".packd")
	}
	if cfg.InstallMode != "dev" && cfg.InstallMode != "prod" {
		return nil, fmt.Errorf("install mode must be dev or prod, got %q", cfg.InstallMode)
	}
	return cfg, nil
}

// PacksDir is the final install location for pack bundles.
func (c *Config) PacksDir() string { return filepath.Join(c.DataRoot, "packs") }

// StagingDir holds in-flight downloads and extractions.
func (c *Config) StagingDir() string { return filepath.Join(c.DataRoot, "staging") }

// SandboxRoot holds per-pack preopened directories.
func (c *Config) SandboxRoot() string { return filepath.Join(c.DataRoot, "sandbox") }
