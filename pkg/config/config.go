// Package config loads the declarative configuration described in spec §6.3.
// Precedence follows the teacher's three-layer model: defaults, then an
// explicit YAML file if one is supplied, then environment variables, then
// functional Option overrides applied last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full declarative configuration surface for the
// orchestrator process.
type Config struct {
	SymmetricKey string `yaml:"symmetric_key" env:"METAMIND_SYMMETRIC_KEY"`

	Substrate SubstrateConfig `yaml:"substrate"`
	HSP       HSPConfig       `yaml:"hsp"`
	Registry  RegistryConfig  `yaml:"registry"`
	HAM       HAMConfig       `yaml:"ham"`
	Resource  ResourceProfile `yaml:"resource_profile"`

	DrainOnShutdown bool `yaml:"drain_on_shutdown" env:"METAMIND_DRAIN_ON_SHUTDOWN"`

	AdminAddr string `yaml:"admin_addr" env:"METAMIND_ADMIN_ADDR" default:":8090"`
}

type SubstrateConfig struct {
	URL             string        `yaml:"url" env:"METAMIND_SUBSTRATE_URL"`
	Credentials     string        `yaml:"credentials" env:"METAMIND_SUBSTRATE_CREDENTIALS"`
	InitialDelay    time.Duration `yaml:"reconnect_initial_delay_s"`
	MaxDelay        time.Duration `yaml:"reconnect_max_delay_s"`
	MaxRetries      int           `yaml:"reconnect_max_retries"`
}

type HSPConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout_s"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay_s"`
}

type RegistryConfig struct {
	CapabilityTTL time.Duration `yaml:"capability_ttl_s"`
	// RedisMirrorURL, when set, mirrors every Register into Redis via
	// registry.RedisMirror so multiple orchestrator processes share one
	// capability index; empty keeps the Registry single-process.
	RedisMirrorURL string `yaml:"redis_mirror_url" env:"METAMIND_REGISTRY_REDIS_URL"`
}

type HAMConfig struct {
	StoragePath string `yaml:"storage_path" env:"METAMIND_HAM_STORAGE_PATH"`
}

// ResourceProfile declares soft limits the HAM store and orchestrator
// consult at decision points (spec §5 "Shared resource policy").
type ResourceProfile struct {
	DiskMaxBytes int64  `yaml:"disk_max_bytes"`
	CPUMode      string `yaml:"cpu_mode"`
	RAMMaxBytes  int64  `yaml:"ram_max_bytes"`
	GPUAvailable bool   `yaml:"gpu_available"`
}

// Option mutates a Config after defaults and file/env loading.
type Option func(*Config)

// Default returns the baseline configuration before env/file/option layers.
func Default() *Config {
	return &Config{
		Substrate: SubstrateConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			MaxRetries:   10,
		},
		HSP: HSPConfig{
			DefaultTimeout:    30 * time.Second,
			DefaultMaxRetries: 2,
			RetryBaseDelay:    time.Second,
		},
		Registry: RegistryConfig{CapabilityTTL: 60 * time.Second},
		HAM:      HAMConfig{StoragePath: "./data/ham_store.json"},
		Resource: ResourceProfile{DiskMaxBytes: 1 << 30, CPUMode: "normal", RAMMaxBytes: 1 << 30},
		AdminAddr: ":8090",
	}
}

// Load builds a Config from defaults, an optional YAML file, environment
// variables, then applies opts in order.
func Load(yamlPath string, opts ...Option) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}

	applyEnv(cfg)

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.SymmetricKey == "" {
		// A process-lifetime key is acceptable per spec §4.1, but the
		// caller must be warned by whoever constructs the codec; config
		// itself only avoids silently persisting an empty key.
		cfg.SymmetricKey = ""
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("METAMIND_SYMMETRIC_KEY"); v != "" {
		cfg.SymmetricKey = v
	}
	if v := os.Getenv("METAMIND_SUBSTRATE_URL"); v != "" {
		cfg.Substrate.URL = v
	}
	if v := os.Getenv("METAMIND_SUBSTRATE_CREDENTIALS"); v != "" {
		cfg.Substrate.Credentials = v
	}
	if v := os.Getenv("METAMIND_HAM_STORAGE_PATH"); v != "" {
		cfg.HAM.StoragePath = v
	}
	if v := os.Getenv("METAMIND_REGISTRY_REDIS_URL"); v != "" {
		cfg.Registry.RedisMirrorURL = v
	}
	if v := os.Getenv("METAMIND_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("METAMIND_DRAIN_ON_SHUTDOWN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DrainOnShutdown = b
		}
	}
}

// WithSymmetricKey overrides the encryption key (URL-safe base64 form).
func WithSymmetricKey(key string) Option {
	return func(c *Config) { c.SymmetricKey = key }
}

// WithHAMStoragePath overrides the HAM file location.
func WithHAMStoragePath(path string) Option {
	return func(c *Config) { c.HAM.StoragePath = path }
}

// WithDrainOnShutdown overrides the shutdown-drain behavior.
func WithDrainOnShutdown(v bool) Option {
	return func(c *Config) { c.DrainOnShutdown = v }
}
