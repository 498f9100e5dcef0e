// Package config loads agt settings from a YAML file, the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/attribution-goat/attribution-goat/internal/identity"
)

const DefaultPath = "agt.yaml"

type Config struct {
	Namespace string `yaml:"namespace"`
	APIKey    string `yaml:"api_key"`

	Tracking TrackingConfig `yaml:"tracking"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Identity IdentityConfig `yaml:"identity"`
	Links    LinksConfig    `yaml:"links"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
}

type TrackingConfig struct {
	Host           string `yaml:"host"`
	CommerceDomain string `yaml:"commerce_domain"`
	SDKVersion     string `yaml:"sdk_version"`
}

type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type IdentityConfig struct {
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	TieBreak    string        `yaml:"tie_break"`
}

type LinksConfig struct {
	ClickDebounce   time.Duration `yaml:"click_debounce"`
	RewriteDebounce time.Duration `yaml:"rewrite_debounce"`
}

type StorageConfig struct {
	DBPath  string `yaml:"db_path"`
	Profile string `yaml:"profile"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Namespace: "builder",
		Tracking: TrackingConfig{
			Host:           "https://cdn.builder.io",
			CommerceDomain: "builder-dev.myshopify.com",
			SDKVersion:     "6.1.2",
		},
		Delivery: DeliveryConfig{
			MaxRetries:     3,
			BaseDelay:      time.Second,
			AttemptTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			SnapshotTTL: identity.DefaultTTL,
			TieBreak:    string(identity.TieBreakDocumentOrder),
		},
		Links: LinksConfig{
			ClickDebounce:   time.Second,
			RewriteDebounce: 100 * time.Millisecond,
		},
		Storage: StorageConfig{
			DBPath:  "./agt.db",
			Profile: "default",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

// LoadEnv reads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are skipped and variables that are already set
// win.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults, then applies AGT_*
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("namespace must not be empty")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.BaseDelay < 0 {
		return fmt.Errorf("base_delay must not be negative, got %s", c.Delivery.BaseDelay)
	}
	if c.Identity.SnapshotTTL <= 0 {
		return fmt.Errorf("snapshot_ttl must be positive, got %s", c.Identity.SnapshotTTL)
	}
	if _, err := identity.ParseTieBreak(c.Identity.TieBreak); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// TieBreak returns the parsed variation tie-break policy.
func (c *Config) TieBreak() identity.TieBreak {
	tb, err := identity.ParseTieBreak(c.Identity.TieBreak)
	if err != nil {
		return identity.TieBreakDocumentOrder
	}
	return tb
}

func (c *Config) applyEnvOverrides() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("AGT_NAMESPACE", &c.Namespace)
	setString("AGT_API_KEY", &c.APIKey)
	setString("AGT_TRACKING_HOST", &c.Tracking.Host)
	setString("AGT_COMMERCE_DOMAIN", &c.Tracking.CommerceDomain)
	setString("AGT_SDK_VERSION", &c.Tracking.SDKVersion)
	setString("AGT_TIE_BREAK", &c.Identity.TieBreak)
	setString("AGT_DB_PATH", &c.Storage.DBPath)
	setString("AGT_PROFILE", &c.Storage.Profile)

	if v := os.Getenv("AGT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGT_PORT %q: %w", v, err)
		}
		c.Server.Port = p
	}
	if v := os.Getenv("AGT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGT_MAX_RETRIES %q: %w", v, err)
		}
		c.Delivery.MaxRetries = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AGT_BASE_DELAY", &c.Delivery.BaseDelay},
		{"AGT_ATTEMPT_TIMEOUT", &c.Delivery.AttemptTimeout},
		{"AGT_SNAPSHOT_TTL", &c.Identity.SnapshotTTL},
		{"AGT_CLICK_DEBOUNCE", &c.Links.ClickDebounce},
		{"AGT_REWRITE_DEBOUNCE", &c.Links.RewriteDebounce},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
		*d.dst = parsed
	}
	return nil
}
