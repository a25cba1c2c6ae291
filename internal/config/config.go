// Package config loads and validates the storage proxy's configuration
// surface as defined in spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration document.
type Config struct {
	StorageProxy StorageProxyConfig      `yaml:"storage-proxy"`
	API          APIConfig               `yaml:"api"`
	Volumes      map[string]VolumeConfig `yaml:"volume"`
	Logging      LoggingConfig           `yaml:"logging"`
	Debug        DebugConfig             `yaml:"debug"`
}

// StorageProxyConfig is the `storage-proxy` block.
type StorageProxyConfig struct {
	NodeID        string        `yaml:"node-id"`
	NumProc       int           `yaml:"num-proc"`
	PIDFile       string        `yaml:"pid-file"`
	EventLoop     string        `yaml:"event-loop"`
	ScandirLimit  int           `yaml:"scandir-limit"`
	MaxUploadSize int64         `yaml:"max-upload-size"`
	Secret        string        `yaml:"secret"`
	SessionExpire time.Duration `yaml:"session-expire"`
	User          string        `yaml:"user"`
	Group         string        `yaml:"group"`
}

// APIConfig holds the two HTTP plane configurations.
type APIConfig struct {
	Client  PlaneConfig `yaml:"client"`
	Manager PlaneConfig `yaml:"manager"`
}

// PlaneConfig is shared by api.client and api.manager.
type PlaneConfig struct {
	ServiceAddr string `yaml:"service-addr"`
	SSLEnabled  bool   `yaml:"ssl-enabled"`
	SSLCert     string `yaml:"ssl-cert"`
	SSLPrivkey  string `yaml:"ssl-privkey"`
}

// VolumeConfig is one `volume.<name>` entry.
type VolumeConfig struct {
	Backend   string            `yaml:"backend"`
	Path      string            `yaml:"path"`
	FSPrefix  string            `yaml:"fsprefix"`
	Options   map[string]string `yaml:"options"`
	QuotaTool string            `yaml:"quota-tool"`
}

// LoggingConfig is the ambient `logging` block (opaque to core domain
// logic, consumed by internal/log).
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DebugConfig is the ambient `debug` block.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a configuration with the defaults named by spec.md §6.
func Default() *Config {
	return &Config{
		StorageProxy: StorageProxyConfig{
			NodeID:        "storage-proxy",
			NumProc:       1,
			EventLoop:     "goroutine",
			ScandirLimit:  0,
			MaxUploadSize: 100 * 1024 * 1024 * 1024,
			SessionExpire: 10 * time.Minute,
		},
		API: APIConfig{
			Client:  PlaneConfig{ServiceAddr: "0.0.0.0:6021"},
			Manager: PlaneConfig{ServiceAddr: "0.0.0.0:6022"},
		},
		Volumes: map[string]VolumeConfig{},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Debug:   DebugConfig{Port: 6060},
	}
}

// Load reads and parses a YAML configuration file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides select fields from STORAGE_PROXY_* environment
// variables, matching the precedence the teacher's config layer uses
// (file first, environment as override).
func (c *Config) applyEnv() {
	if v := os.Getenv("STORAGE_PROXY_SECRET"); v != "" {
		c.StorageProxy.Secret = v
	}
	if v := os.Getenv("STORAGE_PROXY_SCANDIR_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StorageProxy.ScandirLimit = n
		}
	}
	if v := os.Getenv("STORAGE_PROXY_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("STORAGE_PROXY_DEBUG"); v != "" {
		c.Debug.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.StorageProxy.Secret == "" {
		return fmt.Errorf("storage-proxy.secret is required")
	}
	if c.StorageProxy.ScandirLimit < 0 {
		return fmt.Errorf("storage-proxy.scandir-limit must be >= 0")
	}
	if c.StorageProxy.SessionExpire <= 0 {
		return fmt.Errorf("storage-proxy.session-expire must be positive")
	}
	if c.API.Manager.ServiceAddr == "" {
		return fmt.Errorf("api.manager.service-addr is required")
	}
	if c.API.Client.ServiceAddr == "" {
		return fmt.Errorf("api.client.service-addr is required")
	}
	if len(c.Volumes) == 0 {
		return fmt.Errorf("at least one volume.<name> must be configured")
	}
	for name, v := range c.Volumes {
		switch v.Backend {
		case "posix", "xfs":
		default:
			return fmt.Errorf("volume %q: unsupported backend %q", name, v.Backend)
		}
		if v.Path == "" {
			return fmt.Errorf("volume %q: path is required", name)
		}
		if v.FSPrefix == "" {
			v.FSPrefix = "."
			c.Volumes[name] = v
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}
