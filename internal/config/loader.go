package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/stride/stride.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stride", "stride.yaml"))
	}

	paths = append(paths, "stride.yaml")

	if envPath := os.Getenv("STRIDE_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/stride/stride.yaml < ~/.config/stride/stride.yaml < ./stride.yaml < $STRIDE_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overlays STRIDE_* environment variables. Unset variables
// leave file values untouched.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level must be one of debug, info, warn, error, got %q", cfg.Server.LogLevel)
	}

	switch cfg.Database.Driver {
	case "sqlite", "redis":
	case "memory":
		if cfg.Server.Production() {
			return fmt.Errorf("database.driver memory is not allowed in production")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite, memory or redis, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "redis" && cfg.Database.RedisURL == "" {
		return fmt.Errorf("database.redis_url is required for the redis driver")
	}

	if cfg.Sync.MaxDays < 1 {
		return fmt.Errorf("sync.max_days must be at least 1")
	}
	if cfg.Sync.DefaultDays < 1 || cfg.Sync.DefaultDays > cfg.Sync.MaxDays {
		return fmt.Errorf("sync.default_days must be between 1 and sync.max_days (%d)", cfg.Sync.MaxDays)
	}
	if cfg.Sync.MaxWindowSeconds < 1 {
		return fmt.Errorf("sync.max_window_seconds must be positive")
	}

	if cfg.Security.StateTTL <= 0 || cfg.Security.StateTTL.Minutes() > 10 {
		return fmt.Errorf("security.state_ttl must be between 0 and 10m, got %s", cfg.Security.StateTTL)
	}

	if cfg.Resilience.RefreshRetries < 0 {
		return fmt.Errorf("resilience.refresh_retries must not be negative")
	}
	if cfg.Resilience.Jitter < 0 || cfg.Resilience.Jitter >= 1 {
		return fmt.Errorf("resilience.jitter must be in [0, 1)")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Security.SecretDir = ExpandHome(cfg.Security.SecretDir)
	cfg.Server.LogFile = ExpandHome(cfg.Server.LogFile)

	return nil
}
