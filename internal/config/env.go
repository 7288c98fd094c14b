package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Env holds process environment overrides. Non-empty values win over the
// config file.
type Env struct {
	ConfigPath    string `env:"HOOKBEAM_CONFIG" envDefault:"./config.yaml"`
	LogLevel      string `env:"HOOKBEAM_LOG_LEVEL"`
	HTTPAddr      string `env:"HOOKBEAM_HTTP_ADDR"`
	StorageDriver string `env:"HOOKBEAM_STORAGE_DRIVER"`
	StoragePath   string `env:"HOOKBEAM_STORAGE_PATH"`
}

// ParseEnv loads overrides from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Overlay applies the non-empty overrides onto cfg.
func (e Env) Overlay(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(e.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(e.HTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if d, p := strings.TrimSpace(e.StorageDriver), strings.TrimSpace(e.StoragePath); d != "" || p != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if d != "" {
			cfg.Storage.Driver = d
		}
		if p != "" {
			cfg.Storage.Path = p
		}
	}
}
