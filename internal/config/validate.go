package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultHTTPAddr         = "127.0.0.1:8087"
	DefaultFailureLogPerSec = 1
)

// ApplyDefaults fills zero values. Webhook identity defaults live in the
// webhook package and are applied there.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.Dispatch.FailureLogPerSec <= 0 {
		cfg.Dispatch.FailureLogPerSec = DefaultFailureLogPerSec
	}
	if cfg.Tracing.Enabled && cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}

// Validate checks everything that can be checked without other packages.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("webhook.request_timeout", cfg.Webhook.RequestTimeout); err != nil {
		return err
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3", "redis":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
		if s.MaxSessions < 0 {
			return fmt.Errorf("storage.max_sessions must be >= 0")
		}
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", r)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	seen := map[string]bool{}
	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return fmt.Errorf("schedules[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("schedules[%d].name %q is duplicated", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(sc.Spec) == "" {
			return fmt.Errorf("schedules[%d].spec is required", i)
		}
		d, err := ParseDurationField(fmt.Sprintf("schedules[%d].run_for", i), sc.RunFor)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("schedules[%d].run_for must be > 0", i)
		}
	}
	return nil
}
