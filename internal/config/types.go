package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Webhook   WebhookConfig    `json:"webhook"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	HTTP      HTTPConfig       `json:"http"`
	Tracing   TracingConfig    `json:"tracing,omitempty"`
	Scheduler SchedulerConfig  `json:"scheduler,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/hookbeam" }
//	"storage": { "driver": "redis", "path": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	KeyPrefix   string `json:"key_prefix,omitempty"`   // redis
	MaxSessions int    `json:"max_sessions,omitempty"`
}

// WebhookConfig sets the fixed display identity and the provider URL shape.
type WebhookConfig struct {
	Username   string `json:"username,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	PathMarker string `json:"path_marker,omitempty"`
	// RequestTimeout bounds each HTTP exchange. Empty or "0s" means none.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type DispatchConfig struct {
	// FailureLogPerSec caps how many per-tick transport failures are logged.
	FailureLogPerSec int `json:"failure_log_per_sec,omitempty"`
}

type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}

type TracingConfig struct {
	Enabled bool `json:"enabled"`
	// Output is a file path for span JSON; empty means stdout.
	Output      string  `json:"output,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA zone name, e.g. "Europe/Berlin". Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig starts a dispatch session from the saved profile on a
// cron spec and stops it after RunFor.
type ScheduleConfig struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	RunFor string `json:"run_for"`
}
