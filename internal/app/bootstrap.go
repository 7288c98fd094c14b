package app

import (
	"fmt"
	"strings"

	"hookbeam/internal/config"
	"hookbeam/internal/dispatch"
	"hookbeam/internal/eventbus"
	"hookbeam/internal/schedule"
	"hookbeam/internal/storage"
	"hookbeam/internal/telemetry"
	"hookbeam/internal/webhook"
	logx "hookbeam/pkg/logx"
)

// Version is stamped at build time with -ldflags "-X hookbeam/internal/app.Version=...".
var Version = "dev"

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapWebhookOptions(c config.WebhookConfig) (webhook.Options, error) {
	timeout, err := config.ParseDurationField("webhook.request_timeout", c.RequestTimeout)
	if err != nil {
		return webhook.Options{}, err
	}
	return webhook.Options{
		Identity: webhook.Identity{Username: strings.TrimSpace(c.Username), AvatarURL: strings.TrimSpace(c.AvatarURL)},
		Timeout:  timeout,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) schedule.Config {
	out := schedule.Config{Timezone: cfg.Scheduler.Timezone}
	for _, sc := range cfg.Schedules {
		out.Entries = append(out.Entries, schedule.Entry{
			Name:   strings.TrimSpace(sc.Name),
			Spec:   strings.TrimSpace(sc.Spec),
			RunFor: config.MustDuration(sc.RunFor),
		})
	}
	return out
}

func mapTelemetryConfig(c config.TracingConfig) telemetry.Config {
	return telemetry.Config{Enabled: c.Enabled, Output: c.Output, SampleRatio: c.SampleRatio}
}

// validateConfig is the hot-reload hook: everything a component would
// reject at build time is rejected before the config is committed.
func validateConfig(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWebhookOptions(cfg.Webhook); err != nil {
		return err
	}
	if err := schedule.Check(mapScheduleConfig(cfg)); err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	return nil
}

// Core is the component set shared by the daemon and the one-shot CLI
// commands.
type Core struct {
	Log      logx.Logger
	Logs     *logx.Service
	Bus      eventbus.Bus
	Store    storage.Store
	Ctrl     *dispatch.Controller
	Observer *dispatch.LogObserver
}

// BuildCore wires logging, storage, the bus and the controller from cfg.
func BuildCore(cfg *config.Config) (*Core, error) {
	opts, err := mapWebhookOptions(cfg.Webhook)
	if err != nil {
		return nil, err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg.Logging))

	var store storage.Store
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Debug("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()
	obs := dispatch.NewLogObserver(log.With(logx.String("comp", "dispatch")), cfg.Dispatch.FailureLogPerSec)
	c := &Core{Log: log, Logs: logs, Bus: bus, Store: store, Observer: obs}

	dopts := dispatch.Options{
		Sender:     webhook.NewClient(opts),
		Bus:        bus,
		Observer:   obs,
		Log:        log,
		PathMarker: cfg.Webhook.PathMarker,
	}
	if store != nil {
		dopts.Store = store
	}
	c.Ctrl = dispatch.New(dopts)
	return c, nil
}

// Profile returns the saved profile, or the zero value when storage is
// disabled or empty.
func (c *Core) Profile() storage.Profile {
	if c.Store == nil {
		return storage.Profile{}
	}
	ctx, cancel := contextTimeout()
	defer cancel()
	p, _, err := c.Store.LoadProfile(ctx)
	if err != nil {
		c.Log.Warn("profile load failed", logx.Err(err))
	}
	return p
}

// SaveProfile stores p when storage is enabled.
func (c *Core) SaveProfile(p storage.Profile) {
	if c.Store == nil {
		return
	}
	ctx, cancel := contextTimeout()
	defer cancel()
	if err := c.Store.SaveProfile(ctx, p); err != nil {
		c.Log.Warn("profile save failed", logx.Err(err))
	}
}

func (c *Core) Close() error {
	var err error
	if c.Store != nil {
		err = c.Store.Close()
	}
	if c.Logs != nil {
		_ = c.Logs.Close()
	}
	return err
}

// OpenCore loads the config at path and builds a Core for one-shot commands.
// A missing config file is fine; defaults and env overrides still apply.
func OpenCore(path string, env config.Env) (*Core, error) {
	cfg, err := config.NewConfigManager(path, env).Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return BuildCore(cfg)
}
