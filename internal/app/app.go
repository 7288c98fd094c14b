package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hookbeam/internal/config"
	"hookbeam/internal/eventbus"
	"hookbeam/internal/runtime/supervisor"
	"hookbeam/internal/schedule"
	"hookbeam/internal/server"
	"hookbeam/internal/telemetry"
	logx "hookbeam/pkg/logx"
	"hookbeam/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	core *Core
	log  logx.Logger

	sched *schedule.Service
	srv   *server.Server
	trace telemetry.Shutdown
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(cfgPath string, env config.Env) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	core, err := BuildCore(cfg)
	if err != nil {
		return nil, err
	}
	log := core.Log.With(logx.String("comp", "app"))

	trace, err := telemetry.Setup(mapTelemetryConfig(cfg.Tracing), Version)
	if err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}

	var profiles schedule.ProfileLoader
	if core.Store != nil {
		profiles = core.Store
	}
	sched := schedule.New(mapScheduleConfig(cfg), core.Ctrl, profiles, core.Log)

	var store server.Store
	if core.Store != nil {
		store = core.Store
	}
	srv := server.New(server.Config{Addr: cfg.HTTP.Addr, Pprof: cfg.HTTP.Pprof}, core.Ctrl, store, core.Bus, core.Log)

	return &App{
		cfgm:  cfgm,
		core:  core,
		log:   log,
		sched: sched,
		srv:   srv,
		trace: trace,
	}, nil
}

func (a *App) Core() *Core { return a.core }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.core.Log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.core.Bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Stats fire once per tick; keep them below debug.
				if e.Type == eventbus.TypeStats {
					a.log.Trace("event", logx.String("type", e.Type))
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				switch e.Type {
				case eventbus.TypeSessionStarted:
					_, _ = systemd.Status("dispatching")
				case eventbus.TypeSessionStopped:
					_, _ = systemd.Status("idle")
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("http", func(c context.Context) error {
		return a.srv.Run(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c)
	})

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("version", Version))
	return nil
}

// apply pushes the hot-reloadable sections of newCfg into live components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.core.Logs.Apply(mapLogConfig(newCfg.Logging))
	a.core.Observer.SetLimit(newCfg.Dispatch.FailureLogPerSec)
	if err := a.sched.Apply(mapScheduleConfig(newCfg)); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step gets an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Schedules first so no trigger starts a session mid-shutdown.
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { return a.core.Ctrl.Shutdown(c) })
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("tracing", 1*time.Second, func(c context.Context) error { return a.trace(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.core.Store != nil {
			return a.core.Store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.core.Logs != nil {
		_ = a.core.Logs.Close()
	}
	return nil
}

func contextTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
