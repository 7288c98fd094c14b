// Package schedule starts dispatch sessions from cron specs. Each trigger
// runs the persisted profile for a fixed duration.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hookbeam/internal/dispatch"
	"hookbeam/internal/storage"
	logx "hookbeam/pkg/logx"
)

type Entry struct {
	Name   string
	Spec   string
	RunFor time.Duration
}

type Config struct {
	Timezone string
	Entries  []Entry
}

// Runner is the controller surface a trigger needs.
type Runner interface {
	Start(ctx context.Context, req dispatch.StartRequest) (dispatch.Session, error)
	StopSession(id string) (dispatch.Summary, bool)
}

type ProfileLoader interface {
	LoadProfile(ctx context.Context) (storage.Profile, bool, error)
}

// SpecParser accepts 5-field and 6-field (with seconds) specs plus descriptors.
var SpecParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Check parses every entry spec and the timezone.
func Check(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for _, e := range cfg.Entries {
		if _, err := SpecParser.Parse(strings.TrimSpace(e.Spec)); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
	}
	return nil
}

type Service struct {
	log      logx.Logger
	runner   Runner
	profiles ProfileLoader

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	tmu    sync.Mutex
	timers map[string]*time.Timer // session ID -> stop timer
}

func New(cfg Config, runner Runner, profiles ProfileLoader, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "schedule")),
		runner:   runner,
		profiles: profiles,
		timers:   map[string]*time.Timer{},
	}
}

// Start registers the entries and starts triggering.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = context.WithoutCancel(ctx)
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(SpecParser), cron.WithLocation(loc))
	for _, e := range s.cfg.Entries {
		e := e
		if _, err := c.AddFunc(strings.TrimSpace(e.Spec), func() { s.Trigger(s.ctx, e) }); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.cfg.Entries)))
	return nil
}

// Apply swaps the entries, restarting cron if it is running.
func (s *Service) Apply(cfg Config) error {
	if err := Check(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

// Stop stops triggering. Sessions started by a trigger keep their stop timers.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Trigger runs one entry now: start the persisted profile, then stop that
// session after RunFor unless something else already replaced it.
func (s *Service) Trigger(ctx context.Context, e Entry) {
	log := s.log.With(logx.String("schedule", e.Name))
	if s.profiles == nil {
		log.Warn("trigger skipped: storage disabled")
		return
	}
	p, ok, err := s.profiles.LoadProfile(ctx)
	if err != nil {
		log.Warn("trigger skipped: profile load failed", logx.Err(err))
		return
	}
	if !ok {
		log.Warn("trigger skipped: no saved profile")
		return
	}

	sess, err := s.runner.Start(ctx, dispatch.StartRequest{
		Endpoint: p.Endpoint,
		Message:  p.MessageContent,
		DelayMs:  p.DelayMs,
	})
	if err != nil {
		log.Warn("trigger failed", logx.Err(err))
		return
	}
	log.Info("session triggered", logx.String("session", sess.ID), logx.Duration("run_for", e.RunFor))

	id := sess.ID
	t := time.AfterFunc(e.RunFor, func() {
		s.tmu.Lock()
		delete(s.timers, id)
		s.tmu.Unlock()
		if _, stopped := s.runner.StopSession(id); stopped {
			log.Info("scheduled session finished", logx.String("session", id))
		}
	})
	s.tmu.Lock()
	s.timers[id] = t
	s.tmu.Unlock()
}

// Pending returns how many stop timers are armed.
func (s *Service) Pending() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	return loc, nil
}
