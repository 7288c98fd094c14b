// Package server exposes the dispatch controller over a small JSON API and
// streams bus events to websocket clients.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hookbeam/internal/dispatch"
	"hookbeam/internal/eventbus"
	"hookbeam/internal/storage"
	logx "hookbeam/pkg/logx"
)

// Controller is the dispatch surface the API drives.
type Controller interface {
	Start(ctx context.Context, req dispatch.StartRequest) (dispatch.Session, error)
	Stop() (dispatch.Summary, bool)
	Validate(ctx context.Context, endpoint string) (dispatch.Verdict, error)
	Delete(ctx context.Context, endpoint string, confirm dispatch.ConfirmFunc) (dispatch.DeleteVerdict, error)
	Session() dispatch.Session
	Stats() dispatch.Stats
}

// Store is the storage surface the API reads and edits. Nil disables the
// profile and history routes.
type Store interface {
	LoadProfile(ctx context.Context) (storage.Profile, bool, error)
	SaveProfile(ctx context.Context, p storage.Profile) error
	RecentSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error)
}

type Config struct {
	Addr  string
	Pprof bool
}

type Server struct {
	cfg   Config
	ctrl  Controller
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, ctrl Controller, store Store, bus eventbus.Bus, log logx.Logger) *Server {
	return &Server{
		cfg:   cfg,
		ctrl:  ctrl,
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "http")),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/profile", s.handleGetProfile)
		r.Put("/profile", s.handlePutProfile)
		r.Post("/validate", s.handleValidate)
		r.Post("/session/start", s.handleStart)
		r.Post("/session/stop", s.handleStop)
		r.Get("/session", s.handleSession)
		r.Get("/sessions", s.handleHistory)
		r.Post("/webhook/delete", s.handleDelete)
	})
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	<-errCh
	return nil
}
