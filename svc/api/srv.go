package api

import (
	"context"
	"net/http"
	"pastabin/cfg"
	"pastabin/pkg/i18n"
	"pastabin/svc/db"
	"pastabin/svc/lim"
	"pastabin/svc/svc"
	"pastabin/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is a dependency the readiness probe can reach.
type Pinger interface {
	Ping(ctx context.Context) error
}
type Server struct {
	router     *chi.Mux
	pasta      *svc.Pasta
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         Pinger
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Pasta, l *lim.Limiter, catalog *i18n.Catalog, sqlDB Pinger, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		pasta:  p,
		lim:    l,
		cfg:    c,
		db:     sqlDB,
		rdb:    rdb,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("query", util.RedactSecret(req.URL.RawQuery)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Instrument)
		hdl := &Hdl{pasta: p, cfg: c, catalog: catalog}
		r.Get("/list", hdl.List)
		r.With(mw.RateLimit("submit")).Post("/pastas", hdl.Submit)
		r.With(mw.RateLimit("view")).Get("/pastas/{token}", hdl.View)
		r.With(mw.RateLimit("edit")).Put("/pastas/{token}", hdl.Edit)
		r.With(mw.RateLimit("remove")).Get("/remove/{token}", hdl.RemoveGet)
		r.With(mw.RateLimit("remove")).Post("/remove/{token}", hdl.RemovePost)
		for prefix, path := range promptRoutes {
			h := hdl.Prompt(path)
			r.Get("/"+prefix+"/{token}", h)
			r.Get("/"+prefix+"/{token}/{status}", h)
		}
		r.Get("/auth_admin", hdl.AdminPrompt)
		r.Get("/auth_admin/{status}", hdl.AdminPrompt)
		r.Get("/set_lang/{lang}", hdl.SetLang)
	})
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
