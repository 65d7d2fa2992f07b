package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"namegen/internal/domaincheck"
	"namegen/internal/guard"
	"namegen/internal/metrics"
	"namegen/internal/models"
	"namegen/internal/prefs"
	"namegen/internal/queue"
	"namegen/internal/storage"
)

// Server exposes the generation core over HTTP. It owns no goroutines; the
// worker consumes the jobs it enqueues.
type Server struct {
	store    *storage.Store
	guard    *guard.Guard
	registry *models.Registry
	queue    *queue.StreamQueue
	dedupe   *queue.RequestDeduplicator
	events   *queue.EventBus
	prefs    *prefs.Service
	checker  *domaincheck.Checker
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

type Config struct {
	Store    *storage.Store
	Guard    *guard.Guard
	Registry *models.Registry
	Queue    *queue.StreamQueue
	Dedupe   *queue.RequestDeduplicator
	Events   *queue.EventBus
	Prefs    *prefs.Service
	Checker  *domaincheck.Checker
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{
		store:    cfg.Store,
		guard:    cfg.Guard,
		registry: cfg.Registry,
		queue:    cfg.Queue,
		dedupe:   cfg.Dedupe,
		events:   cfg.Events,
		prefs:    cfg.Prefs,
		checker:  cfg.Checker,
		logger:   cfg.Logger,
		metrics:  m,
	}
}

func (s *Server) Router(requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generations", s.handleSubmit)
		r.Get("/generations/{id}", s.handleGetSession)
		r.Post("/generations/{id}/cancel", s.handleCancel)
		r.Post("/domains/check", s.handleDomainCheck)
		r.Get("/models", s.handleListModels)
		r.Post("/models/reload", s.handleReloadModels)
		r.Get("/users/{id}/preferences", s.handleGetPreferences)
		r.Put("/users/{id}/preferences", s.handlePutPreferences)
	})
	return r
}
