package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/config"
	"github.com/snarg/live-translator/internal/events"
	"github.com/snarg/live-translator/internal/history"
	"github.com/snarg/live-translator/internal/metrics"
	"github.com/snarg/live-translator/internal/storage"
)

// Deps are the components the HTTP surface drives. Credentials and Archive
// may be nil.
type Deps struct {
	Pipeline    Controller
	History     history.Store
	Credentials CredentialStore
	Providers   []string
	Bus         *events.Bus
	Archive     storage.SegmentStore
	Health      []HealthCheck
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, version string, startTime time.Time, log zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(cfg.AuthToken, deps, version, startTime, log),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// NewRouter builds the routes. Health and metrics are served without auth.
func NewRouter(authToken string, deps Deps, version string, startTime time.Time, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(deps.Pipeline, deps.Health, version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(authToken))
		r.Route("/api/v1", func(r chi.Router) {
			NewSessionHandler(deps.Pipeline, deps.History).Routes(r)
			NewHistoryHandler(deps.History).Routes(r)
			NewCredentialsHandler(deps.Credentials, deps.Providers).Routes(r)
			NewEventsHandler(deps.Bus).Routes(r)
			NewArchiveHandler(deps.Archive).Routes(r)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
