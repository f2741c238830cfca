// Package api serves the origin HTTP surface the mobile app talks to,
// either directly on the LAN or through the relay tunnel.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/crates"
	"github.com/snarg/cratelink/internal/library"
	"github.com/snarg/cratelink/internal/metrics"
	"github.com/snarg/cratelink/internal/stream"
	"github.com/snarg/cratelink/internal/tunnel"
)

// Deps carries the services the API exposes. Tunnel may be nil when the
// desktop runs without a relay.
type Deps struct {
	Library  *library.Manager
	Streamer *stream.Streamer
	Crates   *crates.Store
	Tunnel   *tunnel.Client

	Version        string
	AuthToken      string
	AllowedOrigins []string
}

type Server struct {
	http    *http.Server
	deps    Deps
	started time.Time
	log     zerolog.Logger
}

func NewServer(addr string, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps:    deps,
		started: time.Now(),
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORSWithOrigins(deps.AllowedOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/audio", s.handleAudioSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.AuthToken))

		r.Get("/library", s.handleLibrary)
		r.Get("/library/status", s.handleLibraryStatus)
		r.Get("/library/{trackID}", s.handleTrack)
		r.Get("/search", s.handleSearch)

		r.Get("/crates", s.handleListCrates)
		r.Post("/crates", s.handleCreateCrate)
		r.Get("/crates/{crateID}", s.handleGetCrate)
		r.Delete("/crates/{crateID}", s.handleDeleteCrate)
		r.Post("/crates/{crateID}/tracks", s.handleAddTracks)
		r.Delete("/crates/{crateID}/tracks/{trackID}", s.handleRemoveTrack)

		r.Get("/stream/{trackID}", s.handleStream)
		r.Get("/artwork/{trackID}", s.handleArtwork)
	})

	s.http = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: audio streams legitimately run for minutes.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests and for serving tunnel http_request
// frames against the same routes.
func (s *Server) Handler() http.Handler { return s.http.Handler }

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
