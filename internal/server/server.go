// Package server exposes the WebSocket upgrade endpoint for hubs and the
// control API the rest of the system uses to reach them.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/broker"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/config"
	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/store"
)

// Server is the main connection server.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *broker.Registry
	log      zerolog.Logger
	router   *chi.Mux
}

// New creates a server around an existing store and broker registry.
func New(cfg *config.Config, st *store.Store, reg *broker.Registry, log zerolog.Logger) *Server {
	// Reset stale online flags from a previous process; hubs flip back online
	// when they reconnect and replay their hello.
	if n, err := st.MarkAllHubsOffline(); err != nil {
		log.Warn().Err(err).Msg("failed to reset hub status on startup")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked hubs offline on startup")
	}

	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		log:      log.With().Str("component", "server").Logger(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// Hub socket upgrade
	r.Get("/ws/hubs/{hubID}", s.handleHubSocket)

	// Control API
	r.Route("/api", func(r chi.Router) {
		r.Get("/hubs", s.handleListHubs)
		r.Get("/hubs/{hubID}/status", s.handleHubStatus)
		r.Post("/hubs/{hubID}/commands", s.handleHubCommand)
		r.Get("/hubs/{hubID}/printers/discovered", s.handleDiscovered)
	})

	s.router = r
}

// Run starts the server.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting connection server")
	return http.ListenAndServe(s.cfg.ListenAddr, s.router)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
