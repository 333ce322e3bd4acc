package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/yakap/internal/monitor"
	"github.com/goodtune/yakap/internal/session"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Sessions is the session repository as seen by the API.
type Sessions interface {
	StartSession(ctx context.Context, patient session.PatientInfo) (session.SessionID, error)
	EndSession(ctx context.Context) (session.SessionID, error)
	ListSessions(ctx context.Context) ([]session.Session, error)
	GetSession(ctx context.Context, startTime string) (*session.Session, error)
	DeleteSession(ctx context.Context, startTime string) error
	ClearAllSessions(ctx context.Context) error
	CurrentPatient(ctx context.Context) (*session.PatientInfo, error)
	ActiveSession() (session.SessionID, bool)
}

// Live exposes the current live window.
type Live interface {
	Snapshot() monitor.LiveWindow
}

// Server is the query API HTTP server.
type Server struct {
	server   *http.Server
	listener net.Listener
	router   *mux.Router
	sessions Sessions
	live     Live
	logger   zerolog.Logger
}

// NewServer creates a new API server listening on addr.
func NewServer(addr string, sessions Sessions, live Live, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:   router,
		sessions: sessions,
		live:     live,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	// Sessions
	s.router.HandleFunc("/api/sessions", s.handleListSessions).Methods("GET")
	s.router.HandleFunc("/api/sessions", s.handleStartSession).Methods("POST")
	s.router.HandleFunc("/api/sessions", s.handleClearSessions).Methods("DELETE")
	s.router.HandleFunc("/api/sessions/current/end", s.handleEndSession).Methods("POST")
	s.router.HandleFunc("/api/sessions/{startTime}", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/api/sessions/{startTime}", s.handleDeleteSession).Methods("DELETE")
	s.router.HandleFunc("/api/patient", s.handleCurrentPatient).Methods("GET")

	// Live monitoring
	s.router.HandleFunc("/api/live", s.handleLive).Methods("GET")
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, recording := s.sessions.ActiveSession()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"recording":        recording,
		"active_session":   active,
		"connection_state": s.live.Snapshot().ConnectionState,
	})
}
