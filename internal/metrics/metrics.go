package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Ingestion metrics
	ReadingsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yakap_readings_ingested_total",
			Help: "Total readings accepted from the live feed",
		},
	)

	SamplesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yakap_samples_dropped_total",
			Help: "Feed samples dropped before reaching the session log",
		},
		[]string{"reason"},
	)

	AppendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yakap_append_failures_total",
			Help: "Readings that could not be appended to the open session",
		},
		[]string{"reason"},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yakap_sessions_started_total",
			Help: "Total recording sessions started",
		},
	)

	SessionsEnded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yakap_sessions_ended_total",
			Help: "Total recording sessions closed",
		},
	)

	PendingReadings = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yakap_pending_readings",
			Help: "Readings buffered for the open session and not yet flushed",
		},
	)

	PendingDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yakap_pending_dropped_total",
			Help: "Buffered readings discarded because the pending buffer was full",
		},
	)

	FlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yakap_flush_failures_total",
			Help: "Attempts to write buffered readings that failed",
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yakap_flush_duration_seconds",
			Help:    "Time spent writing buffered readings to storage",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Liveness metrics
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yakap_connection_state",
			Help: "Current live feed connection state (1 for the active state)",
		},
		[]string{"state"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ReadingsIngested,
		SamplesDropped,
		AppendFailures,
		SessionsStarted,
		SessionsEnded,
		PendingReadings,
		PendingDropped,
		FlushFailures,
		FlushDuration,
		ConnectionState,
	)
}

// SetConnectionState marks state as the active connection state.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the metrics mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
