package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/yakap/internal/api"
	"github.com/goodtune/yakap/internal/config"
	"github.com/goodtune/yakap/internal/feed"
	"github.com/goodtune/yakap/internal/feed/mqtt"
	"github.com/goodtune/yakap/internal/feed/rest"
	"github.com/goodtune/yakap/internal/ingest"
	"github.com/goodtune/yakap/internal/metrics"
	"github.com/goodtune/yakap/internal/monitor"
	"github.com/goodtune/yakap/internal/session"
	"github.com/goodtune/yakap/internal/storage"
	"github.com/goodtune/yakap/internal/storage/bolt"
	"github.com/goodtune/yakap/internal/storage/redis"
	"github.com/goodtune/yakap/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the yakap server",
	Long:  `Start ingesting live readings and serve the session API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting yakap")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// Initialize session repository, restoring any session left open
	repo, err := session.NewRepository(ctx, store, session.Options{
		FlushBatchSize: cfg.Sessions.FlushBatchSize,
		FlushInterval:  parseDuration(cfg.Sessions.FlushInterval, 5*time.Second),
		CacheSize:      cfg.Sessions.CacheSize,
		MaxPending:     cfg.Sessions.MaxPending,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session repository: %w", err)
	}

	if id, ok := repo.ActiveSession(); ok {
		logger.Info().Str("session", string(id)).Msg("Resuming open session")
	}

	// Connect the live feed
	src, closeFeed, err := openFeed(cfg.Feed, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize feed: %w", err)
	}
	defer closeFeed()

	aggregator := monitor.NewAggregator(monitor.Options{
		WindowSize:    cfg.Monitor.WindowSize,
		CheckInterval: parseDuration(cfg.Monitor.CheckInterval, time.Second),
		Timeout:       parseDuration(cfg.Monitor.Timeout, 3*time.Second),
		MissThreshold: cfg.Monitor.MissThreshold,
		DecayInterval: parseDuration(cfg.Monitor.DecayInterval, time.Minute),
	}, logger)

	ingestor := ingest.New(src, repo, aggregator, ingest.Options{}, logger)

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, repo, aggregator, logger)
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// Background workers outlive the signal context so the final flush
	// happens after ingestion has stopped.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error { return repo.Run(gctx) })
	g.Go(func() error { return systemd.RunWatchdog(gctx, logger) })

	if err := ingestor.Start(workCtx); err != nil {
		cancelWork()
		_ = g.Wait()
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	logger.Info().Msg("yakap startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := ingestor.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping ingestion")
	}

	cancelWork()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Background worker failed")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("yakap stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.KeyValueStore, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// openFeed connects the configured feed. The returned func releases it.
func openFeed(cfg config.FeedConfig, logger zerolog.Logger) (feed.Feed, func(), error) {
	switch cfg.Type {
	case "mqtt":
		f, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	case "rest":
		f, err := rest.New(cfg.REST, logger)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported feed type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
