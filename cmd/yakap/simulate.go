package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/yakap/internal/config"
	"github.com/goodtune/yakap/internal/feed"
	"github.com/goodtune/yakap/internal/feed/mqtt"
	"github.com/goodtune/yakap/internal/feed/rest"
	"github.com/goodtune/yakap/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	simulateDevice   string
	simulateInterval time.Duration
	simulateCount    int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish synthetic readings to the configured feed",
	Long: `Act as a monitoring device: publish a synthetic sample to the configured
feed at a fixed interval until interrupted. BPM is drawn from 130-140 and the
raw ECG value from 90-100, with the smoothed value within 5 of the raw value.`,
	Example: `  yakap simulate --interval 500ms
  yakap -c dev.yaml simulate --count 30`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simulateDevice, "device", "ECG_Device_001", "Device id to report")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 2*time.Second, "Time between samples")
	simulateCmd.Flags().IntVar(&simulateCount, "count", 0, "Number of samples to send (0 for no limit)")
	rootCmd.AddCommand(simulateCmd)
}

// publishFunc writes one sample to a feed.
type publishFunc func(ctx context.Context, s *feed.Sample) error

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	publish, closeFeed, err := openPublisher(cfg.Feed, logger)
	if err != nil {
		return err
	}
	defer closeFeed()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("feed", cfg.Feed.Type).
		Str("device", simulateDevice).
		Dur("interval", simulateInterval).
		Msg("Simulating device")

	ticker := time.NewTicker(simulateInterval)
	defer ticker.Stop()

	for sent := 0; simulateCount == 0 || sent < simulateCount; sent++ {
		s := syntheticSample(simulateDevice, time.Now())
		if err := publish(ctx, s); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("Failed to publish sample")
		} else {
			logger.Debug().Float64("bpm", *s.BPM).Msg("Published sample")
		}

		select {
		case <-ctx.Done():
			logger.Info().Int("sent", sent+1).Msg("Simulation stopped")
			return nil
		case <-ticker.C:
		}
	}

	logger.Info().Int("sent", simulateCount).Msg("Simulation finished")
	return nil
}

func openPublisher(cfg config.FeedConfig, logger zerolog.Logger) (publishFunc, func(), error) {
	switch cfg.Type {
	case "mqtt":
		// never share the server's client id
		cfg.MQTT.ClientID += "-simulator"
		cfg.MQTT.UniqueClientID = true
		f, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect feed: %w", err)
		}
		return f.Publish, f.Close, nil
	case "rest":
		f, err := rest.New(cfg.REST, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create feed: %w", err)
		}
		return f.Put, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported feed type: %s", cfg.Type)
	}
}

// syntheticSample builds one plausible fetal monitor sample.
func syntheticSample(device string, now time.Time) *feed.Sample {
	bpm := math.Round(130 + rand.Float64()*10)
	raw := 90 + rand.Float64()*10
	smoothed := raw + (rand.Float64()*10 - 5)

	return &feed.Sample{
		DeviceID:      device,
		BPM:           &bpm,
		Timestamp:     session.FormatTime(now),
		RawValue:      &raw,
		SmoothedValue: &smoothed,
	}
}
