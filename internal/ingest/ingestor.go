package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/yakap/internal/clock"
	"github.com/goodtune/yakap/internal/feed"
	"github.com/goodtune/yakap/internal/metrics"
	"github.com/goodtune/yakap/internal/monitor"
	"github.com/goodtune/yakap/internal/session"
	"github.com/rs/zerolog"
)

const defaultAppendTimeout = 5 * time.Second

// Recorder is the part of the session repository the ingestor writes to.
type Recorder interface {
	AppendReading(ctx context.Context, r session.Reading) error
	EndSession(ctx context.Context) (session.SessionID, error)
}

// Options configures an Ingestor.
type Options struct {
	Clock         clock.Clock
	AppendTimeout time.Duration
	// OnReading is called with every accepted reading after the live window
	// has been updated.
	OnReading func(session.Reading)
}

// Ingestor bridges a live feed into the aggregator and the open session.
type Ingestor struct {
	feed       feed.Feed
	sessions   Recorder
	aggregator *monitor.Aggregator
	clock      clock.Clock
	onReading  func(session.Reading)
	timeout    time.Duration
	logger     zerolog.Logger

	// mu serializes sample handling with Start and Stop
	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe feed.Unsubscribe
	cancel      context.CancelFunc
	done        chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// New creates an ingestor. Nothing happens until Start.
func New(f feed.Feed, sessions Recorder, aggregator *monitor.Aggregator, opts Options, logger zerolog.Logger) *Ingestor {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = defaultAppendTimeout
	}

	return &Ingestor{
		feed:       f,
		sessions:   sessions,
		aggregator: aggregator,
		clock:      opts.Clock,
		onReading:  opts.OnReading,
		timeout:    opts.AppendTimeout,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

// Start subscribes to the feed and starts the liveness timers. The timers
// stop when ctx is done or Stop is called.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped {
		return errors.New("ingestor already stopped")
	}
	if i.started {
		return errors.New("ingestor already started")
	}

	i.aggregator.Reset()

	unsubscribe, err := i.feed.Subscribe(i.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to feed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = i.aggregator.Run(runCtx)
	}()

	i.unsubscribe = unsubscribe
	i.cancel = cancel
	i.done = done
	i.started = true

	i.logger.Info().Msg("Ingestion started")
	return nil
}

// handle processes one delivered sample.
func (i *Ingestor) handle(s *feed.Sample) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped {
		return
	}

	if s == nil {
		metrics.SamplesDropped.WithLabelValues("no_data").Inc()
		return
	}

	if err := s.Validate(); err != nil {
		i.logger.Warn().Err(err).Str("device", s.DeviceID).Msg("Dropping invalid sample")
		metrics.SamplesDropped.WithLabelValues("invalid").Inc()
		return
	}

	r := session.Reading{
		DeviceID:      s.DeviceID,
		BPM:           *s.BPM,
		Timestamp:     s.Timestamp,
		RawValue:      s.RawValue,
		SmoothedValue: s.SmoothedValue,
	}
	if r.Timestamp == "" {
		r.Timestamp = session.FormatTime(i.clock.Now())
	}

	i.aggregator.Accept(r)
	if i.onReading != nil {
		i.onReading(r)
	}
	metrics.ReadingsIngested.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()
	if err := i.sessions.AppendReading(ctx, r); err != nil {
		i.appendFailed(err)
	}
}

// appendFailed records an append error. The live window has already been
// updated, so the reading is only lost from the session log.
func (i *Ingestor) appendFailed(err error) {
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		// not recording
		metrics.AppendFailures.WithLabelValues("no_active_session").Inc()
	case errors.Is(err, session.ErrSessionNotFound):
		metrics.AppendFailures.WithLabelValues("session_not_found").Inc()
		i.logger.Warn().Err(err).Msg("Open session disappeared while recording")
	default:
		// buffered writes failing later show up as flush failures instead
		metrics.AppendFailures.WithLabelValues("other").Inc()
		i.logger.Error().Err(err).Msg("Failed to append reading")
	}
}

// Stop detaches from the feed, stops the timers and ends the open session.
// It is safe to call at any time and more than once; no sample is handled
// after it returns.
func (i *Ingestor) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		i.stopped = true
		started := i.started
		unsubscribe, cancel, done := i.unsubscribe, i.cancel, i.done
		i.mu.Unlock()

		if !started {
			return
		}

		if err := unsubscribe(); err != nil {
			i.logger.Warn().Err(err).Msg("Failed to unsubscribe from feed")
		}
		cancel()
		<-done

		id, err := i.sessions.EndSession(ctx)
		if err != nil {
			i.stopErr = fmt.Errorf("failed to end session: %w", err)
		} else if id != "" {
			i.logger.Info().Str("session", string(id)).Msg("Closed open session on shutdown")
		}

		i.logger.Info().Msg("Ingestion stopped")
	})
	return i.stopErr
}
