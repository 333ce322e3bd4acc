package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goodtune/yakap/internal/config"
	"github.com/goodtune/yakap/internal/feed"
	"github.com/goodtune/yakap/internal/metrics"
	"github.com/rs/zerolog"
)

// Feed polls a JSON document holding the latest sample, such as a realtime
// database node exposed over REST, and delivers it whenever it changes.
type Feed struct {
	client   *resty.Client
	url      string
	auth     string
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	active bool
}

var _ feed.Feed = (*Feed)(nil)

// New creates a polling feed for cfg.URL.
func New(cfg config.RESTConfig, logger zerolog.Logger) (*Feed, error) {
	if cfg.URL == "" {
		return nil, errors.New("rest feed requires url")
	}

	interval, err := parseDuration(cfg.PollInterval, time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid poll_interval: %w", err)
	}
	timeout, err := parseDuration(cfg.Timeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Feed{
		client:   client,
		url:      cfg.URL,
		auth:     cfg.AuthToken,
		interval: interval,
		logger:   logger.With().Str("component", "feed").Str("feed", "rest").Logger(),
	}, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// Subscribe starts polling. The handler runs on the polling goroutine.
func (f *Feed) Subscribe(handler feed.Handler) (feed.Unsubscribe, error) {
	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return nil, feed.ErrAlreadySubscribed
	}
	f.active = true
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.poll(ctx, handler)
	}()

	f.logger.Info().Str("url", f.url).Dur("interval", f.interval).Msg("Polling for readings")

	var once sync.Once
	return func() error {
		once.Do(func() {
			cancel()
			<-done
			f.mu.Lock()
			f.active = false
			f.mu.Unlock()
		})
		return nil
	}, nil
}

func (f *Feed) poll(ctx context.Context, handler feed.Handler) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var last []byte
	first := true

	for {
		body, err := f.fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			f.logger.Warn().Err(err).Msg("Failed to poll readings")
		case first || !bytes.Equal(body, last):
			first = false
			last = body
			f.deliver(ctx, body, handler)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Feed) deliver(ctx context.Context, body []byte, handler feed.Handler) {
	sample, err := feed.Decode(body)
	if err != nil {
		f.logger.Warn().Err(err).Int("bytes", len(body)).Msg("Dropping malformed sample")
		metrics.SamplesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if ctx.Err() != nil {
		return
	}
	handler(sample)
}

func (f *Feed) request(ctx context.Context) *resty.Request {
	req := f.client.R().SetContext(ctx)
	if f.auth != "" {
		req.SetQueryParam("auth", f.auth)
	}
	return req
}

func (f *Feed) fetch(ctx context.Context) ([]byte, error) {
	resp, err := f.request(ctx).Get(f.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", f.url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode(), f.url)
	}
	return resp.Body(), nil
}

// Put replaces the document with s, as a device writing its latest sample would.
func (f *Feed) Put(ctx context.Context, s *feed.Sample) error {
	resp, err := f.request(ctx).SetBody(s).Put(f.url)
	if err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("unexpected status %d writing sample", resp.StatusCode())
	}
	return nil
}
