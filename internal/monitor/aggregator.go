package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/yakap/internal/clock"
	"github.com/goodtune/yakap/internal/metrics"
	"github.com/goodtune/yakap/internal/session"
	"github.com/rs/zerolog"
)

// ConnectionState is the liveness of the live feed.
type ConnectionState string

const (
	StateWaiting   ConnectionState = "WAITING"
	StateConnected ConnectionState = "CONNECTED"
	StateNoSignal  ConnectionState = "NO_SIGNAL"
)

var allStates = []string{string(StateWaiting), string(StateConnected), string(StateNoSignal)}

// Options configures an Aggregator.
type Options struct {
	WindowSize    int
	CheckInterval time.Duration
	Timeout       time.Duration
	MissThreshold int
	DecayInterval time.Duration
	Clock         clock.Clock
}

// DefaultOptions returns a 10-sample window checked every second, a 3s
// timeout, NO_SIGNAL after more than 3 consecutive misses and a miss counter
// that decays every minute.
func DefaultOptions() Options {
	return Options{
		WindowSize:    10,
		CheckInterval: time.Second,
		Timeout:       3 * time.Second,
		MissThreshold: 3,
		DecayInterval: time.Minute,
		Clock:         clock.Real{},
	}
}

// LiveWindow is a snapshot of the recent samples and connection state.
// The three histories are index-aligned.
type LiveWindow struct {
	BPMHistory      []float64        `json:"bpmHistory"`
	WaveformHistory []float64        `json:"waveformHistory"`
	TimeLabels      []string         `json:"timeLabels"`
	LastSampleAt    time.Time        `json:"lastSampleAt"`
	ConnectionState ConnectionState  `json:"connectionState"`
	Latest          *session.Reading `json:"latest,omitempty"`
}

// Aggregator keeps fixed-size recent history of accepted readings and drives
// the connection state machine:
//
//	any sample                         -> CONNECTED
//	check, idle > timeout, misses <= N -> WAITING
//	check, idle > timeout, misses > N  -> NO_SIGNAL
type Aggregator struct {
	clock  clock.Clock
	logger zerolog.Logger

	checkInterval time.Duration
	timeout       time.Duration
	threshold     int
	decayInterval time.Duration

	mu           sync.Mutex
	bpm          *ring[float64]
	waveform     *ring[float64]
	labels       *ring[string]
	latest       *session.Reading
	lastSampleAt time.Time
	misses       int
	state        ConnectionState
}

// NewAggregator creates an aggregator in the WAITING state.
func NewAggregator(opts Options, logger zerolog.Logger) *Aggregator {
	def := DefaultOptions()
	if opts.WindowSize <= 0 {
		opts.WindowSize = def.WindowSize
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = def.CheckInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MissThreshold < 0 {
		opts.MissThreshold = def.MissThreshold
	}
	if opts.DecayInterval <= 0 {
		opts.DecayInterval = def.DecayInterval
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}

	a := &Aggregator{
		clock:         opts.Clock,
		logger:        logger.With().Str("component", "monitor").Logger(),
		checkInterval: opts.CheckInterval,
		timeout:       opts.Timeout,
		threshold:     opts.MissThreshold,
		decayInterval: opts.DecayInterval,
		bpm:           newRing[float64](opts.WindowSize),
		waveform:      newRing[float64](opts.WindowSize),
		labels:        newRing[string](opts.WindowSize),
		lastSampleAt:  opts.Clock.Now(),
		state:         StateWaiting,
	}
	metrics.SetConnectionState(string(StateWaiting), allStates)
	return a
}

// Accept records a reading and marks the feed as connected.
func (a *Aggregator) Accept(r session.Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.lastSampleAt = now
	a.misses = 0

	waveform := 0.0
	if r.SmoothedValue != nil {
		waveform = *r.SmoothedValue
	}
	a.bpm.push(r.BPM)
	a.waveform.push(waveform)
	a.labels.push(now.Format("15:04:05"))

	latest := r
	a.latest = &latest

	a.setState(StateConnected)
}

// Check runs one liveness check.
func (a *Aggregator) Check() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.clock.Now().Sub(a.lastSampleAt) <= a.timeout {
		return a.state
	}

	a.misses++
	if a.misses <= a.threshold {
		a.setState(StateWaiting)
	} else {
		a.setState(StateNoSignal)
	}
	return a.state
}

// DecayMisses resets the consecutive miss counter.
func (a *Aggregator) DecayMisses() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.misses > 0 {
		a.logger.Debug().Int("misses", a.misses).Msg("Resetting missed check counter")
	}
	a.misses = 0
}

// Reset discards history and returns to WAITING, as for a new subscription.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bpm.clear()
	a.waveform.clear()
	a.labels.clear()
	a.latest = nil
	a.misses = 0
	a.lastSampleAt = a.clock.Now()
	a.setState(StateWaiting)
}

// State returns the current connection state.
func (a *Aggregator) State() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Snapshot returns a copy of the live window.
func (a *Aggregator) Snapshot() LiveWindow {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := LiveWindow{
		BPMHistory:      a.bpm.values(),
		WaveformHistory: a.waveform.values(),
		TimeLabels:      a.labels.values(),
		LastSampleAt:    a.lastSampleAt,
		ConnectionState: a.state,
	}
	if a.latest != nil {
		latest := *a.latest
		w.Latest = &latest
	}
	return w
}

// Run drives the liveness check and miss decay until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	check := time.NewTicker(a.checkInterval)
	defer check.Stop()
	decay := time.NewTicker(a.decayInterval)
	defer decay.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-check.C:
			a.Check()
		case <-decay.C:
			a.DecayMisses()
		}
	}
}

func (a *Aggregator) setState(s ConnectionState) {
	if a.state == s {
		return
	}
	a.logger.Info().
		Str("from", string(a.state)).
		Str("to", string(s)).
		Int("misses", a.misses).
		Msg("Connection state changed")
	a.state = s
	metrics.SetConnectionState(string(s), allStates)
}
