package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/yakap/internal/clock"
	"github.com/goodtune/yakap/internal/metrics"
	"github.com/goodtune/yakap/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	defaultFlushBatchSize = 20
	defaultFlushInterval  = 5 * time.Second
	defaultCacheSize      = 64
	defaultMaxPending     = 1000
)

var errCorrupt = errors.New("corrupt session record")

// Options tunes buffering and caching of a Repository.
type Options struct {
	FlushBatchSize int
	FlushInterval  time.Duration
	CacheSize      int
	// MaxPending bounds the readings buffered while storage is failing. The
	// oldest are discarded past it.
	MaxPending int
	Clock      clock.Clock
}

// cursor tracks the open session.
//
// Transitions:
//
//	nil  --StartSession-->                          open(id)
//	open --StartSession-->                          open(id') after closing id
//	open --EndSession | DeleteSession(id) | ClearAllSessions--> nil
type cursor struct {
	key       string
	startTime string
	pending   []Reading
	// dropped counts readings discarded from a full buffer since the last
	// successful flush
	dropped int
	// set after a failed flush; appends then leave retries to Flush
	backoff bool
}

// Repository owns the session record format and lifecycle on top of a
// KeyValueStore. Appends to the open session are serialized and buffered,
// then written back in batches.
type Repository struct {
	store  storage.KeyValueStore
	clock  clock.Clock
	logger zerolog.Logger

	batchSize     int
	flushInterval time.Duration
	maxPending    int

	// closed sessions never change, so decoded records are cached by key
	closed *lru.Cache[string, *Session]

	mu     sync.RWMutex
	cursor *cursor
	lastID time.Time
}

// NewRepository creates a repository and restores the open session cursor
// left behind by a previous process, if any.
func NewRepository(ctx context.Context, store storage.KeyValueStore, opts Options, logger zerolog.Logger) (*Repository, error) {
	if opts.FlushBatchSize <= 0 {
		opts.FlushBatchSize = defaultFlushBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.MaxPending < opts.FlushBatchSize {
		opts.MaxPending = opts.FlushBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	cache, err := lru.New[string, *Session](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	r := &Repository{
		store:         store,
		clock:         opts.Clock,
		logger:        logger.With().Str("component", "sessions").Logger(),
		batchSize:     opts.FlushBatchSize,
		flushInterval: opts.FlushInterval,
		maxPending:    opts.MaxPending,
		closed:        cache,
	}

	if err := r.restore(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Repository) restore(ctx context.Context) error {
	key, err := r.store.Get(ctx, CurrentSessionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageErr("get", CurrentSessionKey, err)
	}

	sess, err := r.load(ctx, key)
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, errCorrupt):
		r.logger.Warn().Err(err).Str("key", key).Msg("Open session pointer is dangling, clearing it")
		return r.clearPointer(ctx)
	case err != nil:
		return err
	}

	if !sess.Open() {
		r.logger.Warn().Str("key", key).Msg("Open session pointer references a closed session, clearing it")
		return r.clearPointer(ctx)
	}

	r.cursor = &cursor{key: key, startTime: sess.StartTime}
	if t, err := ParseTime(sess.StartTime); err == nil {
		r.lastID = t
	}

	r.logger.Info().
		Str("session", sess.StartTime).
		Int("readings", len(sess.Readings)).
		Msg("Resumed open session")

	return nil
}

// StartSession creates a new empty session for patient and makes it the open
// session. A session that is still open is closed first.
func (r *Repository) StartSession(ctx context.Context, patient PatientInfo) (SessionID, error) {
	if err := patient.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor != nil {
		r.logger.Info().Str("session", r.cursor.startTime).Msg("Closing open session before starting a new one")
		if err := r.endLocked(ctx); err != nil {
			return "", err
		}
	}

	id, err := r.nextID(ctx)
	if err != nil {
		return "", err
	}
	key := Key(id)

	sess := &Session{
		PatientInfo: patient,
		Readings:    []Reading{},
		StartTime:   id,
	}
	if err := r.write(ctx, key, sess); err != nil {
		return "", err
	}

	patientJSON, err := json.Marshal(patient)
	if err != nil {
		return "", fmt.Errorf("failed to encode patient info: %w", err)
	}
	if err := r.store.Set(ctx, CurrentPatientKey, string(patientJSON)); err != nil {
		return "", storageErr("set", CurrentPatientKey, err)
	}

	if err := r.store.Set(ctx, CurrentSessionKey, key); err != nil {
		// without the pointer the record would be an orphaned open session
		if delErr := r.store.Delete(ctx, key); delErr != nil {
			r.logger.Error().Err(delErr).Str("key", key).Msg("Failed to remove unreferenced session")
		}
		return "", storageErr("set", CurrentSessionKey, err)
	}

	r.cursor = &cursor{key: key, startTime: id}
	metrics.SessionsStarted.Inc()
	metrics.PendingReadings.Set(0)

	r.logger.Info().
		Str("session", id).
		Str("patient", patient.Name).
		Int("months_pregnant", patient.MonthsPregnant).
		Msg("Session started")

	return SessionID(id), nil
}

// nextID returns a millisecond timestamp strictly after the last issued id
// whose key is not taken yet.
func (r *Repository) nextID(ctx context.Context) (string, error) {
	t := r.clock.Now().UTC().Truncate(time.Millisecond)
	if !t.After(r.lastID) {
		t = r.lastID.Add(time.Millisecond)
	}

	for {
		id := FormatTime(t)
		_, err := r.store.Get(ctx, Key(id))
		if errors.Is(err, storage.ErrNotFound) {
			r.lastID = t
			return id, nil
		}
		if err != nil {
			return "", storageErr("get", Key(id), err)
		}
		t = t.Add(time.Millisecond)
	}
}

// AppendReading appends reading to the open session. Readings are buffered
// and written once the batch is full or the flush worker ticks.
//
// Once buffered, a reading is never reported as failed: a storage error while
// writing the batch is logged and retried by Flush. ErrSessionNotFound means
// the open record vanished and the buffer, reading included, was discarded.
func (r *Repository) AppendReading(ctx context.Context, reading Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.cursor
	if c == nil {
		return ErrNoActiveSession
	}

	if len(c.pending) >= r.maxPending {
		n := len(c.pending) - r.maxPending + 1
		if c.dropped == 0 {
			r.logger.Warn().
				Str("session", c.startTime).
				Int("max_pending", r.maxPending).
				Msg("Pending buffer full, dropping oldest readings")
		}
		c.pending = append(c.pending[:0], c.pending[n:]...)
		c.dropped += n
		metrics.PendingDropped.Add(float64(n))
	}

	c.pending = append(c.pending, reading)
	metrics.PendingReadings.Set(float64(len(c.pending)))

	if c.backoff || len(c.pending) < r.batchSize {
		return nil
	}

	err := r.flushLocked(ctx)
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("session", c.startTime).
			Int("pending", len(c.pending)).
			Msg("Flush failed, readings kept for the next attempt")
	}
	return nil
}

// Flush writes buffered readings of the open session to storage.
func (r *Repository) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

func (r *Repository) flushLocked(ctx context.Context) error {
	c := r.cursor
	if c == nil || len(c.pending) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}()

	sess, err := r.load(ctx, c.key)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, errCorrupt) {
		r.logger.Warn().
			Err(err).
			Str("session", c.startTime).
			Int("discarded", len(c.pending)).
			Msg("Open session record is gone, dropping buffered readings")
		r.dropCursor()
		if err := r.clearPointer(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Failed to clear open session pointer")
		}
		return ErrSessionNotFound
	}
	if err != nil {
		c.backoff = true
		metrics.FlushFailures.Inc()
		return err
	}

	sess.Readings = append(sess.Readings, c.pending...)
	if err := r.write(ctx, c.key, sess); err != nil {
		// pending readings are kept for the next attempt
		c.backoff = true
		metrics.FlushFailures.Inc()
		return err
	}

	if c.backoff || c.dropped > 0 {
		r.logger.Info().
			Str("session", c.startTime).
			Int("flushed", len(c.pending)).
			Int("dropped", c.dropped).
			Msg("Storage recovered, buffered readings written")
	} else {
		r.logger.Debug().
			Str("session", c.startTime).
			Int("flushed", len(c.pending)).
			Int("total", len(sess.Readings)).
			Msg("Flushed readings")
	}

	c.pending = nil
	c.dropped = 0
	c.backoff = false
	metrics.PendingReadings.Set(0)
	return nil
}

// EndSession closes the open session and returns its id. It is a no-op
// returning an empty id when none is open.
func (r *Repository) EndSession(ctx context.Context) (SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor == nil {
		return "", nil
	}
	id := SessionID(r.cursor.startTime)
	return id, r.endLocked(ctx)
}

func (r *Repository) endLocked(ctx context.Context) error {
	c := r.cursor

	sess, err := r.load(ctx, c.key)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, errCorrupt) {
		r.logger.Warn().Err(err).Str("session", c.startTime).Msg("Open session record is gone, nothing to close")
		r.dropCursor()
		return r.clearPointer(ctx)
	}
	if err != nil {
		return err
	}

	if c.dropped > 0 {
		r.logger.Warn().Str("session", c.startTime).Int("dropped", c.dropped).Msg("Closing session with readings lost to a full buffer")
	}

	sess.Readings = append(sess.Readings, c.pending...)
	sess.EndTime = FormatTime(r.clock.Now())
	if err := r.write(ctx, c.key, sess); err != nil {
		return err
	}

	// the record is closed from here on, even if the pointer cannot be removed
	r.dropCursor()
	r.closed.Add(c.key, sess)
	metrics.SessionsEnded.Inc()

	r.logger.Info().
		Str("session", sess.StartTime).
		Str("end_time", sess.EndTime).
		Int("readings", len(sess.Readings)).
		Msg("Session ended")

	return r.clearPointer(ctx)
}

// ListSessions returns every stored session, most recent first. Records that
// are missing or cannot be decoded are skipped.
func (r *Repository) ListSessions(ctx context.Context) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return nil, storageErr("list", "", err)
	}

	sessions := make([]Session, 0)
	for _, key := range storage.FilterPrefix(keys, KeyPrefix) {
		sess, err := r.get(ctx, key)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if errors.Is(err, errCorrupt) {
			r.logger.Warn().Err(err).Str("key", key).Msg("Skipping unreadable session")
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sortTime(sessions[i]).After(sortTime(sessions[j]))
	})

	return sessions, nil
}

func sortTime(s Session) time.Time {
	t, _ := ParseTime(s.StartTime)
	return t
}

// GetSession returns the session that started at startTime.
func (r *Repository) GetSession(ctx context.Context, startTime string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, err := r.get(ctx, Key(startTime))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	key, err := r.scan(ctx, startTime)
	if err != nil {
		return nil, err
	}
	return r.get(ctx, key)
}

// DeleteSession removes the session that started at startTime. Deleting the
// open session also clears the cursor.
func (r *Repository) DeleteSession(ctx context.Context, startTime string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, err := r.findKey(ctx, startTime)
	if err != nil {
		return err
	}

	if err := r.store.Delete(ctx, key); err != nil {
		return storageErr("delete", key, err)
	}
	r.closed.Remove(key)

	r.logger.Info().Str("session", startTime).Msg("Session deleted")

	if r.cursor != nil && r.cursor.key == key {
		r.logger.Info().Int("discarded", len(r.cursor.pending)).Msg("Deleted the open session, clearing cursor")
		r.dropCursor()
		return r.clearPointer(ctx)
	}
	return nil
}

// ClearAllSessions removes every session and the open session pointer in a
// single batch.
func (r *Repository) ClearAllSessions(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return storageErr("list", "", err)
	}

	sessionKeys := storage.FilterPrefix(keys, KeyPrefix)
	batch := append(sessionKeys, CurrentSessionKey)
	if err := r.store.DeleteMany(ctx, batch); err != nil {
		return storageErr("delete_many", "", err)
	}

	r.closed.Purge()
	if r.cursor != nil {
		r.logger.Info().Str("session", r.cursor.startTime).Msg("Cleared sessions included the open session")
		r.dropCursor()
	}

	r.logger.Info().Int("count", len(sessionKeys)).Msg("All sessions cleared")
	return nil
}

// CurrentPatient returns the patient of the most recently started session.
func (r *Repository) CurrentPatient(ctx context.Context) (*PatientInfo, error) {
	raw, err := r.store.Get(ctx, CurrentPatientKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoPatientInfo
	}
	if err != nil {
		return nil, storageErr("get", CurrentPatientKey, err)
	}

	var patient PatientInfo
	if err := json.Unmarshal([]byte(raw), &patient); err != nil {
		return nil, fmt.Errorf("failed to decode patient info: %w", err)
	}
	return &patient, nil
}

// ActiveSession reports the open session, if any.
func (r *Repository) ActiveSession() (SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.cursor == nil {
		return "", false
	}
	return SessionID(r.cursor.startTime), true
}

// Run flushes buffered readings every flush interval until ctx is done, then
// flushes once more.
func (r *Repository) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Error().Err(err).Msg("Final flush failed")
			}
			return nil
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic flush failed")
			}
		}
	}
}

// get returns the session stored under key with buffered readings merged in.
// Callers hold r.mu.
func (r *Repository) get(ctx context.Context, key string) (*Session, error) {
	if sess, ok := r.closed.Get(key); ok {
		return sess.clone(nil), nil
	}

	sess, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if r.cursor != nil && r.cursor.key == key {
		sess.Readings = append(sess.Readings, r.cursor.pending...)
	} else if !sess.Open() {
		r.closed.Add(key, sess.clone(nil))
	}
	return sess, nil
}

// findKey resolves startTime to a storage key, trying the derived key first.
func (r *Repository) findKey(ctx context.Context, startTime string) (string, error) {
	key := Key(startTime)
	if r.closed.Contains(key) {
		return key, nil
	}

	_, err := r.store.Get(ctx, key)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", storageErr("get", key, err)
	}
	return r.scan(ctx, startTime)
}

// scan looks for a session with startTime stored under a key that was not
// derived from it, as older clients keyed sessions by epoch milliseconds.
func (r *Repository) scan(ctx context.Context, startTime string) (string, error) {
	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return "", storageErr("list", "", err)
	}

	direct := Key(startTime)
	for _, key := range storage.FilterPrefix(keys, KeyPrefix) {
		if key == direct {
			continue
		}
		sess, err := r.load(ctx, key)
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, errCorrupt) {
			continue
		}
		if err != nil {
			return "", err
		}
		if sess.StartTime == startTime {
			return key, nil
		}
	}
	return "", ErrSessionNotFound
}

func (r *Repository) load(ctx context.Context, key string) (*Session, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storageErr("get", key, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorrupt, key, err)
	}
	if sess.Readings == nil {
		sess.Readings = []Reading{}
	}
	return &sess, nil
}

func (r *Repository) write(ctx context.Context, key string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.store.Set(ctx, key, string(data)); err != nil {
		return storageErr("set", key, err)
	}
	return nil
}

func (r *Repository) clearPointer(ctx context.Context) error {
	if err := r.store.Delete(ctx, CurrentSessionKey); err != nil {
		return storageErr("delete", CurrentSessionKey, err)
	}
	return nil
}

func (r *Repository) dropCursor() {
	r.cursor = nil
	metrics.PendingReadings.Set(0)
}
