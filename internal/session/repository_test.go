package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/yakap/internal/clock"
	"github.com/goodtune/yakap/internal/config"
	"github.com/goodtune/yakap/internal/metrics"
	"github.com/goodtune/yakap/internal/storage"
	redisstore "github.com/goodtune/yakap/internal/storage/redis"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var testStart = time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)

func setupTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redisstore.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func newTestRepository(t *testing.T, store storage.KeyValueStore, clk clock.Clock, batch int) *Repository {
	t.Helper()

	repo, err := NewRepository(context.Background(), store, Options{
		FlushBatchSize: batch,
		FlushInterval:  time.Hour,
		Clock:          clk,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	return repo
}

func patientA() PatientInfo {
	return PatientInfo{Name: "A", MonthsPregnant: 5, RecordingDate: "5/14/2024", RecordingTime: "9:30:00 AM"}
}

func reading(bpm float64, clk *clock.Test) Reading {
	return Reading{DeviceID: "ECG_Device_001", BPM: bpm, Timestamp: FormatTime(clk.Now())}
}

func TestStartSessionThenList(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	id, err := repo.StartSession(ctx, patientA())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if string(id) != "2024-05-14T09:30:00.000Z" {
		t.Errorf("Unexpected session id %s", id)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0].PatientInfo != patientA() {
		t.Errorf("Patient mismatch: %+v", sessions[0].PatientInfo)
	}
	if len(sessions[0].Readings) != 0 {
		t.Errorf("Expected empty readings, got %d", len(sessions[0].Readings))
	}
	if !sessions[0].Open() {
		t.Error("Expected new session to be open")
	}

	active, ok := repo.ActiveSession()
	if !ok || active != id {
		t.Errorf("Expected active session %s, got %s (%v)", id, active, ok)
	}

	pointer, err := store.Get(ctx, CurrentSessionKey)
	if err != nil || pointer != Key(string(id)) {
		t.Errorf("Expected pointer %s, got %q (%v)", Key(string(id)), pointer, err)
	}
}

func TestStartSessionValidation(t *testing.T) {
	store, _ := setupTestStore(t)
	repo := newTestRepository(t, store, clock.NewTest(testStart), 20)

	tests := []struct {
		name    string
		patient PatientInfo
		field   string
	}{
		{name: "empty name", patient: PatientInfo{Name: "", MonthsPregnant: 5}, field: "name"},
		{name: "blank name", patient: PatientInfo{Name: "   ", MonthsPregnant: 5}, field: "name"},
		{name: "zero months", patient: PatientInfo{Name: "A", MonthsPregnant: 0}, field: "monthsPregnant"},
		{name: "eleven months", patient: PatientInfo{Name: "A", MonthsPregnant: 11}, field: "monthsPregnant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.StartSession(context.Background(), tt.patient)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, verr.Field)
			}
		})
	}

	if _, ok := repo.ActiveSession(); ok {
		t.Error("Invalid patients must not open a session")
	}
}

func TestAppendReadingWithoutSession(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)

	err := repo.AppendReading(context.Background(), reading(120, clk))
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestAppendReadingsPreserveOrder(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 3)
	ctx := context.Background()

	id, err := repo.StartSession(ctx, patientA())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		clk.Advance(time.Second)
		if err := repo.AppendReading(ctx, reading(float64(100+i), clk)); err != nil {
			t.Fatalf("AppendReading %d failed: %v", i, err)
		}
	}

	// 9 readings flushed in batches of 3, one still pending, all visible
	sess, err := repo.GetSession(ctx, string(id))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(sess.Readings) != n {
		t.Fatalf("Expected %d readings, got %d", n, len(sess.Readings))
	}
	for i, r := range sess.Readings {
		if r.BPM != float64(100+i) {
			t.Errorf("Reading %d: expected bpm %d, got %v", i, 100+i, r.BPM)
		}
	}

	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// A fresh repository sees exactly what was persisted
	reopened := newTestRepository(t, store, clk, 3)
	sess, err = reopened.GetSession(ctx, string(id))
	if err != nil {
		t.Fatalf("GetSession after reopen failed: %v", err)
	}
	if len(sess.Readings) != n {
		t.Fatalf("Expected %d persisted readings, got %d", n, len(sess.Readings))
	}
}

func TestConcurrentAppends(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 7)
	ctx := context.Background()

	id, err := repo.StartSession(ctx, patientA())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r := Reading{DeviceID: fmt.Sprintf("dev-%d", w), BPM: float64(i), Timestamp: FormatTime(testStart)}
				if err := repo.AppendReading(ctx, r); err != nil {
					t.Errorf("AppendReading failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if _, err := repo.EndSession(ctx); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sess, err := repo.GetSession(ctx, string(id))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(sess.Readings) != workers*perWorker {
		t.Fatalf("Expected %d readings, got %d", workers*perWorker, len(sess.Readings))
	}

	// Each producer's readings keep their relative order
	next := make(map[string]float64)
	for _, r := range sess.Readings {
		if r.BPM != next[r.DeviceID] {
			t.Fatalf("Device %s: expected bpm %v, got %v", r.DeviceID, next[r.DeviceID], r.BPM)
		}
		next[r.DeviceID]++
	}
}

func TestDeleteSessionTwice(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	var ids []SessionID
	for i := 0; i < 3; i++ {
		id, err := repo.StartSession(ctx, patientA())
		if err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		ids = append(ids, id)
		clk.Advance(time.Minute)
	}
	if _, err := repo.EndSession(ctx); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	if err := repo.DeleteSession(ctx, string(ids[1])); err != nil {
		t.Fatalf("First delete failed: %v", err)
	}
	if err := repo.DeleteSession(ctx, string(ids[1])); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound on second delete, got %v", err)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 remaining sessions, got %d", len(sessions))
	}
	// Most recent first
	if sessions[0].StartTime != string(ids[2]) || sessions[1].StartTime != string(ids[0]) {
		t.Errorf("Unexpected remaining sessions: %s, %s", sessions[0].StartTime, sessions[1].StartTime)
	}

	if _, err := repo.GetSession(ctx, string(ids[1])); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected deleted session to be gone, got %v", err)
	}
}

func TestDeleteOpenSessionClearsCursor(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	id, _ := repo.StartSession(ctx, patientA())
	_ = repo.AppendReading(ctx, reading(130, clk))

	if err := repo.DeleteSession(ctx, string(id)); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, ok := repo.ActiveSession(); ok {
		t.Error("Expected cursor to be cleared")
	}
	if _, err := store.Get(ctx, CurrentSessionKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected pointer to be removed, got %v", err)
	}
	if err := repo.AppendReading(ctx, reading(131, clk)); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestClearAllSessions(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := repo.StartSession(ctx, patientA()); err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		clk.Advance(time.Minute)
	}
	_ = repo.AppendReading(ctx, reading(140, clk))

	// Warm the cache so clearing must evict it too
	if _, err := repo.ListSessions(ctx); err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}

	if err := repo.ClearAllSessions(ctx); err != nil {
		t.Fatalf("ClearAllSessions failed: %v", err)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("Expected no sessions, got %d", len(sessions))
	}
	if _, ok := repo.ActiveSession(); ok {
		t.Error("Expected no active session after clear")
	}

	// Patient info is not a session record and survives
	if _, err := repo.CurrentPatient(ctx); err != nil {
		t.Errorf("Expected patient info to survive clear, got %v", err)
	}

	// Clearing an empty store is fine
	if err := repo.ClearAllSessions(ctx); err != nil {
		t.Errorf("Second clear failed: %v", err)
	}
}

func TestEndToEndSession(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	id, err := repo.StartSession(ctx, PatientInfo{Name: "A", MonthsPregnant: 5})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	for _, bpm := range []float64{72, 75, 80} {
		clk.Advance(2 * time.Second)
		if err := repo.AppendReading(ctx, reading(bpm, clk)); err != nil {
			t.Fatalf("AppendReading failed: %v", err)
		}
	}
	clk.Advance(time.Second)
	ended, err := repo.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended != id {
		t.Errorf("Expected EndSession to report %s, got %q", id, ended)
	}

	sess, err := repo.GetSession(ctx, string(id))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.EndTime != "2024-05-14T09:30:07.000Z" {
		t.Errorf("Unexpected end time %q", sess.EndTime)
	}
	if len(sess.Readings) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(sess.Readings))
	}

	sum := sess.Summary()
	if math.Abs(sum.AvgBPM-75.67) > 0.005 {
		t.Errorf("Expected avg bpm 75.67, got %.4f", sum.AvgBPM)
	}
	if sum.MaxBPM != 80 {
		t.Errorf("Expected max bpm 80, got %v", sum.MaxBPM)
	}
	if sum.DurationSeconds != 7 {
		t.Errorf("Expected 7s duration, got %v", sum.DurationSeconds)
	}
	if sum.InProgress {
		t.Error("Expected closed session")
	}

	// Ending again is a no-op
	if again, err := repo.EndSession(ctx); err != nil || again != "" {
		t.Errorf("Expected second EndSession to be a no-op, got %q, %v", again, err)
	}
}

func TestEndSessionReportsClosedSession(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	const rounds = 20
	var wg sync.WaitGroup
	ended := make(chan SessionID, rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = repo.StartSession(ctx, patientA())
		}()
		go func() {
			defer wg.Done()
			id, err := repo.EndSession(ctx)
			if err != nil {
				t.Errorf("EndSession failed: %v", err)
				return
			}
			ended <- id
		}()
	}
	wg.Wait()
	close(ended)

	for id := range ended {
		if id == "" {
			continue
		}
		sess, err := repo.GetSession(ctx, string(id))
		if err != nil {
			t.Fatalf("GetSession(%s) failed: %v", id, err)
		}
		if sess.Open() {
			t.Errorf("EndSession reported %s but it is still open", id)
		}
	}
}

func TestStartWhileOpenClosesPrevious(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	first, _ := repo.StartSession(ctx, patientA())
	_ = repo.AppendReading(ctx, reading(135, clk))
	clk.Advance(10 * time.Second)

	second, err := repo.StartSession(ctx, PatientInfo{Name: "B", MonthsPregnant: 7})
	if err != nil {
		t.Fatalf("Second StartSession failed: %v", err)
	}

	prev, err := repo.GetSession(ctx, string(first))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if prev.Open() {
		t.Error("Expected previous session to be closed")
	}
	if len(prev.Readings) != 1 {
		t.Errorf("Expected buffered reading to be kept, got %d", len(prev.Readings))
	}

	active, _ := repo.ActiveSession()
	if active != second {
		t.Errorf("Expected active session %s, got %s", second, active)
	}

	patient, err := repo.CurrentPatient(ctx)
	if err != nil || patient.Name != "B" {
		t.Errorf("Expected current patient B, got %+v (%v)", patient, err)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart.Add(123456 * time.Microsecond))
	repo := newTestRepository(t, store, clk, 20)
	ctx := context.Background()

	seen := make(map[SessionID]bool)
	for i := 0; i < 5; i++ {
		id, err := repo.StartSession(ctx, patientA())
		if err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("Duplicate session id %s", id)
		}
		seen[id] = true
	}

	if !seen["2024-05-14T09:30:00.123Z"] || !seen["2024-05-14T09:30:00.127Z"] {
		t.Errorf("Expected millisecond bumps from .123 to .127, got %v", seen)
	}

	// An id already taken by a foreign record is skipped
	_ = store.Set(ctx, Key("2024-05-14T09:30:00.128Z"), `{"startTime":"2024-05-14T09:30:00.128Z","readings":[]}`)
	id, err := repo.StartSession(ctx, patientA())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if id != "2024-05-14T09:30:00.129Z" {
		t.Errorf("Expected id to skip the taken key, got %s", id)
	}
}

func TestRestoreOpenSession(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	ctx := context.Background()

	first := newTestRepository(t, store, clk, 2)
	id, _ := first.StartSession(ctx, patientA())
	_ = first.AppendReading(ctx, reading(120, clk))
	_ = first.AppendReading(ctx, reading(121, clk))

	restarted := newTestRepository(t, store, clk, 2)
	active, ok := restarted.ActiveSession()
	if !ok || active != id {
		t.Fatalf("Expected restored session %s, got %s (%v)", id, active, ok)
	}

	if err := restarted.AppendReading(ctx, reading(122, clk)); err != nil {
		t.Fatalf("AppendReading after restart failed: %v", err)
	}
	if _, err := restarted.EndSession(ctx); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sess, _ := restarted.GetSession(ctx, string(id))
	if len(sess.Readings) != 3 || sess.Open() {
		t.Errorf("Expected 3 readings in a closed session, got %d (open=%v)", len(sess.Readings), sess.Open())
	}

	// A new session after restart sorts after the restored one
	clk.Set(testStart.Add(-time.Hour))
	next, err := restarted.StartSession(ctx, patientA())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if next <= id {
		t.Errorf("Expected id after %s, got %s", id, next)
	}
}

func TestRestoreClearsDanglingPointer(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_ = store.Set(ctx, CurrentSessionKey, Key("2024-01-01T00:00:00.000Z"))

	repo := newTestRepository(t, store, clock.NewTest(testStart), 20)
	if _, ok := repo.ActiveSession(); ok {
		t.Fatal("Expected no active session for a dangling pointer")
	}
	if _, err := store.Get(ctx, CurrentSessionKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected dangling pointer to be removed, got %v", err)
	}
}

func TestAppendToExternallyDeletedSession(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 1)
	ctx := context.Background()

	id, _ := repo.StartSession(ctx, patientA())
	_ = store.Delete(ctx, Key(string(id)))

	if err := repo.AppendReading(ctx, reading(130, clk)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := repo.AppendReading(ctx, reading(131, clk)); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Expected ErrNoActiveSession once the cursor is dropped, got %v", err)
	}
}

func TestLegacyKeyLookup(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	const startTime = "2023-11-14T22:13:20.000Z"
	legacy := `{"patientInfo":{"name":"C","monthsPregnant":6,"recordingDate":"","recordingTime":""},` +
		`"readings":[{"deviceId":"ECG_Device_001","bpm":138,"timestamp":"2023-11-14T22:13:21.000Z","rawEcg":95,"smoothedEcg":97.5}],` +
		`"startTime":"` + startTime + `","endTime":"2023-11-14T22:20:00.000Z"}`
	_ = store.Set(ctx, "session_1700000000000", legacy)

	repo := newTestRepository(t, store, clock.NewTest(testStart), 20)

	sess, err := repo.GetSession(ctx, startTime)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.PatientInfo.Name != "C" || len(sess.Readings) != 1 {
		t.Errorf("Unexpected legacy session %+v", sess)
	}
	if sess.Readings[0].SmoothedValue == nil || *sess.Readings[0].SmoothedValue != 97.5 {
		t.Errorf("Expected smoothedEcg 97.5, got %v", sess.Readings[0].SmoothedValue)
	}

	if err := repo.DeleteSession(ctx, startTime); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := store.Get(ctx, "session_1700000000000"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected legacy record to be deleted, got %v", err)
	}
}

func TestListSkipsCorruptRecords(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	clk := clock.NewTest(testStart)

	_ = store.Set(ctx, "session_broken", "{not json")
	repo := newTestRepository(t, store, clk, 20)
	_, _ = repo.StartSession(ctx, patientA())

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("Expected corrupt record to be skipped, got %d sessions", len(sessions))
	}
}

func TestCurrentPatientMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	repo := newTestRepository(t, store, clock.NewTest(testStart), 20)

	if _, err := repo.CurrentPatient(context.Background()); !errors.Is(err, ErrNoPatientInfo) {
		t.Fatalf("Expected ErrNoPatientInfo, got %v", err)
	}
}

// flakyStore fails writes while failing is set and counts write attempts.
type flakyStore struct {
	storage.KeyValueStore
	mu      sync.Mutex
	failing bool
	sets    int
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyStore) setCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func (f *flakyStore) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.sets++
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("connection refused")
	}
	return f.KeyValueStore.Set(ctx, key, value)
}

func TestFlushFailureKeepsReadings(t *testing.T) {
	base, _ := setupTestStore(t)
	store := &flakyStore{KeyValueStore: base}
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 2)
	ctx := context.Background()

	id, _ := repo.StartSession(ctx, patientA())
	store.setFailing(true)
	failures := testutil.ToFloat64(metrics.FlushFailures)

	for _, bpm := range []float64{130, 131} {
		if err := repo.AppendReading(ctx, reading(bpm, clk)); err != nil {
			t.Fatalf("Expected buffered append to succeed, got %v", err)
		}
	}
	if got := testutil.ToFloat64(metrics.FlushFailures) - failures; got != 1 {
		t.Errorf("Expected 1 flush failure, got %v", got)
	}

	err := repo.Flush(ctx)
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected StorageError from Flush, got %v", err)
	}
	if serr.Op != "set" || serr.Key != Key(string(id)) {
		t.Errorf("Unexpected storage error details: %+v", serr)
	}

	store.setFailing(false)
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Retry flush failed: %v", err)
	}

	raw, _ := base.Get(ctx, Key(string(id)))
	reopened := newTestRepository(t, base, clk, 2)
	sess, err := reopened.GetSession(ctx, string(id))
	if err != nil {
		t.Fatalf("GetSession failed: %v (%s)", err, raw)
	}
	if len(sess.Readings) != 2 {
		t.Errorf("Expected 2 readings after retry, got %d", len(sess.Readings))
	}
}

func TestAppendAfterFailedFlushStoresOnce(t *testing.T) {
	base, _ := setupTestStore(t)
	store := &flakyStore{KeyValueStore: base}
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 1)
	ctx := context.Background()

	id, _ := repo.StartSession(ctx, patientA())

	// a failed batch write is not reported to the caller, so nothing
	// prompts a retry that would store the reading twice
	store.setFailing(true)
	before := store.setCalls()
	if err := repo.AppendReading(ctx, reading(130, clk)); err != nil {
		t.Fatalf("Expected buffered append to succeed, got %v", err)
	}
	if store.setCalls() == before {
		t.Fatal("Expected the full batch to attempt a write")
	}

	store.setFailing(false)
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reopened := newTestRepository(t, base, clk, 1)
	sess, err := reopened.GetSession(ctx, string(id))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(sess.Readings) != 1 {
		t.Errorf("Expected the reading stored exactly once, got %d", len(sess.Readings))
	}
}

func TestFailedFlushBacksOffUntilNextFlush(t *testing.T) {
	base, _ := setupTestStore(t)
	store := &flakyStore{KeyValueStore: base}
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 2)
	ctx := context.Background()

	_, _ = repo.StartSession(ctx, patientA())
	store.setFailing(true)

	before := store.setCalls()
	for i := 0; i < 50; i++ {
		if err := repo.AppendReading(ctx, reading(130, clk)); err != nil {
			t.Fatalf("AppendReading failed: %v", err)
		}
	}
	if got := store.setCalls() - before; got != 1 {
		t.Fatalf("Expected one write attempt before backing off, got %d", got)
	}

	// the flush worker retries
	if err := repo.Flush(ctx); err == nil {
		t.Fatal("Expected Flush to fail while storage is down")
	}
	if got := store.setCalls() - before; got != 2 {
		t.Errorf("Expected Flush to retry the write, got %d attempts", got)
	}

	store.setFailing(false)
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush after recovery failed: %v", err)
	}

	// batches flush inline again once storage is back
	before = store.setCalls()
	_ = repo.AppendReading(ctx, reading(131, clk))
	_ = repo.AppendReading(ctx, reading(132, clk))
	if got := store.setCalls() - before; got != 1 {
		t.Errorf("Expected an inline flush after recovery, got %d writes", got)
	}
}

func TestPendingBufferIsBounded(t *testing.T) {
	base, _ := setupTestStore(t)
	store := &flakyStore{KeyValueStore: base}
	clk := clock.NewTest(testStart)
	ctx := context.Background()

	repo, err := NewRepository(ctx, store, Options{
		FlushBatchSize: 20,
		FlushInterval:  time.Hour,
		MaxPending:     100,
		Clock:          clk,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	id, _ := repo.StartSession(ctx, patientA())
	store.setFailing(true)
	dropped := testutil.ToFloat64(metrics.PendingDropped)

	const total = 5000
	for i := 0; i < total; i++ {
		if err := repo.AppendReading(ctx, reading(float64(i), clk)); err != nil {
			t.Fatalf("AppendReading %d failed: %v", i, err)
		}
	}

	if got := testutil.ToFloat64(metrics.PendingReadings); got != 100 {
		t.Errorf("Expected 100 pending readings, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.PendingDropped) - dropped; got != total-100 {
		t.Errorf("Expected %d dropped readings, got %v", total-100, got)
	}

	store.setFailing(false)
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush after recovery failed: %v", err)
	}

	sess, err := repo.GetSession(ctx, string(id))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(sess.Readings) != 100 {
		t.Fatalf("Expected 100 readings kept, got %d", len(sess.Readings))
	}
	// the newest readings survive, in order
	if sess.Readings[0].BPM != total-100 || sess.Readings[99].BPM != total-1 {
		t.Errorf("Expected readings %d..%d, got %v..%v", total-100, total-1, sess.Readings[0].BPM, sess.Readings[99].BPM)
	}
}

func TestRunFlushesOnExit(t *testing.T) {
	store, _ := setupTestStore(t)
	clk := clock.NewTest(testStart)
	repo := newTestRepository(t, store, clk, 100)

	ctx, cancel := context.WithCancel(context.Background())
	id, _ := repo.StartSession(ctx, patientA())
	_ = repo.AppendReading(ctx, reading(130, clk))

	done := make(chan struct{})
	go func() {
		_ = repo.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	reopened := newTestRepository(t, store, clk, 100)
	sess, err := reopened.GetSession(context.Background(), string(id))
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(sess.Readings) != 1 {
		t.Errorf("Expected pending reading to be flushed on exit, got %d", len(sess.Readings))
	}
}
