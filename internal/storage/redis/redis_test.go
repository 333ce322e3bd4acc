package redis

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/yakap/internal/config"
	"github.com/goodtune/yakap/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays 0
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestStore_SetGet(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if err := store.Set(ctx, "session_2024-01-01T10:00:00.000Z", `{"startTime":"x"}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "session_2024-01-01T10:00:00.000Z")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != `{"startTime":"x"}` {
		t.Errorf("Expected stored value, got %q", got)
	}

	// Keys are namespaced with the default prefix
	if !mr.Exists(DefaultKeyPrefix + "session_2024-01-01T10:00:00.000Z") {
		t.Error("Expected key to be written under the default prefix")
	}
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	_ = store.Set(ctx, "k", "v")

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected key to be gone, got %v", err)
	}
}

func TestStore_ListKeys(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	// A foreign key outside the prefix must not be listed
	if err := mr.Set("other:key", "1"); err != nil {
		t.Fatalf("Failed to seed foreign key: %v", err)
	}

	want := []string{"current_session_id", "session_a", "session_b"}
	for _, k := range want {
		if err := store.Set(ctx, k, "v"); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	sort.Strings(keys)

	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Expected key %s, got %s", want[i], keys[i])
		}
	}

	sessions := storage.FilterPrefix(keys, "session_")
	if len(sessions) != 2 {
		t.Errorf("Expected 2 session keys, got %v", sessions)
	}
}

func TestStore_DeleteMany(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for _, k := range []string{"session_a", "session_b", "current_patient_info"} {
		_ = store.Set(ctx, k, "v")
	}

	if err := store.DeleteMany(ctx, []string{"session_a", "session_b"}); err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "current_patient_info" {
		t.Errorf("Expected only current_patient_info to remain, got %v", keys)
	}

	// Empty batch is a no-op
	if err := store.DeleteMany(ctx, nil); err != nil {
		t.Errorf("Empty DeleteMany failed: %v", err)
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{
		Host:         "127.0.0.1:0",
		DialTimeout:  "soon",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}
