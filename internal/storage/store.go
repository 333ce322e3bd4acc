package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a key is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// KeyValueStore is the durable string-keyed store every backend implements.
// Writes replace the whole value of a key atomically, so concurrent readers
// observe either the old or the new value, never a partial one.
type KeyValueStore interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns every key in the store, in no particular order.
	ListKeys(ctx context.Context) ([]string, error)

	// DeleteMany removes all keys in one batch. Either every key is removed
	// or an error is returned and none are.
	DeleteMany(ctx context.Context, keys []string) error

	Close() error
}

// FilterPrefix returns the keys that start with prefix.
func FilterPrefix(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
