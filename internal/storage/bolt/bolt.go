package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/yakap/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketKV = "kv"

// Store implements storage.KeyValueStore using bbolt.
type Store struct {
	db *bbolt.DB
}

var _ storage.KeyValueStore = (*Store)(nil)

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketKV)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketKV, err)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketKV))
		if b == nil {
			return storage.ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return storage.ErrNotFound
		}
		// data is only valid inside the transaction
		value = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return b.Put([]byte(key), []byte(value))
	})
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// ListKeys returns every key in the bucket.
func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// DeleteMany removes all keys inside one transaction.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.update(ctx, func(b *bbolt.Bucket) error {
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) update(ctx context.Context, fn func(b *bbolt.Bucket) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketKV))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketKV)
		}
		return fn(b)
	})
}
