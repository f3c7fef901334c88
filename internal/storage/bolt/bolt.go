package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orbisapp/quotad/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketDevices    = "devices"
	bucketPushTokens = "push_tokens"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
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

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketDevices, bucketPushTokens} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Usage returns the usage store.
func (s *Store) Usage() storage.UsageStore { return &usageStore{db: s.db} }

// Tokens returns the push token store.
func (s *Store) Tokens() storage.TokenStore { return &tokenStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return storage.Unavailable("unmarshal value", err)
	}
	return nil
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, storage.Unavailable("open bucket", fmt.Errorf("bucket missing: %s", name))
	}
	return b, nil
}

// view and update translate bolt transaction failures into ErrUnavailable
// while passing through errors raised by the callback itself.
func view(ctx context.Context, db *bbolt.DB, fn func(tx *bbolt.Tx) error) error {
	var cbErr error
	err := db.View(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			cbErr = err
			return err
		}
		cbErr = fn(tx)
		return cbErr
	})
	if err != nil && cbErr == nil {
		return storage.Unavailable("bolt view", err)
	}
	return err
}

func update(ctx context.Context, db *bbolt.DB, fn func(tx *bbolt.Tx) error) error {
	var cbErr error
	err := db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			cbErr = err
			return err
		}
		cbErr = fn(tx)
		return cbErr
	})
	if err != nil && cbErr == nil {
		return storage.Unavailable("bolt update", err)
	}
	return err
}
