// Package file stores usage records as a single JSON document on disk.
//
// The document layout is the one the mobile backend has always used:
//
//	{"<device id>": {"usage": {"2024-01-15": 2}, "premium": false, "premium_until": null}}
//
// Every operation reads the whole document and every mutation rewrites it.
// Writes go to a temporary file that is renamed into place, and the full
// read-modify-write cycle runs under an in-process mutex plus an exclusive
// flock on "<path>.lock", so concurrent updates from goroutines or other
// processes sharing the file are serialized.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/orbisapp/quotad/internal/storage"
)

const lockRetryDelay = 10 * time.Millisecond

// Store implements storage.Store on top of JSON files.
type Store struct {
	usage  *usageStore
	tokens *tokenStore
}

// document guards one JSON file.
type document struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// Open opens (creating when absent) the usage document at path and the token
// document at tokensPath.
func Open(path, tokensPath string) (*Store, error) {
	usageDoc, err := openDocument(path)
	if err != nil {
		return nil, err
	}
	tokenDoc, err := openDocument(tokensPath)
	if err != nil {
		return nil, err
	}

	return &Store{
		usage:  &usageStore{doc: usageDoc},
		tokens: &tokenStore{doc: tokenDoc},
	}, nil
}

func openDocument(path string) (*document, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	doc := &document{path: path, lock: flock.New(path + ".lock")}
	err := doc.withLock(context.Background(), func() error {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return atomic.WriteFile(path, bytes.NewReader([]byte("{}")))
	})
	if err != nil {
		return nil, fmt.Errorf("initialise %s: %w", path, err)
	}
	return doc, nil
}

// Close releases file locks. The documents themselves need no closing.
func (s *Store) Close() error {
	return errors.Join(s.usage.doc.lock.Close(), s.tokens.doc.lock.Close())
}

// Usage returns the usage store.
func (s *Store) Usage() storage.UsageStore { return s.usage }

// Tokens returns the push token store.
func (s *Store) Tokens() storage.TokenStore { return s.tokens }

func (d *document) withLock(ctx context.Context, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	locked, err := d.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return storage.Unavailable("lock "+d.path, err)
	}
	if !locked {
		return storage.Unavailable("lock "+d.path, errors.New("lock not acquired"))
	}
	defer func() { _ = d.lock.Unlock() }()

	return fn()
}

// load decodes the whole document into out. A missing or corrupt file is an
// error, never an empty document.
func (d *document) load(out any) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return storage.Unavailable("read "+d.path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return storage.Unavailable("decode "+d.path, err)
	}
	return nil
}

func (d *document) save(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := atomic.WriteFile(d.path, bytes.NewReader(data)); err != nil {
		return storage.Unavailable("write "+d.path, err)
	}
	return nil
}
