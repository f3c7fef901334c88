package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrUnavailable is returned when the backing store cannot be read or written.
	// Callers use it to tell "no usage yet" apart from "could not determine usage".
	ErrUnavailable = errors.New("storage: unavailable")
)

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
	Tokens() TokenStore
}

// UpdateFunc mutates a device record inside a storage transaction.
// Returning an error aborts the transaction and nothing is written.
type UpdateFunc func(rec *DeviceRecord) error

// UsageStore manages per-device usage records.
//
// Update is the only mutation path. Every backend runs it as an atomic
// read-modify-write for the device: concurrent updates to the same device
// are applied one after another and never lose increments.
type UsageStore interface {
	Get(ctx context.Context, deviceID string) (*DeviceRecord, error)
	// Update loads the record (or a fresh one when absent), applies fn and
	// persists the result. It returns the record as written.
	Update(ctx context.Context, deviceID string, fn UpdateFunc) (*DeviceRecord, error)
	List(ctx context.Context) ([]DeviceRecord, error)
	// PruneUsageBefore drops date counters older than cutoffDate (YYYY-MM-DD)
	// and reports how many counters were removed.
	PruneUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}

// TokenStore manages push tokens registered by signed-in users.
type TokenStore interface {
	Save(ctx context.Context, token PushToken) error
	ListByUser(ctx context.Context, userID string) ([]PushToken, error)
	Delete(ctx context.Context, userID, token string) error
}
