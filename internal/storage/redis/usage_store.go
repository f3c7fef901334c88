package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orbisapp/quotad/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic retries when another writer touches the
// same device key between WATCH and EXEC.
const maxTxRetries = 100

// errNoChange lets an update callback skip the write.
var errNoChange = errors.New("no change")

type usageStore struct {
	client *redis.Client
	keys   keys
}

// Get retrieves a device record
func (s *usageStore) Get(ctx context.Context, deviceID string) (*storage.DeviceRecord, error) {
	data, err := s.client.Get(ctx, s.keys.device(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable("redis get", err)
	}
	return decodeRecord(deviceID, data)
}

// Update applies fn to the device record inside a WATCH/MULTI transaction,
// retrying when the key changed underneath us.
func (s *usageStore) Update(ctx context.Context, deviceID string, fn storage.UpdateFunc) (*storage.DeviceRecord, error) {
	key := s.keys.device(deviceID)

	var (
		rec   *storage.DeviceRecord
		cbErr error
	)

	txf := func(tx *redis.Tx) error {
		current := storage.NewDeviceRecord(deviceID)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			current, err = decodeRecord(deviceID, data)
			if err != nil {
				cbErr = err
				return err
			}
		}

		if err := fn(current); err != nil {
			cbErr = err
			return err
		}

		encoded, err := json.Marshal(current)
		if err != nil {
			cbErr = fmt.Errorf("marshal device: %w", err)
			return cbErr
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, s.keys.devices(), deviceID)
			return nil
		})
		if err == nil {
			rec = current
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		cbErr = nil
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return rec, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		if cbErr != nil {
			return nil, cbErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, storage.Unavailable("redis update", err)
	}

	return nil, storage.Unavailable("redis update", fmt.Errorf("too many write conflicts on %s", key))
}

// List returns every known device record
func (s *usageStore) List(ctx context.Context) ([]storage.DeviceRecord, error) {
	deviceIDs, err := s.client.SMembers(ctx, s.keys.devices()).Result()
	if err != nil {
		return nil, storage.Unavailable("redis smembers", err)
	}

	if len(deviceIDs) == 0 {
		return []storage.DeviceRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(deviceIDs))
	for i, id := range deviceIDs {
		cmds[i] = pipe.Get(ctx, s.keys.device(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storage.Unavailable("redis pipeline", err)
	}

	records := make([]storage.DeviceRecord, 0, len(deviceIDs))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		rec, err := decodeRecord(deviceIDs[i], data)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	storage.SortRecords(records)
	return records, nil
}

// PruneUsageBefore drops old date counters device by device. Each device is
// rewritten through Update so concurrent increments are never lost.
func (s *usageStore) PruneUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	deviceIDs, err := s.client.SMembers(ctx, s.keys.devices()).Result()
	if err != nil {
		return 0, storage.Unavailable("redis smembers", err)
	}

	removed := 0
	for _, id := range deviceIDs {
		n := 0
		_, err := s.Update(ctx, id, func(rec *storage.DeviceRecord) error {
			n = rec.PruneBefore(cutoffDate)
			if n == 0 {
				return errNoChange
			}
			return nil
		})
		if err != nil && !errors.Is(err, errNoChange) {
			return removed, err
		}
		if err == nil {
			removed += n
		}
	}

	return removed, nil
}
