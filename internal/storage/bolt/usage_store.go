package bolt

import (
	"context"

	"github.com/orbisapp/quotad/internal/storage"
	"go.etcd.io/bbolt"
)

type usageStore struct {
	db *bbolt.DB
}

func decodeRecord(deviceID string, data []byte) (*storage.DeviceRecord, error) {
	var rec storage.DeviceRecord
	if err := unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.Normalize(deviceID)
	return &rec, nil
}

func (s *usageStore) Get(ctx context.Context, deviceID string) (*storage.DeviceRecord, error) {
	var rec *storage.DeviceRecord
	err := view(ctx, s.db, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		value := b.Get([]byte(deviceID))
		if value == nil {
			return storage.ErrNotFound
		}
		rec, err = decodeRecord(deviceID, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *usageStore) Update(ctx context.Context, deviceID string, fn storage.UpdateFunc) (*storage.DeviceRecord, error) {
	var rec *storage.DeviceRecord
	err := update(ctx, s.db, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}

		current := storage.NewDeviceRecord(deviceID)
		if existing := b.Get([]byte(deviceID)); existing != nil {
			current, err = decodeRecord(deviceID, existing)
			if err != nil {
				return err
			}
		}
		if err := fn(current); err != nil {
			return err
		}

		data, err := marshal(current)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(deviceID), data); err != nil {
			return storage.Unavailable("put device", err)
		}
		rec = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *usageStore) List(ctx context.Context) ([]storage.DeviceRecord, error) {
	records := make([]storage.DeviceRecord, 0)
	err := view(ctx, s.db, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			records = append(records, *rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *usageStore) PruneUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	removed := 0
	err := update(ctx, s.db, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		// Collect first: mutating a bucket invalidates open cursors.
		pruned := make(map[string][]byte)
		err = b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			n := rec.PruneBefore(cutoffDate)
			if n == 0 {
				return nil
			}
			data, err := marshal(rec)
			if err != nil {
				return err
			}
			pruned[string(k)] = data
			removed += n
			return nil
		})
		if err != nil {
			return err
		}
		for key, data := range pruned {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
