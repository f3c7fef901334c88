package file

import (
	"context"

	"github.com/orbisapp/quotad/internal/storage"
)

type usageStore struct {
	doc *document
}

type usageDocument map[string]*storage.DeviceRecord

func (s *usageStore) read() (usageDocument, error) {
	records := make(usageDocument)
	if err := s.doc.load(&records); err != nil {
		return nil, err
	}
	for id, rec := range records {
		if rec == nil {
			rec = storage.NewDeviceRecord(id)
			records[id] = rec
		}
		rec.Normalize(id)
	}
	return records, nil
}

func (s *usageStore) Get(ctx context.Context, deviceID string) (*storage.DeviceRecord, error) {
	var rec *storage.DeviceRecord
	err := s.doc.withLock(ctx, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		found, ok := records[deviceID]
		if !ok {
			return storage.ErrNotFound
		}
		rec = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *usageStore) Update(ctx context.Context, deviceID string, fn storage.UpdateFunc) (*storage.DeviceRecord, error) {
	var rec *storage.DeviceRecord
	err := s.doc.withLock(ctx, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}

		current, ok := records[deviceID]
		if !ok {
			current = storage.NewDeviceRecord(deviceID)
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		records[deviceID] = next

		if err := s.doc.save(records); err != nil {
			return err
		}
		rec = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *usageStore) List(ctx context.Context) ([]storage.DeviceRecord, error) {
	var out []storage.DeviceRecord
	err := s.doc.withLock(ctx, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		out = make([]storage.DeviceRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortRecords(out)
	return out, nil
}

func (s *usageStore) PruneUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	removed := 0
	err := s.doc.withLock(ctx, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		for _, rec := range records {
			removed += rec.PruneBefore(cutoffDate)
		}
		if removed == 0 {
			return nil
		}
		return s.doc.save(records)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
