package redis

import (
	"encoding/json"

	"github.com/orbisapp/quotad/internal/storage"
)

// decodeRecord converts a stored JSON value to DeviceRecord
func decodeRecord(deviceID string, data []byte) (*storage.DeviceRecord, error) {
	var rec storage.DeviceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, storage.Unavailable("decode device "+deviceID, err)
	}
	rec.Normalize(deviceID)
	return &rec, nil
}

// decodeTokens converts a Redis hash of token -> JSON to PushTokens
func decodeTokens(data map[string]string) ([]storage.PushToken, error) {
	tokens := make([]storage.PushToken, 0, len(data))
	for _, raw := range data {
		var token storage.PushToken
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			return nil, storage.Unavailable("decode push token", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}
