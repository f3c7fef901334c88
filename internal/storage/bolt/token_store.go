package bolt

import (
	"bytes"
	"context"

	"github.com/orbisapp/quotad/internal/storage"
	"go.etcd.io/bbolt"
)

type tokenStore struct {
	db *bbolt.DB
}

func tokenKey(userID, token string) []byte {
	return []byte(userID + "/" + token)
}

func userPrefix(userID string) []byte {
	return []byte(userID + "/")
}

func (s *tokenStore) Save(ctx context.Context, token storage.PushToken) error {
	data, err := marshal(token)
	if err != nil {
		return err
	}
	return update(ctx, s.db, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketPushTokens)
		if err != nil {
			return err
		}
		return b.Put(tokenKey(token.UserID, token.Token), data)
	})
}

func (s *tokenStore) ListByUser(ctx context.Context, userID string) ([]storage.PushToken, error) {
	tokens := make([]storage.PushToken, 0)
	prefix := userPrefix(userID)
	err := view(ctx, s.db, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketPushTokens)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var token storage.PushToken
			if err := unmarshal(v, &token); err != nil {
				return err
			}
			tokens = append(tokens, token)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *tokenStore) Delete(ctx context.Context, userID, token string) error {
	return update(ctx, s.db, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketPushTokens)
		if err != nil {
			return err
		}
		key := tokenKey(userID, token)
		if b.Get(key) == nil {
			return storage.ErrNotFound
		}
		return b.Delete(key)
	})
}
