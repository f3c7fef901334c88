package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/orbisapp/quotad/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	saveToken   = redis.NewScript(saveTokenScript)
	deleteToken = redis.NewScript(deleteTokenScript)
)

type tokenStore struct {
	client *redis.Client
	keys   keys
	ttl    time.Duration
}

// Save creates or refreshes a user's push token
func (s *tokenStore) Save(ctx context.Context, token storage.PushToken) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal push token: %w", err)
	}

	keys := []string{s.keys.userTokens(token.UserID), s.keys.tokenUsers()}
	args := []interface{}{token.UserID, token.Token, string(payload), int64(s.ttl.Seconds())}

	if err := saveToken.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return storage.Unavailable("redis save token", err)
	}
	return nil
}

// ListByUser returns all tokens registered for a user
func (s *tokenStore) ListByUser(ctx context.Context, userID string) ([]storage.PushToken, error) {
	data, err := s.client.HGetAll(ctx, s.keys.userTokens(userID)).Result()
	if err != nil {
		return nil, storage.Unavailable("redis hgetall", err)
	}

	tokens, err := decodeTokens(data)
	if err != nil {
		return nil, err
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Token < tokens[j].Token })
	return tokens, nil
}

// Delete removes a single token
func (s *tokenStore) Delete(ctx context.Context, userID, token string) error {
	keys := []string{s.keys.userTokens(userID), s.keys.tokenUsers()}

	removed, err := deleteToken.Run(ctx, s.client, keys, userID, token).Int()
	if err != nil {
		return storage.Unavailable("redis delete token", err)
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}
