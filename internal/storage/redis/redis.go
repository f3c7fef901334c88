package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/orbisapp/quotad/internal/config"
	"github.com/orbisapp/quotad/internal/storage"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "quotad"

// Store implements the storage.Store interface using Redis
type Store struct {
	client     *redis.Client
	usageStore *usageStore
	tokenStore *tokenStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	var tokenTTL time.Duration
	if cfg.TokenTTL != "" {
		tokenTTL, err = time.ParseDuration(cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid token_ttl: %w", err)
		}
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	k := keys{prefix: prefix}

	return &Store{
		client:     client,
		usageStore: &usageStore{client: client, keys: k},
		tokenStore: &tokenStore{client: client, keys: k, ttl: tokenTTL},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

// Tokens returns the TokenStore implementation
func (s *Store) Tokens() storage.TokenStore {
	return s.tokenStore
}

// keys builds the Redis key layout.
type keys struct {
	prefix string
}

// device holds one JSON-encoded DeviceRecord.
func (k keys) device(deviceID string) string {
	return fmt.Sprintf("%s:device:%s", k.prefix, deviceID)
}

// devices is the set of all known device ids.
func (k keys) devices() string {
	return k.prefix + ":devices"
}

// userTokens is a hash of token -> JSON-encoded PushToken.
func (k keys) userTokens(userID string) string {
	return fmt.Sprintf("%s:tokens:%s", k.prefix, userID)
}

// tokenUsers is the set of users with at least one registered token.
func (k keys) tokenUsers() string {
	return k.prefix + ":tokens:users"
}
