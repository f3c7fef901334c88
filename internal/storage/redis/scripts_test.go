package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestSaveTokenScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		token   string
		ttl     int64
		wantTTL bool
	}{
		{
			name:    "token with expiry",
			userID:  "user-1",
			token:   "tok-1",
			ttl:     3600,
			wantTTL: true,
		},
		{
			name:    "token without expiry",
			userID:  "user-2",
			token:   "tok-2",
			ttl:     0,
			wantTTL: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokensKey := "quotad:tokens:" + tt.userID
			keys := []string{tokensKey, "quotad:tokens:users"}

			err := client.Eval(ctx, saveTokenScript, keys, tt.userID, tt.token, `{"token":"`+tt.token+`"}`, tt.ttl).Err()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}

			if got := mr.HGet(tokensKey, tt.token); got == "" {
				t.Error("Expected token stored in hash")
			}

			isMember, err := mr.SIsMember("quotad:tokens:users", tt.userID)
			if err != nil {
				t.Fatalf("SIsMember failed: %v", err)
			}
			if !isMember {
				t.Errorf("Expected %s in users set", tt.userID)
			}

			hasTTL := mr.TTL(tokensKey) > 0
			if hasTTL != tt.wantTTL {
				t.Errorf("Expected TTL set=%v, got %v", tt.wantTTL, mr.TTL(tokensKey))
			}
		})
	}
}

func TestDeleteTokenScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	tokensKey := "quotad:tokens:user-1"
	keys := []string{tokensKey, "quotad:tokens:users"}

	mr.HSet(tokensKey, "tok-1", "{}")
	mr.HSet(tokensKey, "tok-2", "{}")
	if _, err := mr.SAdd("quotad:tokens:users", "user-1"); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	removed, err := client.Eval(ctx, deleteTokenScript, keys, "user-1", "tok-1").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	// User still owns tok-2
	isMember, _ := mr.SIsMember("quotad:tokens:users", "user-1")
	if !isMember {
		t.Error("Expected user-1 to stay indexed while tokens remain")
	}

	removed, err = client.Eval(ctx, deleteTokenScript, keys, "user-1", "missing").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("Expected 0 for unknown token, got %d", removed)
	}

	if _, err := client.Eval(ctx, deleteTokenScript, keys, "user-1", "tok-2").Int(); err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	isMember, _ = mr.SIsMember("quotad:tokens:users", "user-1")
	if isMember {
		t.Error("Expected user-1 dropped from index after last token")
	}
}
