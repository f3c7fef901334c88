package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orbisapp/quotad/internal/storage"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "usage_data.json")
	store, err := Open(path, filepath.Join(dir, "push_tokens.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestOpenCreatesEmptyDocument(t *testing.T) {
	_, path := openTestStore(t)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("expected empty document, got %q", data)
	}
}

func TestUsageRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	until := time.Date(2030, 3, 4, 5, 6, 7, 0, time.UTC)
	_, err := store.Usage().Update(ctx, "device-a", func(rec *storage.DeviceRecord) error {
		rec.Usage["2024-01-15"] = 3
		rec.Premium = true
		rec.PremiumUntil = storage.NewTimestamp(until)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, err := store.Usage().Get(ctx, "device-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.DeviceID != "device-a" {
		t.Fatalf("expected device id to be filled in, got %q", rec.DeviceID)
	}
	if rec.UsageOn("2024-01-15") != 3 {
		t.Fatalf("expected usage 3, got %d", rec.UsageOn("2024-01-15"))
	}
	if rec.PremiumUntil == nil || !rec.PremiumUntil.Equal(until) {
		t.Fatalf("expected premium_until %v, got %v", until, rec.PremiumUntil)
	}
}

func TestLegacyDocument(t *testing.T) {
	store, path := openTestStore(t)

	legacy := `{
  "device-old": {"usage": {"2024-01-15": 2}, "premium": true, "premium_until": "2099-02-14T09:30:00.123456"},
  "device-bare": {"premium": false, "premium_until": null}
}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy document: %v", err)
	}

	rec, err := store.Usage().Get(context.Background(), "device-old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := time.Date(2099, 2, 14, 9, 30, 0, 123456000, time.Local)
	if rec.PremiumUntil == nil || !rec.PremiumUntil.Equal(want) {
		t.Fatalf("expected naive timestamp read in local time %v, got %v", want, rec.PremiumUntil)
	}
	if !rec.PremiumActive(time.Now()) {
		t.Fatal("expected premium active")
	}

	bare, err := store.Usage().Get(context.Background(), "device-bare")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bare.Usage == nil || bare.UsageOn("2024-01-15") != 0 {
		t.Fatalf("expected empty usage map, got %v", bare.Usage)
	}
}

func TestCorruptDocumentIsUnavailable(t *testing.T) {
	store, path := openTestStore(t)

	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("corrupt document: %v", err)
	}

	if _, err := store.Usage().Get(context.Background(), "device-a"); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on get, got %v", err)
	}
	_, err := store.Usage().Update(context.Background(), "device-a", func(rec *storage.DeviceRecord) error {
		rec.Usage["2024-01-15"]++
		return nil
	})
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on update, got %v", err)
	}

	// The corrupt file must not have been replaced by a fresh document
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	if string(data) != "{truncated" {
		t.Fatalf("expected corrupt document untouched, got %q", data)
	}
}

func TestMissingDocumentIsUnavailable(t *testing.T) {
	store, path := openTestStore(t)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove document: %v", err)
	}
	if _, err := store.Usage().List(context.Background()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	store, _ := openTestStore(t)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Usage().Update(context.Background(), "device-a", func(rec *storage.DeviceRecord) error {
				rec.Usage["2024-01-15"]++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := store.Usage().Get(context.Background(), "device-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.UsageOn("2024-01-15") != workers {
		t.Fatalf("expected %d, got %d", workers, rec.UsageOn("2024-01-15"))
	}
}

func TestSharedFileAcrossStores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage_data.json")
	tokens := filepath.Join(dir, "push_tokens.json")

	first, err := Open(path, tokens)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	defer func() { _ = first.Close() }()
	second, err := Open(path, tokens)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer func() { _ = second.Close() }()

	var wg sync.WaitGroup
	for _, s := range []*Store{first, second} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(s *Store) {
				defer wg.Done()
				_, err := s.Usage().Update(context.Background(), "device-a", func(rec *storage.DeviceRecord) error {
					rec.Usage["2024-01-15"]++
					return nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
				}
			}(s)
		}
	}
	wg.Wait()

	rec, err := first.Usage().Get(context.Background(), "device-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.UsageOn("2024-01-15") != 20 {
		t.Fatalf("expected 20, got %d", rec.UsageOn("2024-01-15"))
	}
}

func TestTokens(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, tok := range []string{"tok-b", "tok-a"} {
		if err := store.Tokens().Save(ctx, storage.PushToken{UserID: "user-1", Token: tok, Platform: storage.PlatformAndroid}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	// Re-registering the same token replaces it
	if err := store.Tokens().Save(ctx, storage.PushToken{UserID: "user-1", Token: "tok-a", Platform: storage.PlatformIOS}); err != nil {
		t.Fatalf("save: %v", err)
	}

	list, err := store.Tokens().ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Token != "tok-a" || list[0].Platform != storage.PlatformIOS {
		t.Fatalf("unexpected tokens: %+v", list)
	}

	if err := store.Tokens().Delete(ctx, "user-1", "tok-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Tokens().Delete(ctx, "user-2", "tok-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
