package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orbisapp/quotad/internal/push"
	"github.com/orbisapp/quotad/internal/storage/file"
	"github.com/orbisapp/quotad/internal/usage"
	"github.com/rs/zerolog"
)

const testAdminToken = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	server    *Server
	store     *file.Store
	usagePath string
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	dir := t.TempDir()
	usagePath := filepath.Join(dir, "usage_data.json")
	store, err := file.Open(usagePath, filepath.Join(dir, "push_tokens.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tracker := usage.NewTracker(store.Usage(), usage.Config{
		Admins: usage.NewAdminSet("admin@example.com"),
		Clock:  &usage.TestClock{CurrentTime: time.Date(2024, 1, 15, 10, 30, 0, 0, time.Local)},
	}, zerolog.Nop())
	pushService := push.NewService(push.NewLogProvider(zerolog.Nop()), store.Tokens(), push.Config{}, zerolog.Nop())

	cfg := Config{AdminToken: testAdminToken}
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := NewServer(cfg, tracker, pushService, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	return &testServer{server: server, store: store, usagePath: usagePath}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestGetUsage(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/usage/device-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["device_id"] != "device-1" || body["remaining"] != float64(3) || body["show_ads"] != true {
		t.Errorf("unexpected body: %v", body)
	}
	if body["premium_until"] != nil {
		t.Errorf("premium_until = %v, want null", body["premium_until"])
	}

	rec = ts.do(t, http.MethodGet, "/api/usage/device-1?email=Admin@Example.com", nil, nil)
	body = decode(t, rec)
	if body["remaining"] != "unlimited" || body["is_admin"] != true || body["premium_until"] != usage.PremiumLifetime {
		t.Errorf("unexpected admin body: %v", body)
	}
}

func TestCheckRequiresDeviceID(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/api/usage/check", "/api/usage/record", "/api/usage/consume", "/api/purchase/verify"} {
		rec := ts.do(t, http.MethodPost, path, map[string]string{"feature": "interpretation"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
		if body := decode(t, rec); body["success"] != false || body["error"] == "" {
			t.Errorf("%s: unexpected body %v", path, body)
		}
	}

	rec := ts.do(t, http.MethodPost, "/api/usage/check", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body: status = %d", rec.Code)
	}
}

func TestRecordAndCheck(t *testing.T) {
	ts := newTestServer(t, nil)
	req := map[string]string{"device_id": "device-1"}

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/api/usage/record", req, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("record: status = %d", rec.Code)
		}
	}

	rec := ts.do(t, http.MethodPost, "/api/usage/check", req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check: status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["allowed"] != false || body["reason"] != string(usage.ReasonLimitReached) || body["message"] != usage.LimitReachedMessage {
		t.Errorf("unexpected decision: %v", body)
	}
}

func TestConsume(t *testing.T) {
	ts := newTestServer(t, nil)
	req := map[string]string{"device_id": "device-1"}

	for i := 0; i < 3; i++ {
		body := decode(t, ts.do(t, http.MethodPost, "/api/usage/consume", req, nil))
		if body["allowed"] != true || body["reason"] != string(usage.ReasonFreeQuota) {
			t.Fatalf("consume %d: %v", i, body)
		}
	}

	rec := ts.do(t, http.MethodPost, "/api/usage/consume", req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["allowed"] != false {
		t.Errorf("fourth consume allowed: %v", body)
	}
	snap, ok := body["usage"].(map[string]interface{})
	if !ok || snap["today_usage"] != float64(3) {
		t.Errorf("unexpected usage: %v", body["usage"])
	}
}

func TestVerifyPurchase(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/purchase/verify", map[string]string{
		"device_id": "device-1", "purchase_token": "tok", "product_id": "premium_monthly",
	}, nil)
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["success"] != true || body["premium_until"] == nil {
		t.Fatalf("unexpected response %d: %v", rec.Code, body)
	}

	rec = ts.do(t, http.MethodPost, "/api/purchase/verify", map[string]string{
		"device_id": "device-1", "purchase_token": "tok", "product_id": "premium_forever",
	}, nil)
	body = decode(t, rec)
	if rec.Code != http.StatusOK || body["success"] != false || body["error"] != usage.ErrorInvalidProduct {
		t.Fatalf("unexpected response %d: %v", rec.Code, body)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, nil)
	req := map[string]interface{}{"device_id": "device-1", "days": 7}

	rec := ts.do(t, http.MethodPost, "/api/premium/grant", req, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/premium/grant", req, map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/premium/grant", req, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("grant: status = %d: %s", rec.Code, rec.Body)
	}

	body := decode(t, ts.do(t, http.MethodGet, "/api/usage/device-1", nil, nil))
	if body["is_premium"] != true || body["remaining"] != "unlimited" {
		t.Errorf("grant not applied: %v", body)
	}
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.AdminToken = "" })

	rec := ts.do(t, http.MethodPost, "/api/push/broadcast", map[string]string{"title": "t", "body": "b"}, adminHeaders())
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStorageUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)

	if err := os.WriteFile(ts.usagePath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt document: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/usage/check", map[string]string{"device_id": "device-1"}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body := decode(t, rec); body["success"] != false {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestPushRegister(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/api/fcm/register", "/api/push/register-token"} {
		rec := ts.do(t, http.MethodPost, path, map[string]interface{}{
			"token":  "tok",
			"userId": "user-1",
			"topics": []string{"daily_horoscope", "not_allowed"},
		}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d: %s", path, rec.Code, rec.Body)
		}
		body := decode(t, rec)
		topics, _ := body["subscribedTopics"].([]interface{})
		if body["success"] != true || len(topics) != 1 || topics[0] != "daily_horoscope" {
			t.Errorf("%s: unexpected body %v", path, body)
		}
	}

	rec := ts.do(t, http.MethodPost, "/api/push/register-token", map[string]string{"platform": "web"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing token: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/push/register-token", map[string]string{"token": "tok", "platform": "blackberry"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad platform: status = %d", rec.Code)
	}
}

func TestPushTopics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/push/subscribe-topic", map[string]string{"token": "tok", "topic": "premium_users"}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("subscribe: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/push/subscribe-topic", map[string]string{"token": "tok", "topic": "admins"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("disallowed topic: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/push/unsubscribe-topic", map[string]string{"token": "tok"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing topic: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/push/unsubscribe-topic", map[string]string{"token": "tok", "topic": "premium_users"}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("unsubscribe: status = %d", rec.Code)
	}
}

func TestPushSendToUser(t *testing.T) {
	ts := newTestServer(t, nil)
	msg := map[string]interface{}{"userId": "user-1", "title": "Hi", "body": "There"}

	rec := ts.do(t, http.MethodPost, "/api/push/send-to-user", msg, adminHeaders())
	if rec.Code != http.StatusNotFound {
		t.Errorf("no tokens: status = %d", rec.Code)
	}

	ts.do(t, http.MethodPost, "/api/push/register-token", map[string]string{"token": "tok", "userId": "user-1"}, nil)

	rec = ts.do(t, http.MethodPost, "/api/push/send-to-user", msg, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("send: status = %d: %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["success"] != true || body["messageId"] == "" {
		t.Errorf("unexpected body: %v", body)
	}

	rec = ts.do(t, http.MethodPost, "/api/push/send-to-user", map[string]string{"userId": "user-1"}, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing title: status = %d", rec.Code)
	}
}

func TestPushSendToTopicAndBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/push/send-to-topic", map[string]string{"topic": "daily_horoscope", "title": "t", "body": "b"}, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Errorf("send-to-topic: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/push/send-to-topic", map[string]string{"topic": "secret", "title": "t", "body": "b"}, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("disallowed topic: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/push/broadcast", map[string]string{"title": "t", "body": "b"}, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Errorf("broadcast: status = %d", rec.Code)
	}
	if body := decode(t, rec); body["success"] != true {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = 0.001
		cfg.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		if rec := ts.do(t, http.MethodGet, "/api/usage/device-1", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/usage/device-1", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}

	// Health is outside /api and not limited
	if rec := ts.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("health: status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"https://app.example.com"} })

	rec := ts.do(t, http.MethodOptions, "/api/usage/check", nil, map[string]string{"Origin": "https://app.example.com"})
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("missing allow-origin header")
	}

	rec = ts.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example.com"})
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("unexpected allow-origin for unknown origin")
	}
}
