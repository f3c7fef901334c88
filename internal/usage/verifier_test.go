package usage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

func newPlayServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		path := r.URL.Path

		switch {
		case strings.Contains(path, "/purchases/products/") && strings.HasSuffix(path, "/tokens/good"):
			_, _ = w.Write([]byte(`{"purchaseState": 0}`))
		case strings.Contains(path, "/purchases/products/") && strings.HasSuffix(path, "/tokens/cancelled"):
			_, _ = w.Write([]byte(`{"purchaseState": 1}`))
		case strings.Contains(path, "/purchases/subscriptionsv2/tokens/sub-good"):
			_, _ = w.Write([]byte(`{
				"subscriptionState": "SUBSCRIPTION_STATE_ACTIVE",
				"lineItems": [{"productId": "premium_monthly", "expiryTime": "2099-01-01T00:00:00Z"}]
			}`))
		case strings.Contains(path, "/purchases/subscriptionsv2/tokens/sub-lapsed"):
			_, _ = w.Write([]byte(`{
				"subscriptionState": "SUBSCRIPTION_STATE_ACTIVE",
				"lineItems": [{"productId": "premium_monthly", "expiryTime": "2000-01-01T00:00:00Z"}]
			}`))
		case strings.Contains(path, "/tokens/server-error"):
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"code": 500, "message": "backend failure"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"code": 404, "message": "purchase token not found"}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGooglePlayVerifier(t *testing.T) {
	srv := newPlayServer(t)

	verifier, err := NewGooglePlayVerifier(context.Background(), GooglePlayConfig{
		PackageName:          "com.example.app",
		SubscriptionProducts: []string{"premium_monthly"},
		Timeout:              5 * time.Second,
	}, &TestClock{CurrentTime: testNow}, zerolog.Nop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("NewGooglePlayVerifier: %v", err)
	}

	tests := []struct {
		name      string
		productID string
		token     string
		want      bool
		wantErr   bool
	}{
		{name: "purchased product", productID: "premium_lifetime", token: "good", want: true},
		{name: "cancelled product", productID: "premium_lifetime", token: "cancelled", want: false},
		{name: "unknown product token", productID: "premium_lifetime", token: "nope", want: false},
		{name: "active subscription", productID: "premium_monthly", token: "sub-good", want: true},
		{name: "lapsed subscription", productID: "premium_monthly", token: "sub-lapsed", want: false},
		{name: "empty token", productID: "premium_monthly", token: "", want: false},
		{name: "provider failure", productID: "premium_lifetime", token: "server-error", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := verifier.Verify(context.Background(), PurchaseRequest{
				DeviceID:  "device-1",
				Token:     tt.token,
				ProductID: tt.productID,
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGooglePlayVerifierRequiresPackage(t *testing.T) {
	_, err := NewGooglePlayVerifier(context.Background(), GooglePlayConfig{}, nil, zerolog.Nop(), option.WithoutAuthentication())
	if err == nil {
		t.Fatal("expected error without package name")
	}
}

func TestNoopVerifierAcceptsEverything(t *testing.T) {
	ok, err := NewNoopVerifier(zerolog.Nop()).Verify(context.Background(), PurchaseRequest{DeviceID: "d", ProductID: "premium_monthly"})
	if err != nil || !ok {
		t.Fatalf("expected acceptance, got %v %v", ok, err)
	}
}
