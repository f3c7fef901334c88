package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/orbisapp/quotad/internal/push"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(context.Background(), Config{
		ProjectID:    "orbis-test",
		SendEndpoint: srv.URL,
		IIDEndpoint:  srv.URL + "/",
		HTTPClient:   srv.Client(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewRequiresProjectID(t *testing.T) {
	if _, err := New(context.Background(), Config{HTTPClient: http.DefaultClient}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without project id")
	}
}

func TestSendToken(t *testing.T) {
	var got sendRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/projects/orbis-test/messages:send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		writeJSON(w, http.StatusOK, `{"name":"projects/orbis-test/messages/42"}`)
	}))

	id, err := client.Send(context.Background(), push.Message{
		Token: "tok-1",
		Title: "Hello",
		Body:  "World",
		Data:  map[string]string{"screen": "reading"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "projects/orbis-test/messages/42" {
		t.Errorf("message id = %q", id)
	}
	if got.Message.Token != "tok-1" || got.Message.Topic != "" {
		t.Errorf("unexpected target: %+v", got.Message)
	}
	if got.Message.Notification.Title != "Hello" || got.Message.Notification.Body != "World" {
		t.Errorf("unexpected notification: %+v", got.Message.Notification)
	}
	if got.Message.Data["screen"] != "reading" {
		t.Errorf("unexpected data: %v", got.Message.Data)
	}
}

func TestSendTopic(t *testing.T) {
	var got sendRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, `{"name":"m1"}`)
	}))

	if _, err := client.Send(context.Background(), push.Message{Topic: "all_users", Title: "t", Body: "b"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Message.Topic != "all_users" || got.Message.Token != "" {
		t.Errorf("unexpected target: %+v", got.Message)
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name             string
		status           int
		body             string
		wantUnregistered bool
	}{
		{
			name:             "unregistered error code",
			status:           http.StatusBadRequest,
			body:             `{"error":{"code":400,"message":"gone","status":"INVALID_ARGUMENT","details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"UNREGISTERED"}]}}`,
			wantUnregistered: true,
		},
		{
			name:             "not found",
			status:           http.StatusNotFound,
			body:             `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`,
			wantUnregistered: true,
		},
		{
			name:   "quota exceeded",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`,
		},
		{
			name:   "non json",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))

			_, err := client.Send(context.Background(), push.Message{Token: "tok", Title: "t", Body: "b"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, push.ErrUnregistered); got != tt.wantUnregistered {
				t.Errorf("errors.Is(err, ErrUnregistered) = %v, want %v (err: %v)", got, tt.wantUnregistered, err)
			}
		})
	}
}

func TestSendMulticast(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req sendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Message.Token == "stale" {
			writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"not found","status":"NOT_FOUND"}}`)
			return
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"name":"msg-%s"}`, req.Message.Token))
	}))

	tokens := []string{"a", "stale", "b"}
	result, err := client.SendMulticast(context.Background(), tokens, push.Message{Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("multicast: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", calls.Load())
	}
	if result.SuccessCount != 2 || result.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", result.SuccessCount, result.FailureCount)
	}
	for i, resp := range result.Responses {
		if resp.Token != tokens[i] {
			t.Errorf("response %d token = %q, want %q", i, resp.Token, tokens[i])
		}
	}
	if !result.Responses[1].Unregistered || result.Responses[1].Error == "" {
		t.Errorf("stale token not reported: %+v", result.Responses[1])
	}
	if result.Responses[0].MessageID != "msg-a" {
		t.Errorf("unexpected message id %q", result.Responses[0].MessageID)
	}
}

func TestTopicBatch(t *testing.T) {
	var gotPath, gotAuth string
	var got topicRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("access_token_auth")
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, `{"results":[{}]}`)
	}))

	if err := client.Subscribe(context.Background(), []string{"tok"}, "daily_horoscope"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if gotPath != "/iid/v1:batchAdd" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "true" {
		t.Errorf("access_token_auth header = %q", gotAuth)
	}
	if got.To != "/topics/daily_horoscope" || len(got.RegistrationTokens) != 1 || got.RegistrationTokens[0] != "tok" {
		t.Errorf("unexpected body: %+v", got)
	}

	if err := client.Unsubscribe(context.Background(), []string{"tok"}, "daily_horoscope"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if gotPath != "/iid/v1:batchRemove" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestTopicBatchAllRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"results":[{"error":"INVALID_ARGUMENT"}]}`)
	}))

	err := client.Subscribe(context.Background(), []string{"bad"}, "all_users")
	if err == nil || !strings.Contains(err.Error(), "INVALID_ARGUMENT") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestTopicBatchChunks(t *testing.T) {
	var sizes []int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req topicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sizes = append(sizes, len(req.RegistrationTokens))
		writeJSON(w, http.StatusOK, `{"results":[]}`)
	}))

	tokens := make([]string, maxTopicBatch+5)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok-%d", i)
	}
	if err := client.Subscribe(context.Background(), tokens, "all_users"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(sizes) != 2 || sizes[0] != maxTopicBatch || sizes[1] != 5 {
		t.Errorf("chunk sizes = %v", sizes)
	}
}
