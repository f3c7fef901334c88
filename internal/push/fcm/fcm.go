// Package fcm implements push.Provider on Firebase Cloud Messaging: the
// HTTP v1 send API for messages and the Instance ID batch API for topics.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/orbisapp/quotad/internal/push"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendEndpoint = "https://fcm.googleapis.com"
	defaultIIDEndpoint  = "https://iid.googleapis.com"

	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	// Instance ID accepts at most this many tokens per batch call
	maxTopicBatch = 1000

	multicastConcurrency = 16
)

// Config configures the FCM client
type Config struct {
	ProjectID       string
	CredentialsFile string // Service account JSON; empty uses application default credentials
	Timeout         time.Duration

	// Overrides for tests
	SendEndpoint string
	IIDEndpoint  string
	HTTPClient   *http.Client // Used as-is, without OAuth2
}

// Client is an FCM push provider
type Client struct {
	projectID    string
	sendEndpoint string
	iidEndpoint  string
	http         *http.Client
	logger       zerolog.Logger
}

// New creates an FCM client authenticated with service account credentials.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("fcm project id is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		tokenSource, err := tokenSource(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		httpClient = oauth2.NewClient(ctx, tokenSource)
		httpClient.Timeout = cfg.Timeout
	}

	c := &Client{
		projectID:    cfg.ProjectID,
		sendEndpoint: strings.TrimSuffix(firstNonEmpty(cfg.SendEndpoint, defaultSendEndpoint), "/"),
		iidEndpoint:  strings.TrimSuffix(firstNonEmpty(cfg.IIDEndpoint, defaultIIDEndpoint), "/"),
		http:         httpClient,
		logger:       logger.With().Str("component", "fcm").Logger(),
	}

	c.logger.Info().Str("project_id", cfg.ProjectID).Msg("FCM client initialized")
	return c, nil
}

func tokenSource(ctx context.Context, credentialsFile string) (oauth2.TokenSource, error) {
	if credentialsFile == "" {
		creds, err := google.FindDefaultCredentials(ctx, messagingScope)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		return creds.TokenSource, nil
	}

	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, messagingScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds.TokenSource, nil
}

type notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type message struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type sendRequest struct {
	Message message `json:"message"`
}

type sendResponse struct {
	Name string `json:"name"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send implements push.Provider
func (c *Client) Send(ctx context.Context, msg push.Message) (string, error) {
	body := sendRequest{Message: message{
		Token:        msg.Token,
		Topic:        msg.Topic,
		Notification: notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.sendEndpoint, c.projectID)
	var resp sendResponse
	if err := c.post(ctx, url, nil, body, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

// SendMulticast implements push.Provider. The v1 API has no batch endpoint,
// so tokens are sent concurrently.
func (c *Client) SendMulticast(ctx context.Context, tokens []string, msg push.Message) (*push.BatchResult, error) {
	result := &push.BatchResult{Responses: make([]push.SendResponse, len(tokens))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multicastConcurrency)

	for i, token := range tokens {
		g.Go(func() error {
			m := msg
			m.Token = token
			m.Topic = ""
			id, err := c.Send(gctx, m)

			resp := push.SendResponse{Token: token, MessageID: id}
			if err != nil {
				resp.Error = err.Error()
				resp.Unregistered = errors.Is(err, push.ErrUnregistered)
			}

			mu.Lock()
			result.Responses[i] = resp
			if err != nil {
				result.FailureCount++
			} else {
				result.SuccessCount++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type topicRequest struct {
	To                 string   `json:"to"`
	RegistrationTokens []string `json:"registration_tokens"`
}

type topicResponse struct {
	Results []struct {
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// Subscribe implements push.Provider
func (c *Client) Subscribe(ctx context.Context, tokens []string, topic string) error {
	return c.topicBatch(ctx, "batchAdd", tokens, topic)
}

// Unsubscribe implements push.Provider
func (c *Client) Unsubscribe(ctx context.Context, tokens []string, topic string) error {
	return c.topicBatch(ctx, "batchRemove", tokens, topic)
}

// topicBatch fails only when no token in a chunk could be (un)subscribed.
func (c *Client) topicBatch(ctx context.Context, op string, tokens []string, topic string) error {
	url := fmt.Sprintf("%s/iid/v1:%s", c.iidEndpoint, op)
	headers := map[string]string{"access_token_auth": "true"}

	for start := 0; start < len(tokens); start += maxTopicBatch {
		end := min(start+maxTopicBatch, len(tokens))
		chunk := tokens[start:end]

		var resp topicResponse
		err := c.post(ctx, url, headers, topicRequest{To: "/topics/" + topic, RegistrationTokens: chunk}, &resp)
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range resp.Results {
			if r.Error != "" {
				failed++
				c.logger.Debug().Str("topic", topic).Str("op", op).Str("error", r.Error).Msg("Token rejected by topic API")
			}
		}
		if failed > 0 && failed == len(chunk) {
			return fmt.Errorf("fcm %s %s: all %d tokens rejected (%s)", op, topic, failed, resp.Results[0].Error)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal fcm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read fcm response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode fcm response: %w", err)
		}
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error.Status == "" {
		return fmt.Errorf("fcm: unexpected status %d", status)
	}

	for _, detail := range apiErr.Error.Details {
		if detail.ErrorCode == "UNREGISTERED" {
			return fmt.Errorf("%w: %s", push.ErrUnregistered, apiErr.Error.Message)
		}
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", push.ErrUnregistered, apiErr.Error.Message)
	}

	return fmt.Errorf("fcm: %s (%d): %s", apiErr.Error.Status, status, apiErr.Error.Message)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
