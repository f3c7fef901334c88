// Package push relays token registration, topic subscription and admin
// sends to a push messaging provider.
package push

import (
	"context"
	"errors"
)

// ErrUnregistered is returned by providers when a token is no longer valid.
var ErrUnregistered = errors.New("push: token is not registered")

// Message is a notification addressed to a single token or a topic.
type Message struct {
	Token string            `json:"token,omitempty"`
	Topic string            `json:"topic,omitempty"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// SendResponse is the outcome for one token of a multicast.
type SendResponse struct {
	Token        string `json:"token"`
	MessageID    string `json:"message_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Unregistered bool   `json:"-"`
}

// BatchResult summarizes a multicast.
type BatchResult struct {
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	Responses    []SendResponse `json:"responses"`
}

// Provider is the external push messaging service.
type Provider interface {
	// Send delivers msg to msg.Token or msg.Topic and returns the message id.
	Send(ctx context.Context, msg Message) (string, error)
	// SendMulticast delivers msg to every token. Per-token failures are
	// reported in the result, not as an error.
	SendMulticast(ctx context.Context, tokens []string, msg Message) (*BatchResult, error)
	Subscribe(ctx context.Context, tokens []string, topic string) error
	Unsubscribe(ctx context.Context, tokens []string, topic string) error
}
