package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/orbisapp/quotad/internal/metrics"
	"github.com/orbisapp/quotad/internal/storage"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidRequest marks requests rejected before the provider is contacted.
	ErrInvalidRequest = errors.New("push: invalid request")

	// ErrNoTokens is returned when a user has no registered tokens.
	ErrNoTokens = errors.New("push: user has no registered tokens")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// RegisterRequest registers a device token.
type RegisterRequest struct {
	Token    string
	Platform string   // Defaults to android
	UserID   string   // Optional; when set the token is stored for SendToUser
	Topics   []string // Defaults to DefaultTopics(); topics off the allow-list are skipped
}

// RegisterResult lists the topics the token is now subscribed to.
type RegisterResult struct {
	SubscribedTopics []string
}

// SendResult is the outcome of an admin send.
type SendResult struct {
	Success   bool
	MessageID string
	Batch     *BatchResult
}

// Config holds relay configuration
type Config struct {
	SubscriptionCacheSize int
	SubscriptionCacheTTL  time.Duration // 0 disables the cache
}

// Service validates push requests and forwards them to a Provider.
type Service struct {
	provider Provider
	tokens   storage.TokenStore
	recent   *expirable.LRU[string, struct{}] // token|topic pairs subscribed recently
	logger   zerolog.Logger
}

// NewService creates a push relay
func NewService(provider Provider, tokens storage.TokenStore, config Config, logger zerolog.Logger) *Service {
	s := &Service{
		provider: provider,
		tokens:   tokens,
		logger:   logger.With().Str("component", "push").Logger(),
	}
	if config.SubscriptionCacheTTL > 0 {
		s.recent = expirable.NewLRU[string, struct{}](config.SubscriptionCacheSize, nil, config.SubscriptionCacheTTL)
	}
	return s
}

// RegisterToken stores the token for its user (when given) and subscribes it
// to each requested allow-listed topic. A failed subscription leaves that
// topic out of the result without failing the registration.
func (s *Service) RegisterToken(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.Token == "" {
		return nil, invalid("token is required")
	}
	platform, err := storage.ParsePlatform(req.Platform)
	if err != nil {
		return nil, invalid("%v", err)
	}
	topics := req.Topics
	if topics == nil {
		topics = DefaultTopics()
	}

	if req.UserID != "" {
		err := s.tokens.Save(ctx, storage.PushToken{
			UserID:    req.UserID,
			Token:     req.Token,
			Platform:  platform,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to save push token: %w", err)
		}
	}

	result := &RegisterResult{SubscribedTopics: make([]string, 0, len(topics))}
	for _, topic := range topics {
		if !IsAllowedTopic(topic) {
			s.logger.Debug().Str("topic", topic).Msg("Skipping topic not on allow-list")
			continue
		}
		if err := s.subscribe(ctx, req.Token, topic); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("Topic subscription failed during registration")
			continue
		}
		result.SubscribedTopics = append(result.SubscribedTopics, topic)
	}

	s.logger.Info().
		Str("user_id", req.UserID).
		Str("platform", string(platform)).
		Strs("topics", result.SubscribedTopics).
		Msg("Push token registered")

	return result, nil
}

// SubscribeTopic subscribes a token to an allow-listed topic.
func (s *Service) SubscribeTopic(ctx context.Context, token, topic string) error {
	if token == "" || topic == "" {
		return invalid("token and topic are required")
	}
	if !IsAllowedTopic(topic) {
		return invalid("invalid topic %q", topic)
	}
	return s.subscribe(ctx, token, topic)
}

// UnsubscribeTopic removes a token from an allow-listed topic.
func (s *Service) UnsubscribeTopic(ctx context.Context, token, topic string) error {
	if token == "" || topic == "" {
		return invalid("token and topic are required")
	}
	if !IsAllowedTopic(topic) {
		return invalid("invalid topic %q", topic)
	}

	err := s.provider.Unsubscribe(ctx, []string{token}, topic)
	metrics.PushSubscriptions.WithLabelValues("unsubscribe", topic, result(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	if s.recent != nil {
		s.recent.Remove(cacheKey(token, topic))
	}
	return nil
}

// SendToUser sends to every token registered by userID. With several tokens
// the send succeeds when at least one is delivered; tokens the provider
// reports as unregistered are removed.
func (s *Service) SendToUser(ctx context.Context, userID, title, body string, data map[string]string) (*SendResult, error) {
	if userID == "" || title == "" || body == "" {
		return nil, invalid("userId, title and body are required")
	}

	registered, err := s.tokens.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load push tokens: %w", err)
	}
	if len(registered) == 0 {
		return nil, ErrNoTokens
	}

	msg := Message{Title: title, Body: body, Data: data}

	if len(registered) == 1 {
		msg.Token = registered[0].Token
		id, err := s.provider.Send(ctx, msg)
		metrics.PushSends.WithLabelValues("user", result(err)).Inc()
		if errors.Is(err, ErrUnregistered) {
			s.forget(ctx, userID, msg.Token)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to send push: %w", err)
		}
		return &SendResult{Success: true, MessageID: id}, nil
	}

	tokens := make([]string, len(registered))
	for i, t := range registered {
		tokens[i] = t.Token
	}

	batch, err := s.provider.SendMulticast(ctx, tokens, msg)
	metrics.PushSends.WithLabelValues("multicast", result(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("failed to send push: %w", err)
	}
	for _, resp := range batch.Responses {
		if resp.Unregistered {
			s.forget(ctx, userID, resp.Token)
		}
	}

	s.logger.Info().
		Str("user_id", userID).
		Int("success", batch.SuccessCount).
		Int("failure", batch.FailureCount).
		Msg("Multicast push sent")

	return &SendResult{Success: batch.SuccessCount > 0, Batch: batch}, nil
}

// SendToTopic sends to every subscriber of an allow-listed topic.
func (s *Service) SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) (*SendResult, error) {
	if topic == "" || title == "" || body == "" {
		return nil, invalid("topic, title and body are required")
	}
	if !IsAllowedTopic(topic) {
		return nil, invalid("invalid topic %q", topic)
	}

	id, err := s.provider.Send(ctx, Message{Topic: topic, Title: title, Body: body, Data: data})
	metrics.PushSends.WithLabelValues("topic", result(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("failed to send to topic %s: %w", topic, err)
	}

	s.logger.Info().Str("topic", topic).Str("message_id", id).Msg("Topic push sent")
	return &SendResult{Success: true, MessageID: id}, nil
}

// Broadcast sends to all_users.
func (s *Service) Broadcast(ctx context.Context, title, body string) (*SendResult, error) {
	if title == "" || body == "" {
		return nil, invalid("title and body are required")
	}
	return s.SendToTopic(ctx, TopicAllUsers, title, body, nil)
}

func (s *Service) subscribe(ctx context.Context, token, topic string) error {
	key := cacheKey(token, topic)
	if s.recent != nil && s.recent.Contains(key) {
		metrics.PushSubscriptionCacheHits.Inc()
		return nil
	}

	err := s.provider.Subscribe(ctx, []string{token}, topic)
	metrics.PushSubscriptions.WithLabelValues("subscribe", topic, result(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	if s.recent != nil {
		s.recent.Add(key, struct{}{})
	}
	return nil
}

func (s *Service) forget(ctx context.Context, userID, token string) {
	if err := s.tokens.Delete(ctx, userID, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to remove unregistered push token")
		return
	}
	s.logger.Info().Str("user_id", userID).Msg("Removed unregistered push token")
}

func cacheKey(token, topic string) string {
	return token + "|" + topic
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
