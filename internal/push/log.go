package push

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogProvider logs every call instead of delivering it. Used in development
// and when no messaging credentials are configured.
type LogProvider struct {
	logger zerolog.Logger
}

// NewLogProvider creates a LogProvider
func NewLogProvider(logger zerolog.Logger) *LogProvider {
	return &LogProvider{logger: logger.With().Str("component", "push-log").Logger()}
}

func (p *LogProvider) Send(_ context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	p.logger.Info().
		Str("message_id", id).
		Str("topic", msg.Topic).
		Bool("to_token", msg.Token != "").
		Str("title", msg.Title).
		Msg("Push message (not delivered)")
	return id, nil
}

func (p *LogProvider) SendMulticast(ctx context.Context, tokens []string, msg Message) (*BatchResult, error) {
	result := &BatchResult{Responses: make([]SendResponse, 0, len(tokens))}
	for _, token := range tokens {
		msg.Token = token
		id, _ := p.Send(ctx, msg)
		result.Responses = append(result.Responses, SendResponse{Token: token, MessageID: id})
		result.SuccessCount++
	}
	return result, nil
}

func (p *LogProvider) Subscribe(_ context.Context, tokens []string, topic string) error {
	p.logger.Info().Int("tokens", len(tokens)).Str("topic", topic).Msg("Topic subscribe (not delivered)")
	return nil
}

func (p *LogProvider) Unsubscribe(_ context.Context, tokens []string, topic string) error {
	p.logger.Info().Int("tokens", len(tokens)).Str("topic", topic).Msg("Topic unsubscribe (not delivered)")
	return nil
}
