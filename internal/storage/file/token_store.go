package file

import (
	"context"
	"sort"

	"github.com/orbisapp/quotad/internal/storage"
)

type tokenStore struct {
	doc *document
}

// tokenDocument maps user id -> token -> registration.
type tokenDocument map[string]map[string]storage.PushToken

func (s *tokenStore) read() (tokenDocument, error) {
	tokens := make(tokenDocument)
	if err := s.doc.load(&tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *tokenStore) Save(ctx context.Context, token storage.PushToken) error {
	return s.doc.withLock(ctx, func() error {
		tokens, err := s.read()
		if err != nil {
			return err
		}
		userTokens, ok := tokens[token.UserID]
		if !ok {
			userTokens = make(map[string]storage.PushToken)
			tokens[token.UserID] = userTokens
		}
		userTokens[token.Token] = token
		return s.doc.save(tokens)
	})
}

func (s *tokenStore) ListByUser(ctx context.Context, userID string) ([]storage.PushToken, error) {
	var out []storage.PushToken
	err := s.doc.withLock(ctx, func() error {
		tokens, err := s.read()
		if err != nil {
			return err
		}
		for _, t := range tokens[userID] {
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *tokenStore) Delete(ctx context.Context, userID, token string) error {
	return s.doc.withLock(ctx, func() error {
		tokens, err := s.read()
		if err != nil {
			return err
		}
		userTokens, ok := tokens[userID]
		if !ok {
			return storage.ErrNotFound
		}
		if _, ok := userTokens[token]; !ok {
			return storage.ErrNotFound
		}
		delete(userTokens, token)
		if len(userTokens) == 0 {
			delete(tokens, userID)
		}
		return s.doc.save(tokens)
	})
}
