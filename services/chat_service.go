package services

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/repositories"
	"chat-relay/validation"
	"context"
	"fmt"
	"iter"
	"strings"
)

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// ChatService serves history reads. Its only write, Post, is delegated to the router.
type ChatService struct {
	messages repositories.IMessageRepository
	searcher  Searcher
	publisher Publisher
}

func NewChatService(messages repositories.IMessageRepository, searcher Searcher, publisher Publisher) *ChatService {
	return &ChatService{messages: messages, searcher: searcher, publisher: publisher}
}

func (s *ChatService) PublicHistory(ctx context.Context) ([]domain.Message, error) {
	return collect(s.messages.QueryPublic(ctx))
}

func (s *ChatService) PrivateHistory(ctx context.Context, userA, userB string) ([]domain.Message, error) {
	a, err := validation.Name(userA)
	if err != nil {
		return nil, err
	}
	b, err := validation.Name(userB)
	if err != nil {
		return nil, err
	}
	return collect(s.messages.QueryPrivate(ctx, a, b))
}

// Search clamps limit to [1, MaxSearchLimit], 0 meaning DefaultSearchLimit.
func (s *ChatService) Search(ctx context.Context, text string, limit int) ([]domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: search text is empty", errors.ErrValidation)
	}
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must be positive", errors.ErrValidation)
	case limit == 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	res, err := s.searcher.Search(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.Message{}
	}
	return res, nil
}

// Post goes through the router so REST posts share the ordering of live sends.
func (s *ChatService) Post(ctx context.Context, username, body string) (domain.Message, error) {
	return s.publisher.PostPublic(ctx, username, body)
}

func collect(seq iter.Seq2[domain.Message, error]) ([]domain.Message, error) {
	res, err := repositories.Collect(seq)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.Message{}
	}
	return res, nil
}
