//go:generate go run go.uber.org/mock/mockgen -source=service.go -destination=../mocks/mock_service.go -package=mocks
package services

import (
	"chat-relay/domain"
	"context"
)

type IUserService interface {
	Register(ctx context.Context, name string) (domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
}

type IChatService interface {
	PublicHistory(ctx context.Context) ([]domain.Message, error)
	PrivateHistory(ctx context.Context, userA, userB string) ([]domain.Message, error)
	Search(ctx context.Context, text string, limit int) ([]domain.Message, error)
	Post(ctx context.Context, username, body string) (domain.Message, error)
}

// Publisher persists and broadcasts a public message for a registered user.
type Publisher interface {
	PostPublic(ctx context.Context, name, body string) (domain.Message, error)
}

// Searcher finds public messages by text.
type Searcher interface {
	Search(ctx context.Context, text string, limit int) ([]domain.Message, error)
}
