//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=../mocks/mock_repository.go -package=mocks
package repositories

import (
	"chat-relay/domain"
	"context"
	"iter"
)

// IMessageRepository is the append-only message store.
// Queries are lazy and restartable: every range reads the latest durable state.
type IMessageRepository interface {
	Append(ctx context.Context, message domain.Message) (domain.Message, error)
	QueryPublic(ctx context.Context) iter.Seq2[domain.Message, error]
	QueryPrivate(ctx context.Context, userA, userB string) iter.Seq2[domain.Message, error]
	RecentPublic(ctx context.Context, limit int) ([]domain.Message, error)
	Count(ctx context.Context) (int, error)
}

// IUserRepository is the identity directory.
type IUserRepository interface {
	Register(ctx context.Context, name string) (domain.User, error)
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]domain.User, error)
}

// Collect drains a query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[domain.Message, error]) ([]domain.Message, error) {
	var res []domain.Message
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}
