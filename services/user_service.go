package services

import (
	"chat-relay/domain"
	"chat-relay/repositories"
	"chat-relay/validation"
	"context"
	"log/slog"
)

type UserService struct {
	log   *slog.Logger
	users repositories.IUserRepository
}

func NewUserService(log *slog.Logger, users repositories.IUserRepository) *UserService {
	return &UserService{log: log, users: users}
}

// Register validates then records a display name. A taken name fails with ErrUserAlreadyExists.
func (s *UserService) Register(ctx context.Context, raw string) (domain.User, error) {
	name, err := validation.Name(raw)
	if err != nil {
		return domain.User{}, err
	}
	user, err := s.users.Register(ctx, name)
	if err != nil {
		return domain.User{}, err
	}
	s.log.Info("User registered", "username", user.Name)
	return user, nil
}

func (s *UserService) List(ctx context.Context) ([]domain.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}
