package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const userPrefix = "user:"

type UserRepository struct {
	db  *badger.DB
	now func() time.Time
}

func NewUserRepository(db *badger.DB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

// Register persists a new display name.
// The existence check and the write share one transaction; when two registrations
// of the same name race, badger rejects the later commit with ErrConflict.
func (u *UserRepository) Register(_ context.Context, name string) (domain.User, error) {
	user := domain.User{Name: name, CreatedAt: u.now().UTC()}

	err := u.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + name)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return errors.ErrUserAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, encodeUser(user))
	})

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, errors.ErrUserAlreadyExists), errors.Is(err, badger.ErrConflict):
		return domain.User{}, fmt.Errorf("%w: %q", errors.ErrUserAlreadyExists, name)
	default:
		return domain.User{}, fmt.Errorf("%w: register user: %v", errors.ErrStorage, err)
	}
}

func (u *UserRepository) Exists(_ context.Context, name string) (bool, error) {
	err := u.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(userPrefix + name))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("%w: lookup user: %v", errors.ErrStorage, err)
	}
}

// List returns every registered user ordered by name.
func (u *UserRepository) List(_ context.Context) ([]domain.User, error) {
	var users []domain.User
	err := u.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(userPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				user, err := decodeUser(val)
				if err != nil {
					return err
				}
				users = append(users, user)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %v", errors.ErrStorage, err)
	}
	return users, nil
}
