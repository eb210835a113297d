package repositories

import (
	"chat-relay/domain"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

// stores returns every backend so each test runs against badger and sqlite.
func stores(t *testing.T) map[string]IMessageRepository {
	t.Helper()
	req := require.New(t)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })
	badgerRepository, err := NewMessageRepository(db, slog.Default(), nil)
	req.NoError(err)

	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), slog.Default(), nil)
	req.NoError(err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]IMessageRepository{
		"badger": badgerRepository,
		"sqlite": sqliteStore,
	}
}

func publicMessage(sender, body string) domain.Message {
	return domain.Message{Sender: sender, Body: body, Audience: domain.PublicAudience}
}

func privateMessage(sender, recipient, body string) domain.Message {
	return domain.Message{Sender: sender, Body: body, Audience: recipient}
}

func Test_Append_Assigns_Id_And_Increasing_CreatedAt(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()

			first, err := repository.Append(ctx, publicMessage("alice", "hi"))
			req.NoError(err)
			second, err := repository.Append(ctx, publicMessage("bob", "hello"))
			req.NoError(err)

			req.NotEmpty(first.ID)
			req.NotEqual(first.ID, second.ID)
			req.False(first.CreatedAt.IsZero())
			req.True(second.CreatedAt.After(first.CreatedAt))
		})
	}
}

func Test_Append_Ignores_Client_CreatedAt(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			forged := publicMessage("alice", "from the past")
			forged.CreatedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)

			stored, err := repository.Append(context.Background(), forged)
			req.NoError(err)
			req.True(stored.CreatedAt.After(forged.CreatedAt))
		})
	}
}

func Test_QueryPublic_Returns_Only_Public_In_Order(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()

			// Given public and private messages interleaved
			var expected []domain.Message
			for i := 0; i < 5; i++ {
				m, err := repository.Append(ctx, publicMessage("alice", fmt.Sprintf("public %d", i)))
				req.NoError(err)
				expected = append(expected, m)
				_, err = repository.Append(ctx, privateMessage("alice", "bob", fmt.Sprintf("private %d", i)))
				req.NoError(err)
			}

			// When querying public history
			fetched, err := Collect(repository.QueryPublic(ctx))

			// Then only public messages come back, oldest first
			req.NoError(err)
			req.Equal(expected, fetched)
		})
	}
}

func Test_QueryPrivate_Is_Symmetric(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()

			// Given a conversation between alice and bob, and noise with carol
			var expected []domain.Message
			for _, m := range []domain.Message{
				privateMessage("alice", "bob", "hey"),
				privateMessage("bob", "alice", "hey you"),
				privateMessage("alice", "bob", "how are you?"),
			} {
				stored, err := repository.Append(ctx, m)
				req.NoError(err)
				expected = append(expected, stored)
			}
			_, err := repository.Append(ctx, privateMessage("alice", "carol", "not for bob"))
			req.NoError(err)
			_, err = repository.Append(ctx, privateMessage("carol", "bob", "not for alice"))
			req.NoError(err)
			_, err = repository.Append(ctx, publicMessage("alice", "everyone"))
			req.NoError(err)

			// When querying in both directions
			ab, err := Collect(repository.QueryPrivate(ctx, "alice", "bob"))
			req.NoError(err)
			ba, err := Collect(repository.QueryPrivate(ctx, "bob", "alice"))
			req.NoError(err)

			// Then both return the same conversation
			req.Equal(expected, ab)
			req.Equal(ab, ba)
		})
	}
}

func Test_QueryPrivate_Names_With_Separators_Do_Not_Collide(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()

			_, err := repository.Append(ctx, privateMessage("a:b", "c", "one"))
			req.NoError(err)
			_, err = repository.Append(ctx, privateMessage("a", "b:c", "two"))
			req.NoError(err)

			first, err := Collect(repository.QueryPrivate(ctx, "a:b", "c"))
			req.NoError(err)
			req.Len(first, 1)
			req.Equal("one", first[0].Body)
		})
	}
}

func Test_Query_Is_Restartable_And_Sees_New_Appends(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			query := repository.QueryPublic(ctx)

			_, err := repository.Append(ctx, publicMessage("alice", "one"))
			req.NoError(err)
			first, err := Collect(query)
			req.NoError(err)
			req.Len(first, 1)

			// When a message is appended after the first run
			_, err = repository.Append(ctx, publicMessage("alice", "two"))
			req.NoError(err)

			// Then ranging the same query again replays from scratch with the new state
			second, err := Collect(query)
			req.NoError(err)
			req.Len(second, 2)
			req.Equal(first[0], second[0])
		})
	}
}

func Test_Query_Stops_When_Consumer_Breaks(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				_, err := repository.Append(ctx, publicMessage("alice", fmt.Sprintf("m%d", i)))
				req.NoError(err)
			}

			seen := 0
			for _, err := range repository.QueryPublic(ctx) {
				req.NoError(err)
				seen++
				if seen == 2 {
					break
				}
			}
			req.Equal(2, seen)
		})
	}
}

func Test_RecentPublic_Returns_Last_N_Ascending(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()

			var all []domain.Message
			for i := 0; i < 5; i++ {
				m, err := repository.Append(ctx, publicMessage("alice", fmt.Sprintf("m%d", i)))
				req.NoError(err)
				all = append(all, m)
				_, err = repository.Append(ctx, privateMessage("alice", "bob", "hidden"))
				req.NoError(err)
			}

			recent, err := repository.RecentPublic(ctx, 3)
			req.NoError(err)
			req.Equal(all[2:], recent)

			everything, err := repository.RecentPublic(ctx, 50)
			req.NoError(err)
			req.Equal(all, everything)

			none, err := repository.RecentPublic(ctx, 0)
			req.NoError(err)
			req.Empty(none)
		})
	}
}

func Test_Concurrent_Appends_Get_Distinct_Increasing_Stamps(t *testing.T) {
	for name, repository := range stores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			const senders, perSender = 8, 10

			var wg sync.WaitGroup
			for s := 0; s < senders; s++ {
				wg.Add(1)
				go func(s int) {
					defer wg.Done()
					for i := 0; i < perSender; i++ {
						_, err := repository.Append(ctx, publicMessage(fmt.Sprintf("user%d", s), fmt.Sprintf("m%d", i)))
						req.NoError(err)
					}
				}(s)
			}
			wg.Wait()

			fetched, err := Collect(repository.QueryPublic(ctx))
			req.NoError(err)
			req.Len(fetched, senders*perSender)
			for i := 1; i < len(fetched); i++ {
				req.True(fetched[i].CreatedAt.After(fetched[i-1].CreatedAt))
			}

			count, err := repository.Count(ctx)
			req.NoError(err)
			req.Equal(senders*perSender, count)
		})
	}
}

func Test_Reopened_Badger_Store_Keeps_Ordering(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	frozen := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	// Given a message stamped by a clock far in the future
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	repository, err := NewMessageRepository(db, slog.Default(), NewClock(func() time.Time { return frozen }))
	req.NoError(err)
	first, err := repository.Append(ctx, publicMessage("alice", "first"))
	req.NoError(err)
	req.NoError(db.Close())

	// When the store is reopened with a wall clock that is behind
	db, err = badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer db.Close()
	repository, err = NewMessageRepository(db, slog.Default(), NewClock(func() time.Time { return frozen.Add(-time.Hour) }))
	req.NoError(err)
	second, err := repository.Append(ctx, publicMessage("alice", "second"))
	req.NoError(err)

	// Then the new message still sorts after the old one
	req.True(second.CreatedAt.After(first.CreatedAt))
	fetched, err := Collect(repository.QueryPublic(ctx))
	req.NoError(err)
	req.Equal([]domain.Message{first, second}, fetched)
}
