package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	messagePrefix = "msg:"
	publicPrefix  = "msg:pub:"
	privatePrefix = "msg:dm:"
	lastStampKey  = "meta:last_stamp"
)

// errStopScan aborts a badger iteration when the consumer stops ranging.
var errStopScan = fmt.Errorf("scan stopped")

type MessageRepository struct {
	mu    sync.Mutex
	db    *badger.DB
	log   *slog.Logger
	clock *Clock
}

// NewMessageRepository wraps an opened badger database.
// The clock is moved past the newest stamp already on disk so a wall clock that
// went backwards across a restart cannot break ordering.
func NewMessageRepository(db *badger.DB, log *slog.Logger, clock *Clock) (*MessageRepository, error) {
	if clock == nil {
		clock = NewClock(nil)
	}
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastStampKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			nanos, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return err
			}
			clock.Observe(time.Unix(0, nanos))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading last stamp: %v", errors.ErrStorage, err)
	}
	return &MessageRepository{db: db, log: log, clock: clock}, nil
}

// Append stamps and persists a message.
// Stamping and writing happen under one lock so the stamp order is also the
// commit order: a message never becomes visible before an older stamp.
//
// Keys:
//
//	public  msg:pub:{unixnano 19 digits}:{uuid}
//	private msg:dm:{min(a,b)}:{max(a,b)}:{unixnano 19 digits}:{uuid}
func (m *MessageRepository) Append(_ context.Context, message domain.Message) (domain.Message, error) {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	message.CreatedAt = m.clock.Stamp()
	err := m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(message), encodeMessage(message)); err != nil {
			return err
		}
		stamp := strconv.FormatInt(message.CreatedAt.UnixNano(), 10)
		return txn.Set([]byte(lastStampKey), []byte(stamp))
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: append message: %v", errors.ErrStorage, err)
	}
	return message, nil
}

// QueryPublic yields public messages, oldest first.
func (m *MessageRepository) QueryPublic(ctx context.Context) iter.Seq2[domain.Message, error] {
	return m.scan(ctx, publicPrefix)
}

// QueryPrivate yields the conversation between userA and userB, oldest first.
// Both directions share one key prefix, which makes the query symmetric.
func (m *MessageRepository) QueryPrivate(ctx context.Context, userA, userB string) iter.Seq2[domain.Message, error] {
	return m.scan(ctx, conversationPrefix(userA, userB))
}

// RecentPublic returns the last limit public messages, oldest first.
// It walks the public prefix backwards from its upper bound.
func (m *MessageRepository) RecentPublic(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var res []domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(publicPrefix)
		// '~' sorts after every digit, so this lands on the newest public key
		seekKey := append([]byte(publicPrefix), '~')
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(res) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			message, err := readMessage(it.Item())
			if err != nil {
				return err
			}
			res = append(res, message)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: recent public messages: %v", errors.ErrStorage, err)
	}
	slices.Reverse(res)
	return res, nil
}

// Count returns how many messages are stored, public and private.
func (m *MessageRepository) Count(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		prefix := []byte(messagePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count messages: %v", errors.ErrStorage, err)
	}
	return count, nil
}

// scan opens a fresh read transaction for every range, so a query issued after
// an append completes always sees it.
func (m *MessageRepository) scan(ctx context.Context, prefixStr string) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		err := m.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			prefix := []byte(prefixStr)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				message, err := readMessage(it.Item())
				if err != nil {
					return err
				}
				if !yield(message, nil) {
					return errStopScan
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopScan) {
			m.log.Error("Message scan failed", "prefix", prefixStr, "error", err)
			yield(domain.Message{}, fmt.Errorf("%w: scan %s: %v", errors.ErrStorage, prefixStr, err))
		}
	}
}

func readMessage(item *badger.Item) (domain.Message, error) {
	var message domain.Message
	err := item.Value(func(val []byte) error {
		var err error
		message, err = decodeMessage(val)
		return err
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return message, nil
}

func conversationPrefix(userA, userB string) string {
	return privatePrefix + PairKey(userA, userB) + ":"
}

func messageKey(message domain.Message) []byte {
	prefix := publicPrefix
	if !message.IsPublic() {
		prefix = conversationPrefix(message.Sender, message.Audience)
	}
	return []byte(fmt.Sprintf("%s%019d:%s", prefix, message.CreatedAt.UnixNano(), message.ID))
}
