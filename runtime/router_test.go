package runtime

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/moderation"
	"chat-relay/repositories"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// inbox records every event pushed to each connection.
type inbox struct {
	mu      sync.Mutex
	events  map[domain.ConnectionID][]event.Event
	failing map[domain.ConnectionID]bool
}

func newInbox() *inbox {
	return &inbox{
		events:  make(map[domain.ConnectionID][]event.Event),
		failing: make(map[domain.ConnectionID]bool),
	}
}

func (i *inbox) Push(_ context.Context, id domain.ConnectionID, e event.Event) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failing[id] {
		return fmt.Errorf("%w: %s", errors.ErrSlowConsumer, id)
	}
	i.events[id] = append(i.events[id], e)
	return nil
}

func (i *inbox) of(id domain.ConnectionID) []event.Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]event.Event(nil), i.events[id]...)
}

func (i *inbox) ofType(id domain.ConnectionID, t event.Type) []event.Event {
	return lo.Filter(i.of(id), func(e event.Event, _ int) bool { return e.Type == t })
}

func (i *inbox) fail(id domain.ConnectionID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failing[id] = true
}

type fixture struct {
	router   *Router
	registry *Registry
	inbox    *inbox
	messages *repositories.MessageRepository
	users    *repositories.UserRepository
}

func newFixture(t *testing.T, config RouterConfig, moderator *moderation.Moderator) fixture {
	t.Helper()
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	messages, err := repositories.NewMessageRepository(db, log, nil)
	req.NoError(err)
	users := repositories.NewUserRepository(db)
	registry := NewRegistry()
	pushes := newInbox()

	return fixture{
		router:   NewRouter(log, registry, users, messages, pushes, moderator, config),
		registry: registry,
		inbox:    pushes,
		messages: messages,
		users:    users,
	}
}

func defaultConfig() RouterConfig {
	return RouterConfig{
		SnapshotSize:      50,
		RequireRegistered: true,
		MaxBodyLength:     1000,
		PushTimeout:       time.Second,
		SinkTimeout:       time.Second,
	}
}

// join registers name if needed and binds a fresh connection to it.
func (f fixture) join(t *testing.T, name string) domain.ConnectionID {
	t.Helper()
	ctx := context.Background()
	if exists, _ := f.users.Exists(ctx, name); !exists {
		_, err := f.users.Register(ctx, name)
		require.NoError(t, err)
	}
	id := domain.NewConnectionID()
	f.router.Connect(id)
	require.NoError(t, f.router.Join(ctx, domain.JoinCommand{Connection: id, Name: name}))
	return id
}

func TestRouter_Join_Pushes_Ack_And_History_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")
	_, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "before bob"})
	req.NoError(err)

	// Given bob registered and connected
	_, err = f.users.Register(ctx, "bob")
	req.NoError(err)
	bob := domain.NewConnectionID()
	f.router.Connect(bob)
	req.Equal(domain.Unbound, f.registry.State(bob))

	// When bob joins twice with the same name
	req.NoError(f.router.Join(ctx, domain.JoinCommand{Connection: bob, Name: "  bob "}))
	req.NoError(f.router.Join(ctx, domain.JoinCommand{Connection: bob, Name: "bob"}))

	// Then the ack and the snapshot are pushed exactly once
	events := f.inbox.of(bob)
	req.Len(events, 2)
	req.Equal(event.Joined("bob"), events[0])
	req.Equal(event.HistoryType, events[1].Type)
	req.Len(events[1].Messages, 1)
	req.Equal("before bob", events[1].Messages[0].Body)
	req.Equal(domain.Bound, f.registry.State(bob))
}

func TestRouter_Join_Other_Name_Is_Protocol_Error(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")
	_, err := f.users.Register(ctx, "mallory")
	req.NoError(err)

	err = f.router.Join(ctx, domain.JoinCommand{Connection: alice, Name: "mallory"})

	req.ErrorIs(err, errors.ErrAlreadyBound)
	name, ok := f.registry.BoundName(alice)
	req.True(ok)
	req.Equal("alice", name)
}

func TestRouter_Join_Rejects_Unknown_And_Invalid_Names(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	id := domain.NewConnectionID()
	f.router.Connect(id)

	req.ErrorIs(f.router.Join(ctx, domain.JoinCommand{Connection: id, Name: "ghost"}), errors.ErrUnknownUser)
	req.ErrorIs(f.router.Join(ctx, domain.JoinCommand{Connection: id, Name: " "}), errors.ErrValidation)
	req.ErrorIs(f.router.Join(ctx, domain.JoinCommand{Connection: id, Name: "Public"}), errors.ErrValidation)

	req.Equal(domain.Unbound, f.registry.State(id))
	req.Empty(f.inbox.of(id))
}

func TestRouter_Join_Without_Directory_Policy(t *testing.T) {
	req := require.New(t)
	config := defaultConfig()
	config.RequireRegistered = false
	config.SnapshotSize = 0
	f := newFixture(t, config, nil)
	id := domain.NewConnectionID()
	f.router.Connect(id)

	// When an unregistered name joins with snapshots disabled
	req.NoError(f.router.Join(context.Background(), domain.JoinCommand{Connection: id, Name: "guest"}))

	// Then only the ack is pushed
	req.Equal([]event.Event{event.Joined("guest")}, f.inbox.of(id))
}

func TestRouter_Join_Empty_History_Is_Still_Pushed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")

	history := f.inbox.ofType(alice, event.HistoryType)
	req.Len(history, 1)
	req.NotNil(history[0].Messages)
	req.Empty(history[0].Messages)
}

func TestRouter_Snapshot_Is_Last_N_Public_Messages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	config := defaultConfig()
	config.SnapshotSize = 2
	f := newFixture(t, config, nil)
	alice := f.join(t, "alice")
	f.join(t, "bob")
	for _, body := range []string{"one", "two", "three"} {
		_, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: body})
		req.NoError(err)
	}
	_, err := f.router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: alice, Recipient: "bob", Body: "secret"})
	req.NoError(err)

	carol := f.join(t, "carol")

	history := f.inbox.ofType(carol, event.HistoryType)
	req.Len(history, 1)
	req.Equal([]string{"two", "three"}, lo.Map(history[0].Messages, func(m domain.Message, _ int) string {
		return m.Body
	}))
}

func TestRouter_Send_From_Unbound_Connection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	id := domain.NewConnectionID()
	f.router.Connect(id)

	_, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: id, Body: "hi"})
	req.ErrorIs(err, errors.ErrNotBound)
	_, err = f.router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: id, Recipient: "bob", Body: "hi"})
	req.ErrorIs(err, errors.ErrNotBound)

	count, err := f.messages.Count(ctx)
	req.NoError(err)
	req.Zero(count)
}

func TestRouter_Public_Broadcast_Reaches_Every_Live_Connection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")
	alicePhone := f.join(t, "alice")
	bob := f.join(t, "bob")
	lurker := domain.NewConnectionID()
	f.router.Connect(lurker)

	// When alice says hi
	message, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "hi"})

	// Then it is persisted with a server timestamp
	req.NoError(err)
	req.Equal("alice", message.Sender)
	req.Equal(domain.PublicAudience, message.Audience)
	req.False(message.CreatedAt.IsZero())
	stored, err := repositories.Collect(f.messages.QueryPublic(ctx))
	req.NoError(err)
	req.Equal([]domain.Message{message}, stored)

	// Then every bound connection gets it exactly once, the origin included
	for _, id := range []domain.ConnectionID{alice, alicePhone, bob} {
		req.Equal([]event.Event{event.Delivered(message)}, f.inbox.ofType(id, event.PublicMessageType))
	}
	// Then unbound connections get nothing
	req.Empty(f.inbox.of(lurker))
}

func TestRouter_Private_Message_Exact_Recipients(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alicePhone := f.join(t, "alice")
	aliceLaptop := f.join(t, "alice")
	bob := f.join(t, "bob")
	bobTablet := f.join(t, "bob")
	carol := f.join(t, "carol")

	// When alice writes to bob from the phone
	message, err := f.router.SendPrivate(ctx, domain.SendPrivateCommand{
		Connection: alicePhone, Recipient: "bob", Body: "hey",
	})

	// Then it is persisted and visible from both sides
	req.NoError(err)
	req.Equal("bob", message.Audience)
	ab, err := repositories.Collect(f.messages.QueryPrivate(ctx, "alice", "bob"))
	req.NoError(err)
	ba, err := repositories.Collect(f.messages.QueryPrivate(ctx, "bob", "alice"))
	req.NoError(err)
	req.Equal([]domain.Message{message}, ab)
	req.Equal(ab, ba)

	// Then bob's devices and alice's other device get a copy
	delivered := []event.Event{event.Delivered(message)}
	req.Equal(delivered, f.inbox.ofType(bob, event.PrivateMessageType))
	req.Equal(delivered, f.inbox.ofType(bobTablet, event.PrivateMessageType))
	req.Equal(delivered, f.inbox.ofType(aliceLaptop, event.PrivateMessageType))

	// Then the origin only gets the acknowledgement
	req.Empty(f.inbox.ofType(alicePhone, event.PrivateMessageType))
	req.Equal([]event.Event{event.Sent(message)}, f.inbox.ofType(alicePhone, event.SentType))

	// Then carol sees nothing
	req.Empty(f.inbox.ofType(carol, event.PrivateMessageType))
}

func TestRouter_Private_Message_To_Offline_Recipient_Is_Persisted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")
	_, err := f.users.Register(ctx, "bob")
	req.NoError(err)

	message, err := f.router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: alice, Recipient: "bob", Body: "later"})
	req.NoError(err)

	stored, err := repositories.Collect(f.messages.QueryPrivate(ctx, "bob", "alice"))
	req.NoError(err)
	req.Equal([]domain.Message{message}, stored)
}

func TestRouter_Private_Message_Validation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")

	_, err := f.router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: alice, Recipient: "ghost", Body: "boo"})
	req.ErrorIs(err, errors.ErrUnknownUser)
	_, err = f.router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: alice, Recipient: "", Body: "boo"})
	req.ErrorIs(err, errors.ErrValidation)
	_, err = f.router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: alice, Recipient: "public", Body: "boo"})
	req.ErrorIs(err, errors.ErrValidation)
	_, err = f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "   "})
	req.ErrorIs(err, errors.ErrValidation)
	_, err = f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: strings.Repeat("a", 1001)})
	req.ErrorIs(err, errors.ErrValidation)

	count, err := f.messages.Count(ctx)
	req.NoError(err)
	req.Zero(count)
}

func TestRouter_Delivery_Failure_Is_Isolated(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	carol := f.join(t, "carol")

	// Given bob's connection cannot take events anymore
	f.inbox.fail(bob)

	// When alice broadcasts
	message, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "hi"})

	// Then the send succeeds and carol still gets it
	req.NoError(err)
	req.Equal([]event.Event{event.Delivered(message)}, f.inbox.ofType(carol, event.PublicMessageType))
	req.Equal([]event.Event{event.Delivered(message)}, f.inbox.ofType(alice, event.PublicMessageType))
}

func TestRouter_Storage_Failure_Aborts_Delivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	messages := mocks.NewMockIMessageRepository(ctrl)
	users := mocks.NewMockIUserRepository(ctrl)
	pusher := mocks.NewMockPusher(ctrl)
	sink := mocks.NewMockMessageSink(ctrl)
	registry := NewRegistry()
	config := defaultConfig()
	config.RequireRegistered = false
	config.SnapshotSize = 0

	router := NewRouter(logs.GetLoggerFromLevel(slog.LevelDebug), registry, users, messages, pusher, nil, config)
	router.Add(sink)
	alice := domain.NewConnectionID()
	router.Connect(alice)
	pusher.EXPECT().Push(gomock.Any(), alice, event.Joined("alice")).Return(nil)
	req.NoError(router.Join(ctx, domain.JoinCommand{Connection: alice, Name: "alice"}))

	// Given a failing store
	messages.EXPECT().Append(gomock.Any(), gomock.Any()).
		Return(domain.Message{}, fmt.Errorf("%w: disk full", errors.ErrStorage)).Times(2)

	// When sending
	_, err := router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "hi"})
	req.ErrorIs(err, errors.ErrStorage)
	_, err = router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: alice, Recipient: "bob", Body: "hi"})
	req.ErrorIs(err, errors.ErrStorage)

	// Then nothing was pushed nor sunk: the mocks have no other expectation
}

func TestRouter_Sinks_Receive_Persisted_Messages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	f := newFixture(t, defaultConfig(), nil)
	sink := mocks.NewMockMessageSink(ctrl)
	failing := mocks.NewMockMessageSink(ctrl)
	f.router.Add(failing, sink)
	alice := f.join(t, "alice")
	f.join(t, "bob")

	var consumed []domain.Message
	sink.EXPECT().Consume(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m domain.Message) error {
			consumed = append(consumed, m)
			return nil
		}).Times(2)
	failing.EXPECT().Consume(gomock.Any(), gomock.Any()).Return(fmt.Errorf("index unavailable")).Times(2)

	public, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "hi"})
	req.NoError(err)
	private, err := f.router.SendPrivate(ctx, domain.SendPrivateCommand{Connection: alice, Recipient: "bob", Body: "hey"})
	req.NoError(err)

	req.Equal([]domain.Message{public, private}, consumed)
}

func TestRouter_Moderates_Before_Persisting(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	moderator, err := moderation.NewModerator([]string{"badger"}, '*', logs.GetLoggerFromLevel(slog.LevelDebug))
	req.NoError(err)
	f := newFixture(t, defaultConfig(), moderator)
	alice := f.join(t, "alice")

	message, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "the B4dger is here"})

	req.NoError(err)
	req.Equal("the ****** is here", message.Body)
	stored, err := repositories.Collect(f.messages.QueryPublic(ctx))
	req.NoError(err)
	req.Equal("the ****** is here", stored[0].Body)
}

func TestRouter_Closed_Connection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	// When bob disconnects
	f.router.OnClose(bob)
	f.router.OnClose(bob)

	// Then bob receives nothing more and cannot come back on the same connection
	_, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: alice, Body: "anyone?"})
	req.NoError(err)
	req.Empty(f.inbox.ofType(bob, event.PublicMessageType))
	req.Equal(domain.Closed, f.registry.State(bob))
	req.ErrorIs(f.router.Join(ctx, domain.JoinCommand{Connection: bob, Name: "bob"}), errors.ErrConnectionClosed)
	_, err = f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: bob, Body: "ghost"})
	req.ErrorIs(err, errors.ErrNotBound)
}

func TestRouter_Concurrent_Senders_Preserve_Persisted_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	const senders, perSender = 5, 20

	var connections []domain.ConnectionID
	for s := 0; s < senders; s++ {
		connections = append(connections, f.join(t, fmt.Sprintf("user%d", s)))
	}
	watcher := f.join(t, "watcher")

	// When every user broadcasts concurrently
	var wg sync.WaitGroup
	for s, id := range connections {
		wg.Add(1)
		go func(s int, id domain.ConnectionID) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: id, Body: fmt.Sprintf("%d-%d", s, i)})
				req.NoError(err)
			}
		}(s, id)
	}
	wg.Wait()

	// Then every connection saw the persisted order
	stored, err := repositories.Collect(f.messages.QueryPublic(ctx))
	req.NoError(err)
	req.Len(stored, senders*perSender)
	for _, id := range append(connections, watcher) {
		received := lo.Map(f.inbox.ofType(id, event.PublicMessageType), func(e event.Event, _ int) domain.Message {
			return *e.Message
		})
		req.Equal(stored, received)
	}
}

func TestRouter_Join_During_Broadcast_Sees_Every_Message_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	const joiners, broadcasts = 8, 50
	config := defaultConfig()
	config.SnapshotSize = broadcasts
	f := newFixture(t, config, nil)
	sender := f.join(t, "sender")

	// Given registered users with open connections not yet joined
	var connections []domain.ConnectionID
	for j := 0; j < joiners; j++ {
		name := fmt.Sprintf("joiner%d", j)
		_, err := f.users.Register(ctx, name)
		req.NoError(err)
		id := domain.NewConnectionID()
		f.router.Connect(id)
		connections = append(connections, id)
	}

	// When they all join while the sender broadcasts
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < broadcasts; i++ {
			_, err := f.router.SendPublic(ctx, domain.SendPublicCommand{Connection: sender, Body: fmt.Sprintf("m%d", i)})
			req.NoError(err)
		}
	}()
	for j, id := range connections {
		wg.Add(1)
		go func(name string, id domain.ConnectionID) {
			defer wg.Done()
			req.NoError(f.router.Join(ctx, domain.JoinCommand{Connection: id, Name: name}))
		}(fmt.Sprintf("joiner%d", j), id)
	}
	wg.Wait()

	// Then each joiner has every body exactly once across snapshot and live events
	for _, id := range connections {
		history := f.inbox.ofType(id, event.HistoryType)
		req.Len(history, 1)
		seen := make(map[string]int)
		for _, m := range history[0].Messages {
			seen[m.Body]++
		}
		for _, e := range f.inbox.ofType(id, event.PublicMessageType) {
			seen[e.Message.Body]++
		}
		req.Len(seen, broadcasts)
		for body, count := range seen {
			req.Equal(1, count, body)
		}
	}
}

func TestRouter_PostPublic_Reaches_Every_Live_Connection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, defaultConfig(), nil)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")

	// When alice posts through the directory path rather than a connection
	message, err := f.router.PostPublic(ctx, " alice ", "from the api")

	// Then it is stored and delivered like a live broadcast
	req.NoError(err)
	req.Equal("alice", message.Sender)
	req.True(message.IsPublic())
	stored, err := repositories.Collect(f.messages.QueryPublic(ctx))
	req.NoError(err)
	req.Equal([]domain.Message{message}, stored)
	for _, id := range []domain.ConnectionID{alice, bob} {
		delivered := f.inbox.ofType(id, event.PublicMessageType)
		req.Len(delivered, 1)
		req.Equal(message, *delivered[0].Message)
	}
}

func TestRouter_PostPublic_Requires_A_Registered_Sender(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	config := defaultConfig()
	config.RequireRegistered = false
	f := newFixture(t, config, nil)
	watcher := f.join(t, "watcher")

	// When an unknown name posts, even with the directory check relaxed for joins
	_, err := f.router.PostPublic(ctx, "ghost", "boo")

	// Then nothing is stored or delivered
	req.ErrorIs(err, errors.ErrUnknownUser)
	_, err = f.router.PostPublic(ctx, "watcher", " ")
	req.ErrorIs(err, errors.ErrValidation)
	stored, err := repositories.Collect(f.messages.QueryPublic(ctx))
	req.NoError(err)
	req.Empty(stored)
	req.Empty(f.inbox.ofType(watcher, event.PublicMessageType))
}
