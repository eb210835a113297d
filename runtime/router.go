package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/moderation"
	"chat-relay/repositories"
	"chat-relay/validation"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type RouterConfig struct {
	// SnapshotSize is the number of recent public messages pushed on join, 0 disables the snapshot.
	SnapshotSize int
	// RequireRegistered rejects joins and private recipients missing from the directory.
	RequireRegistered bool
	MaxBodyLength     int
	PushTimeout       time.Duration
	SinkTimeout       time.Duration
}

// Router binds connections to names, persists what they send and fans it out.
//
// Persisting, looking up recipients and enqueuing on the transport all happen under mu.
// The transport enqueue never blocks, so holding the lock is short and every
// connection receives messages in the order they were persisted.
type Router struct {
	mu        sync.Mutex
	log       *slog.Logger
	registry  contract.IRegistry
	users     repositories.IUserRepository
	messages  repositories.IMessageRepository
	pusher    contract.Pusher
	moderator *moderation.Moderator
	sinks     []contract.MessageSink
	config    RouterConfig
}

// NewRouter wires the core. moderator may be nil when no dictionary is configured.
func NewRouter(log *slog.Logger, registry contract.IRegistry,
	users repositories.IUserRepository, messages repositories.IMessageRepository,
	pusher contract.Pusher, moderator *moderation.Moderator, config RouterConfig) *Router {
	return &Router{
		log:       log,
		registry:  registry,
		users:     users,
		messages:  messages,
		pusher:    pusher,
		moderator: moderator,
		config:    config,
	}
}

// Add registers permanent sinks fed with every persisted message.
// It must be called before the router starts serving.
func (r *Router) Add(sinks ...contract.MessageSink) {
	r.sinks = append(r.sinks, sinks...)
}

// Connect is called by the transport when a connection opens.
func (r *Router) Connect(id domain.ConnectionID) {
	r.registry.Attach(id)
	r.log.Debug("Connection opened", "connection", id)
}

// OnClose is called by the transport when a connection goes away, whatever its state.
func (r *Router) OnClose(id domain.ConnectionID) {
	name, _ := r.registry.BoundName(id)
	r.registry.Unbind(id)
	r.log.Debug("Connection closed", "connection", id, "username", name)
}

// Join binds the connection to name.
// Only the first successful bind pushes the acknowledgement and the history snapshot.
// The snapshot is read under the routing lock so no message can fall between the
// snapshot and the first live delivery.
func (r *Router) Join(ctx context.Context, cmd domain.JoinCommand) error {
	name, err := validation.Name(cmd.Name)
	if err != nil {
		return err
	}
	if err := r.checkRegistered(ctx, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.registry.State(cmd.Connection) {
	case domain.Closed:
		return fmt.Errorf("%w: %s", errors.ErrConnectionClosed, cmd.Connection)
	case domain.Bound:
		// same name is a no-op, another name fails
		_, err := r.registry.Bind(cmd.Connection, name)
		return err
	}

	var history []domain.Message
	if r.config.SnapshotSize > 0 {
		history, err = r.messages.RecentPublic(ctx, r.config.SnapshotSize)
		if err != nil {
			return err
		}
	}

	bound, err := r.registry.Bind(cmd.Connection, name)
	if err != nil || !bound {
		return err
	}
	r.log.Info("User joined", "username", name, "connection", cmd.Connection)

	r.push(ctx, cmd.Connection, event.Joined(name))
	if r.config.SnapshotSize > 0 {
		r.push(ctx, cmd.Connection, event.History(history))
	}
	return nil
}

// SendPublic persists a broadcast and delivers it to every bound connection,
// the sender's own connections included.
func (r *Router) SendPublic(ctx context.Context, cmd domain.SendPublicCommand) (domain.Message, error) {
	if _, err := r.sender(cmd.Connection); err != nil {
		return domain.Message{}, err
	}
	if err := validation.Body(cmd.Body, r.config.MaxBodyLength); err != nil {
		return domain.Message{}, err
	}
	body := r.censor(cmd.Body)

	r.mu.Lock()
	sender, err := r.sender(cmd.Connection)
	if err != nil {
		r.mu.Unlock()
		return domain.Message{}, err
	}
	message, err := r.broadcast(ctx, sender, body)
	r.mu.Unlock()
	if err != nil {
		return domain.Message{}, err
	}

	r.feed(ctx, message)
	return message, nil
}

// PostPublic broadcasts on behalf of a registered user without a live connection.
// The directory check always applies here, whatever RequireRegistered says.
func (r *Router) PostPublic(ctx context.Context, name, body string) (domain.Message, error) {
	sender, err := validation.Name(name)
	if err != nil {
		return domain.Message{}, err
	}
	if err := validation.Body(body, r.config.MaxBodyLength); err != nil {
		return domain.Message{}, err
	}
	exists, err := r.users.Exists(ctx, sender)
	if err != nil {
		return domain.Message{}, err
	}
	if !exists {
		return domain.Message{}, fmt.Errorf("%w: %q", errors.ErrUnknownUser, sender)
	}
	body = r.censor(body)

	r.mu.Lock()
	message, err := r.broadcast(ctx, sender, body)
	r.mu.Unlock()
	if err != nil {
		return domain.Message{}, err
	}

	r.feed(ctx, message)
	return message, nil
}

// broadcast persists a public message and pushes it to every live connection. Callers hold mu.
func (r *Router) broadcast(ctx context.Context, sender, body string) (domain.Message, error) {
	message, err := r.messages.Append(ctx, domain.Message{
		ID:       uuid.New(),
		Sender:   sender,
		Body:     body,
		Audience: domain.PublicAudience,
	})
	if err != nil {
		r.log.Error("Public message not persisted", "sender", sender, "error", err)
		return domain.Message{}, err
	}
	delivered := event.Delivered(message)
	for _, id := range r.registry.Live() {
		r.push(ctx, id, delivered)
	}
	return message, nil
}

// SendPrivate persists a message addressed to one user and delivers it to the
// recipient's connections and to the sender's other connections. Nobody else sees it.
// The originating connection gets a sent acknowledgement instead of a copy.
func (r *Router) SendPrivate(ctx context.Context, cmd domain.SendPrivateCommand) (domain.Message, error) {
	if _, err := r.sender(cmd.Connection); err != nil {
		return domain.Message{}, err
	}
	recipient, err := validation.Name(cmd.Recipient)
	if err != nil {
		return domain.Message{}, err
	}
	if err := validation.Body(cmd.Body, r.config.MaxBodyLength); err != nil {
		return domain.Message{}, err
	}
	if err := r.checkRegistered(ctx, recipient); err != nil {
		return domain.Message{}, err
	}
	body := r.censor(cmd.Body)

	r.mu.Lock()
	sender, err := r.sender(cmd.Connection)
	if err != nil {
		r.mu.Unlock()
		return domain.Message{}, err
	}
	message, err := r.messages.Append(ctx, domain.Message{
		ID:       uuid.New(),
		Sender:   sender,
		Body:     body,
		Audience: recipient,
	})
	if err != nil {
		r.mu.Unlock()
		r.log.Error("Private message not persisted", "sender", sender, "recipient", recipient, "error", err)
		return domain.Message{}, err
	}

	targets := lo.Without(lo.Uniq(append(
		r.registry.ConnectionsFor(recipient),
		r.registry.ConnectionsFor(sender)...)), cmd.Connection)
	delivered := event.Delivered(message)
	for _, id := range targets {
		r.push(ctx, id, delivered)
	}
	r.push(ctx, cmd.Connection, event.Sent(message))
	r.mu.Unlock()

	r.feed(ctx, message)
	return message, nil
}

func (r *Router) sender(id domain.ConnectionID) (string, error) {
	name, ok := r.registry.BoundName(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrNotBound, id)
	}
	return name, nil
}

func (r *Router) checkRegistered(ctx context.Context, name string) error {
	if !r.config.RequireRegistered {
		return nil
	}
	exists, err := r.users.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", errors.ErrUnknownUser, name)
	}
	return nil
}

func (r *Router) censor(body string) string {
	if r.moderator == nil {
		return body
	}
	censored, words := r.moderator.Censor(body)
	if len(words) > 0 {
		r.log.Info("Message moderated", "censored_words", len(words))
	}
	return censored
}

// push isolates delivery faults: a failing recipient is logged and skipped.
func (r *Router) push(ctx context.Context, id domain.ConnectionID, e event.Event) {
	if r.config.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.PushTimeout)
		defer cancel()
	}
	if err := r.pusher.Push(ctx, id, e); err != nil {
		r.log.Warn("Delivery failed", "connection", id, "event", e.Type, "error", err)
	}
}

// feed hands a persisted message to the permanent sinks. The send already
// succeeded, so a sink failure is only logged.
func (r *Router) feed(ctx context.Context, message domain.Message) {
	ctx = context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		sinkCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.config.SinkTimeout > 0 {
			sinkCtx, cancel = context.WithTimeout(ctx, r.config.SinkTimeout)
		}
		if err := sink.Consume(sinkCtx, message); err != nil {
			r.log.Warn("Sink failed", "message", message.ID, "error", err)
		}
		cancel()
	}
}
