//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// Used for logging during supervision.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Pusher delivers an event to one live connection.
// It must not block: a connection that cannot take the event right now fails the push.
type Pusher interface {
	Push(ctx context.Context, id domain.ConnectionID, e event.Event) error
}

// MessageSink consumes every persisted message (search index, projections).
type MessageSink interface {
	Consume(ctx context.Context, m domain.Message) error
}

type IRegistry interface {
	Attach(id domain.ConnectionID)
	Bind(id domain.ConnectionID, name string) (bool, error)
	Unbind(id domain.ConnectionID)
	State(id domain.ConnectionID) domain.ConnectionState
	BoundName(id domain.ConnectionID) (string, bool)
	ConnectionsFor(name string) []domain.ConnectionID
	Live() []domain.ConnectionID
	Stats() (connections int, users int)
}

type IRouter interface {
	Connect(id domain.ConnectionID)
	Join(ctx context.Context, cmd domain.JoinCommand) error
	SendPublic(ctx context.Context, cmd domain.SendPublicCommand) (domain.Message, error)
	SendPrivate(ctx context.Context, cmd domain.SendPrivateCommand) (domain.Message, error)
	OnClose(id domain.ConnectionID)
}
