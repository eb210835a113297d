// Package event defines what the relay pushes to connected clients.
package event

import (
	"chat-relay/domain"
	"encoding/json"
)

type Type string

const (
	JoinedType         Type = "joined"
	HistoryType        Type = "history"
	PublicMessageType  Type = "public_message"
	PrivateMessageType Type = "private_message"
	SentType           Type = "sent"
	ErrorType          Type = "error"
)

// Event is the outbound envelope. Only the fields relevant to Type are set.
type Event struct {
	Type     Type             `json:"type"`
	Username string           `json:"username,omitempty"`
	Message  *domain.Message  `json:"message,omitempty"`
	Messages []domain.Message `json:"messages,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// MarshalJSON keeps "messages" on history events even when the snapshot is empty.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != HistoryType {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		Messages []domain.Message `json:"messages"`
	}{plain: plain(e), Messages: e.Messages})
}

func Joined(name string) Event {
	return Event{Type: JoinedType, Username: name}
}

// History always carries a non-nil slice so clients can tell an empty snapshot apart.
func History(messages []domain.Message) Event {
	if messages == nil {
		messages = []domain.Message{}
	}
	return Event{Type: HistoryType, Messages: messages}
}

// Delivered wraps a persisted message for its recipients.
func Delivered(m domain.Message) Event {
	if m.IsPublic() {
		return Event{Type: PublicMessageType, Message: &m}
	}
	return Event{Type: PrivateMessageType, Message: &m}
}

func Sent(m domain.Message) Event {
	return Event{Type: SentType, Message: &m}
}

func Failure(code string, err error) Event {
	return Event{Type: ErrorType, Code: code, Error: err.Error()}
}
