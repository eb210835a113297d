// Package domain contains core concepts of the relay.
// This file defines Message records and the audience rules.
// Messages are immutable once persisted.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublicAudience is the audience sentinel for broadcast messages.
const PublicAudience = "public"

// Message represents an immutable chat record.
// CreatedAt is assigned by the store, never by the client.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Audience  string    `json:"audience"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m Message) IsPublic() bool {
	return m.Audience == PublicAudience
}

// IsReservedName reports whether name collides with the audience sentinel.
func IsReservedName(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), PublicAudience)
}
