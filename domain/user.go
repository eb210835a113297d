package domain

import "time"

// User is a registered display name. It is never mutated after registration.
type User struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
