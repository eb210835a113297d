package domain

import "github.com/google/uuid"

// ConnectionID identifies one live transport connection.
type ConnectionID string

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

func (c ConnectionID) String() string {
	return string(c)
}

// ConnectionState is the lifecycle of a connection: Unbound -> Bound -> Closed.
type ConnectionState int

const (
	Closed ConnectionState = iota
	Unbound
	Bound
)

func (s ConnectionState) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	default:
		return "closed"
	}
}
