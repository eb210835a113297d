package domain

// Inbound event types sent by clients over the transport.
const (
	JoinType    = "join"
	PublicType  = "public"
	PrivateType = "private"
)

// InboundEvent is the raw shape of every client event.
type InboundEvent struct {
	Type      string `json:"type" validate:"required,oneof=join public private"`
	Username  string `json:"username,omitempty" validate:"required_if=Type join"`
	Body      string `json:"body,omitempty" validate:"required_unless=Type join"`
	Recipient string `json:"recipient,omitempty" validate:"required_if=Type private"`
}

type JoinCommand struct {
	Connection ConnectionID
	Name       string
}

type SendPublicCommand struct {
	Connection ConnectionID
	Body       string
}

type SendPrivateCommand struct {
	Connection ConnectionID
	Recipient  string
	Body       string
}
