package repositories

import (
	"chat-relay/domain"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stored records.
// message: 1 id, 2 audience, 3 sender, 4 body, 5 created_at (unix nanos)
// user:    1 name, 2 created_at (unix nanos)
const (
	fieldMessageID        protowire.Number = 1
	fieldMessageAudience  protowire.Number = 2
	fieldMessageSender    protowire.Number = 3
	fieldMessageBody      protowire.Number = 4
	fieldMessageCreatedAt protowire.Number = 5

	fieldUserName      protowire.Number = 1
	fieldUserCreatedAt protowire.Number = 2
)

func encodeMessage(m domain.Message) []byte {
	var b []byte
	b = appendString(b, fieldMessageID, m.ID.String())
	b = appendString(b, fieldMessageAudience, m.Audience)
	b = appendString(b, fieldMessageSender, m.Sender)
	b = appendString(b, fieldMessageBody, m.Body)
	b = appendTime(b, fieldMessageCreatedAt, m.CreatedAt)
	return b
}

func decodeMessage(b []byte) (domain.Message, error) {
	var m domain.Message
	err := consumeFields(b,
		func(num protowire.Number, v string) error {
			switch num {
			case fieldMessageID:
				id, err := uuid.Parse(v)
				if err != nil {
					return err
				}
				m.ID = id
			case fieldMessageAudience:
				m.Audience = v
			case fieldMessageSender:
				m.Sender = v
			case fieldMessageBody:
				m.Body = v
			}
			return nil
		},
		func(num protowire.Number, v uint64) {
			if num == fieldMessageCreatedAt {
				m.CreatedAt = time.Unix(0, int64(v)).UTC()
			}
		})
	return m, err
}

func encodeUser(u domain.User) []byte {
	var b []byte
	b = appendString(b, fieldUserName, u.Name)
	b = appendTime(b, fieldUserCreatedAt, u.CreatedAt)
	return b
}

func decodeUser(b []byte) (domain.User, error) {
	var u domain.User
	err := consumeFields(b,
		func(num protowire.Number, v string) error {
			if num == fieldUserName {
				u.Name = v
			}
			return nil
		},
		func(num protowire.Number, v uint64) {
			if num == fieldUserCreatedAt {
				u.CreatedAt = time.Unix(0, int64(v)).UTC()
			}
		})
	return u, err
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

// consumeFields walks a record, skipping unknown fields so older binaries can
// read records written by newer ones.
func consumeFields(b []byte,
	onString func(num protowire.Number, v string) error,
	onVarint func(num protowire.Number, v uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := onString(num, v); err != nil {
				return fmt.Errorf("field %d: %w", num, err)
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			onVarint(num, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// PairKey identifies the conversation between two users regardless of direction.
// Names are escaped so the separator never appears inside a component.
func PairKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return url.QueryEscape(userA) + ":" + url.QueryEscape(userB)
}
