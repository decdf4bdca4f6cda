package domain

import "time"

// Direction of a message relative to the gateway.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MessageKind is the coarse content classification of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageMedia MessageKind = "media"
	MessageOther MessageKind = "other"
)

// Message is one persisted conversational message. Immutable once saved;
// the gateway never deletes messages.
type Message struct {
	ID           string      `json:"id"`
	Direction    Direction   `json:"direction"`
	Counterparty string      `json:"counterparty"` // remote phone number / chat id
	Body         string      `json:"body"`
	MediaURL     string      `json:"mediaUrl,omitempty"`
	Kind         MessageKind `json:"kind"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// MessageFilter narrows message queries.
type MessageFilter struct {
	Counterparty string
	Direction    Direction
	Limit        int
	Offset       int
}
