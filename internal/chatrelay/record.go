package chatrelay

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusReceived  Status = "received"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusReceived, StatusSent, StatusDelivered, StatusRead:
		return true
	default:
		return false
	}
}

// Message is the canonical record, exactly one per primary id.
// CorrelationID links delivery-status events back to the originating message
// when the status event carries no stable id of its own.
type Message struct {
	PrimaryID      string    `json:"primaryId"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	ConversationID string    `json:"conversationId"`
	DisplayName    string    `json:"displayName,omitempty"`
	Direction      Direction `json:"direction"`
	Body           string    `json:"body"`
	Status         Status    `json:"status"`
	OccurredAt     time.Time `json:"occurredAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type ConversationSummary struct {
	ConversationID string    `json:"conversationId"`
	DisplayName    string    `json:"displayName,omitempty"`
	LastBody       string    `json:"lastBody"`
	LastOccurredAt time.Time `json:"lastOccurredAt"`
	UnreadCount    int       `json:"unreadCount"`
}

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
)

// Change is one entry of the store's ordered mutation feed. It carries the
// full post-mutation record so the feed translator never reads back.
type Change struct {
	Seq    int64    `json:"seq"`
	Op     ChangeOp `json:"op"`
	Record Message  `json:"record"`
}

type EventType string

const (
	EventNewMessage    EventType = "message.new"
	EventStatusChanged EventType = "message.status"
)

// Event is what connected clients receive over the real-time transport.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Record         Message   `json:"record"`
}

func eventFromChange(c Change) Event {
	if c.Op == ChangeInsert {
		return Event{
			Type:           EventNewMessage,
			ConversationID: c.Record.ConversationID,
			Record:         c.Record,
		}
	}
	return Event{
		Type:           EventStatusChanged,
		ConversationID: c.Record.ConversationID,
		MessageID:      c.Record.PrimaryID,
		Status:         c.Record.Status,
		Record:         c.Record,
	}
}
