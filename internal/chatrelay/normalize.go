package chatrelay

import (
	"strings"
	"time"
)

// StatusPatch is the normalized form of a StatusItem: a partial-field update
// addressed by primary id or correlation id.
type StatusPatch struct {
	ID     string
	Status Status
}

// Normalizer maps resolved items into canonical records. Direction is an
// exact string match of the sender against the configured business identity.
type Normalizer struct {
	BusinessID string
}

func NewNormalizer(businessID string) Normalizer {
	return Normalizer{BusinessID: strings.TrimSpace(businessID)}
}

// Record builds the canonical message record for a resolved message item.
// Defaults: absent display name resolves to the sender id, absent body to the
// empty string, absent timestamp to now.
func (n Normalizer) Record(item MessageItem) Message {
	direction := DirectionInbound
	if n.BusinessID != "" && item.From == n.BusinessID {
		direction = DirectionOutbound
	}

	conversationID := item.From
	if direction == DirectionOutbound && item.To != "" {
		conversationID = item.To
	}

	displayName := item.DisplayName
	if displayName == "" {
		displayName = item.From
	}

	status := item.Status
	if !ValidStatus(status) {
		if direction == DirectionOutbound {
			status = StatusSent
		} else {
			status = StatusReceived
		}
	}

	occurredAt := item.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Message{
		PrimaryID:      item.PrimaryID,
		CorrelationID:  item.CorrelationID,
		ConversationID: conversationID,
		DisplayName:    displayName,
		Direction:      direction,
		Body:           item.Body,
		Status:         status,
		OccurredAt:     occurredAt,
	}
}

func (n Normalizer) Patch(item StatusItem) StatusPatch {
	return StatusPatch{ID: item.ID, Status: item.Status}
}
