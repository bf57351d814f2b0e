package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is one raw inbound blob plus where it came from, for diagnostics.
type Payload struct {
	Source string
	Data   []byte
}

// IngestResult reports what one batch did. No item failure aborts its
// siblings; parse failures and storage failures are counted per item.
type IngestResult struct {
	MessagesUpserted int      `json:"messagesUpserted"`
	StatusesPatched  int      `json:"statusesPatched"`
	StatusesDropped  int      `json:"statusesDropped"`
	Skipped          int      `json:"skipped"`
	Errors           []string `json:"errors,omitempty"`
}

type PatchOutcome string

const (
	PatchApplied PatchOutcome = "applied"
	PatchNoop    PatchOutcome = "noop"
)

// Relay exposes the core operations consumed by the HTTP layer and the
// ingest-directory watcher.
type Relay struct {
	store      Store
	normalizer Normalizer
}

func NewRelay(store Store, businessID string) *Relay {
	return &Relay{store: store, normalizer: NewNormalizer(businessID)}
}

// IngestBatch resolves, normalizes and persists a batch of payloads.
// Payloads are processed sequentially; arrival order carries no meaning
// because identity resolution determines the final record. A status patch
// that matches no record is dropped, not buffered: if the target message
// arrives later its status is whatever its own payload carried.
func (r *Relay) IngestBatch(ctx context.Context, payloads []Payload) IngestResult {
	var result IngestResult
	for _, payload := range payloads {
		items, skipped, err := ResolvePayload(payload.Source, payload.Data)
		result.Skipped += skipped
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, err.Error())
			log.Printf("ingest: skipping payload: %v", err)
			continue
		}
		for _, item := range items {
			switch {
			case item.Message != nil:
				record := r.normalizer.Record(*item.Message)
				if _, _, err := r.store.Upsert(ctx, record); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("upsert %s: %v", record.PrimaryID, err))
					continue
				}
				result.MessagesUpserted++
			case item.Status != nil:
				patch := r.normalizer.Patch(*item.Status)
				matched, err := r.store.ApplyStatusPatch(ctx, patch.ID, patch.Status)
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("status %s: %v", patch.ID, err))
					continue
				}
				if !matched {
					result.StatusesDropped++
					continue
				}
				result.StatusesPatched++
			}
		}
	}
	return result
}

// SendOutbound creates a synthetic outbound record in the conversation. The
// primary id is generated locally; occurredAt is the creation time.
func (r *Relay) SendOutbound(ctx context.Context, conversationID, body string) (Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Message{}, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, fmt.Errorf("%w: missing body", ErrInvalidInput)
	}
	record := Message{
		PrimaryID:      uuid.NewString(),
		ConversationID: conversationID,
		DisplayName:    conversationID,
		Direction:      DirectionOutbound,
		Body:           body,
		Status:         StatusSent,
		OccurredAt:     time.Now().UTC(),
	}
	stored, _, err := r.store.Upsert(ctx, record)
	if err != nil {
		return Message{}, err
	}
	return stored, nil
}

// UpdateStatus applies a status patch by primary or correlation id.
func (r *Relay) UpdateStatus(ctx context.Context, id string, status Status) (PatchOutcome, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidInput)
	}
	if !ValidStatus(status) {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	matched, err := r.store.ApplyStatusPatch(ctx, id, status)
	if err != nil {
		return "", err
	}
	if !matched {
		return PatchNoop, nil
	}
	return PatchApplied, nil
}

// ConversationMessages returns the conversation's records in order and, as a
// side effect, marks its unread inbound records as read.
func (r *Relay) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if _, err := r.store.MarkConversationRead(ctx, conversationID); err != nil {
		return nil, err
	}
	return r.store.ListByConversation(ctx, conversationID)
}

func (r *Relay) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	return r.store.ListConversations(ctx)
}

// IsValidation reports whether err is a caller error rather than a storage
// failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
