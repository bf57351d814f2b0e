package chatrelay

import "context"

// Store is the persistence boundary: unique-key upsert on primary id,
// partial-field status updates addressed by primary or correlation id, and an
// ordered mutation feed carrying full post-mutation records.
type Store interface {
	// Upsert inserts the record if no record with its primary id exists.
	// On a duplicate only updatedAt is refreshed; content is
	// first-writer-wins. Reports whether an insert occurred and returns the
	// stored record.
	Upsert(ctx context.Context, record Message) (Message, bool, error)

	// ApplyStatusPatch updates the oldest record whose primary id or
	// correlation id matches. A zero-match patch is a no-op, not an error.
	ApplyStatusPatch(ctx context.Context, id string, status Status) (bool, error)

	// MarkConversationRead sets every not-yet-read inbound record of the
	// conversation to read and reports how many records changed.
	MarkConversationRead(ctx context.Context, conversationID string) (int, error)

	// ListByConversation returns the conversation's records ordered by
	// occurredAt ascending, createdAt breaking ties.
	ListByConversation(ctx context.Context, conversationID string) ([]Message, error)

	// ListConversations returns per-conversation summaries ordered by most
	// recent occurredAt descending.
	ListConversations(ctx context.Context) ([]ConversationSummary, error)

	// Feed opens the ordered mutation feed starting after fromSeq.
	Feed(ctx context.Context, fromSeq int64) (ChangeFeed, error)

	Close() error
}

// ChangeFeed yields store mutations in order. Next blocks until a change is
// available or the context is done.
type ChangeFeed interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}
