package chatrelay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRelay(t *testing.T) (*Relay, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewRelay(store, "biz"), store
}

func TestIngestBatchScenario(t *testing.T) {
	relay, store := newTestRelay(t)
	ctx := context.Background()
	payload := Payload{Source: "test", Data: []byte(`{"messages":[{"id":"m1","from":"111","timestamp":"1000","text":{"body":"hi"}}]}`)}

	result := relay.IngestBatch(ctx, []Payload{payload})
	if result.MessagesUpserted != 1 || result.Skipped != 0 || len(result.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	messages, err := store.ListByConversation(ctx, "111")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected one record, got %d", len(messages))
	}
	record := messages[0]
	if record.PrimaryID != "m1" || record.Direction != DirectionInbound || record.Body != "hi" {
		t.Fatalf("unexpected record: %+v", record)
	}
	firstUpdatedAt := record.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	again := relay.IngestBatch(ctx, []Payload{payload})
	if again.MessagesUpserted != 1 {
		t.Fatalf("re-ingest should still count the upsert, got %+v", again)
	}
	messages, _ = store.ListByConversation(ctx, "111")
	if len(messages) != 1 {
		t.Fatalf("re-ingest must not duplicate, got %d records", len(messages))
	}
	if messages[0].Body != "hi" {
		t.Fatalf("re-ingest must not change content, got %q", messages[0].Body)
	}
	if !messages[0].UpdatedAt.After(firstUpdatedAt) {
		t.Fatalf("expected updatedAt refresh on re-ingest")
	}
}

func TestIngestBatchContinuesPastBadPayload(t *testing.T) {
	relay, store := newTestRelay(t)
	ctx := context.Background()

	result := relay.IngestBatch(ctx, []Payload{
		{Source: "bad", Data: []byte(`not json at all`)},
		{Source: "good", Data: []byte(`{"messages":[{"id":"m1","from":"111","text":{"body":"hi"}}]}`)},
	})
	if result.MessagesUpserted != 1 {
		t.Fatalf("expected good payload ingested, got %+v", result)
	}
	if result.Skipped != 1 || len(result.Errors) != 1 {
		t.Fatalf("expected bad payload counted, got %+v", result)
	}

	messages, _ := store.ListByConversation(ctx, "111")
	if len(messages) != 1 {
		t.Fatalf("expected record from good payload, got %d", len(messages))
	}
}

func TestOrphanStatusPatchIsDropped(t *testing.T) {
	relay, store := newTestRelay(t)
	ctx := context.Background()

	early := relay.IngestBatch(ctx, []Payload{{Source: "test", Data: []byte(`{"statuses":[{"id":"m1","status":"read"}]}`)}})
	if early.StatusesPatched != 0 || early.StatusesDropped != 1 {
		t.Fatalf("expected orphan patch dropped, got %+v", early)
	}
	summaries, _ := store.ListConversations(ctx)
	if len(summaries) != 0 {
		t.Fatalf("orphan patch must not create records, got %+v", summaries)
	}

	// The message arrives later: its status is what its payload carried,
	// never the dropped patch.
	relay.IngestBatch(ctx, []Payload{{Source: "test", Data: []byte(`{"messages":[{"id":"m1","from":"111","text":{"body":"hi"}}]}`)}})
	messages, _ := store.ListByConversation(ctx, "111")
	if len(messages) != 1 {
		t.Fatalf("expected one record, got %d", len(messages))
	}
	if messages[0].Status != StatusReceived {
		t.Fatalf("dropped patch must not apply retroactively, got %s", messages[0].Status)
	}
}

func TestSendOutboundAndUpdateStatusEvents(t *testing.T) {
	relay, store := newTestRelay(t)
	hub := NewHub()
	translator := NewTranslator(store, hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go translator.Run(ctx)

	sub := hub.Subscribe(0)
	defer hub.Unsubscribe(sub)

	record, err := relay.SendOutbound(ctx, "111", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if record.Direction != DirectionOutbound || record.Status != StatusSent {
		t.Fatalf("unexpected outbound record: %+v", record)
	}
	if record.PrimaryID == "" {
		t.Fatalf("expected generated primary id")
	}

	newEvent := waitEvent(t, sub)
	if newEvent.Type != EventNewMessage || newEvent.Record.PrimaryID != record.PrimaryID {
		t.Fatalf("expected one message.new, got %+v", newEvent)
	}

	outcome, err := relay.UpdateStatus(ctx, record.PrimaryID, StatusDelivered)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if outcome != PatchApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	statusEvent := waitEvent(t, sub)
	if statusEvent.Type != EventStatusChanged || statusEvent.Status != StatusDelivered {
		t.Fatalf("expected one message.status, got %+v", statusEvent)
	}

	messages, _ := store.ListByConversation(ctx, "111")
	if len(messages) != 1 || messages[0].Status != StatusDelivered {
		t.Fatalf("unexpected store state: %+v", messages)
	}

	select {
	case extra := <-sub.C():
		t.Fatalf("expected exactly two events, got extra %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendOutboundValidation(t *testing.T) {
	relay, _ := newTestRelay(t)
	ctx := context.Background()

	if _, err := relay.SendOutbound(ctx, "", "hello"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected validation error for missing conversation, got %v", err)
	}
	if _, err := relay.SendOutbound(ctx, "111", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected validation error for empty body, got %v", err)
	}

	summaries, _ := relay.ListConversations(ctx)
	if len(summaries) != 0 {
		t.Fatalf("rejected send must not mutate the store, got %+v", summaries)
	}
}

func TestUpdateStatusOutcomes(t *testing.T) {
	relay, _ := newTestRelay(t)
	ctx := context.Background()

	if _, err := relay.UpdateStatus(ctx, "m1", Status("bogus")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
	outcome, err := relay.UpdateStatus(ctx, "m1", StatusRead)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if outcome != PatchNoop {
		t.Fatalf("expected noop for unmatched id, got %s", outcome)
	}
}

func TestConversationMessagesMarksRead(t *testing.T) {
	relay, _ := newTestRelay(t)
	ctx := context.Background()

	relay.IngestBatch(ctx, []Payload{{Source: "test", Data: []byte(`{
		"messages": [
			{"id": "m1", "from": "111", "timestamp": "1000", "text": {"body": "one"}},
			{"id": "m2", "from": "111", "timestamp": "1001", "text": {"body": "two"}}
		]
	}`)}})

	before, _ := relay.ListConversations(ctx)
	if len(before) != 1 || before[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread before reading, got %+v", before)
	}

	messages, err := relay.ConversationMessages(ctx, "111")
	if err != nil {
		t.Fatalf("conversation messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].PrimaryID != "m1" {
		t.Fatalf("expected ascending order, got %s first", messages[0].PrimaryID)
	}

	after, _ := relay.ListConversations(ctx)
	if after[0].UnreadCount != 0 {
		t.Fatalf("expected unread reset to 0, got %+v", after)
	}
}

func TestIngestStatusAfterMessagePatches(t *testing.T) {
	relay, store := newTestRelay(t)
	ctx := context.Background()

	relay.IngestBatch(ctx, []Payload{{Source: "test", Data: []byte(`{"messages":[{"id":"m1","from":"111","text":{"body":"hi"}}]}`)}})
	result := relay.IngestBatch(ctx, []Payload{{Source: "test", Data: []byte(`{"statuses":[{"id":"m1","status":"delivered"}]}`)}})
	if result.StatusesPatched != 1 || result.StatusesDropped != 0 {
		t.Fatalf("expected patch applied, got %+v", result)
	}

	messages, _ := store.ListByConversation(ctx, "111")
	if messages[0].Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", messages[0].Status)
	}
}
