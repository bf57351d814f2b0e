package chatrelay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process store used by tests and the memory://
// profile. The change log is an append-only slice; feeds wake on a channel
// that is closed and replaced on every append.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Message
	order   []string
	changes []Change
	notify  chan struct{}
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]Message{},
		notify:  make(chan struct{}),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, record Message) (Message, bool, error) {
	if record.PrimaryID == "" || record.ConversationID == "" {
		return Message{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false, ErrStoreClosed
	}
	now := time.Now().UTC()

	if existing, ok := s.records[record.PrimaryID]; ok {
		existing.UpdatedAt = now
		s.records[record.PrimaryID] = existing
		s.appendChangeLocked(ChangeUpdate, existing)
		return existing, false, nil
	}

	record.CreatedAt = now
	record.UpdatedAt = now
	s.records[record.PrimaryID] = record
	s.order = append(s.order, record.PrimaryID)
	s.appendChangeLocked(ChangeInsert, record)
	return record, true, nil
}

func (s *MemoryStore) ApplyStatusPatch(ctx context.Context, id string, status Status) (bool, error) {
	if id == "" || !ValidStatus(status) {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	for _, primaryID := range s.order {
		record := s.records[primaryID]
		if record.PrimaryID != id && record.CorrelationID != id {
			continue
		}
		record.Status = status
		record.UpdatedAt = time.Now().UTC()
		s.records[primaryID] = record
		s.appendChangeLocked(ChangeUpdate, record)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	changed := 0
	now := time.Now().UTC()
	for _, primaryID := range s.order {
		record := s.records[primaryID]
		if record.ConversationID != conversationID || record.Direction != DirectionInbound || record.Status == StatusRead {
			continue
		}
		record.Status = StatusRead
		record.UpdatedAt = now
		s.records[primaryID] = record
		s.appendChangeLocked(ChangeUpdate, record)
		changed++
	}
	return changed, nil
}

func (s *MemoryStore) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	messages := make([]Message, 0)
	for _, primaryID := range s.order {
		record := s.records[primaryID]
		if record.ConversationID == conversationID {
			messages = append(messages, record)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].OccurredAt.Equal(messages[j].OccurredAt) {
			return messages[i].OccurredAt.Before(messages[j].OccurredAt)
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	latest := map[string]Message{}
	unread := map[string]int{}
	for _, primaryID := range s.order {
		record := s.records[primaryID]
		current, seen := latest[record.ConversationID]
		if !seen || moreRecent(record, current) {
			latest[record.ConversationID] = record
		}
		if record.Direction == DirectionInbound && record.Status != StatusRead {
			unread[record.ConversationID]++
		}
	}
	summaries := make([]ConversationSummary, 0, len(latest))
	for conversationID, record := range latest {
		summaries = append(summaries, ConversationSummary{
			ConversationID: conversationID,
			DisplayName:    record.DisplayName,
			LastBody:       record.Body,
			LastOccurredAt: record.OccurredAt,
			UnreadCount:    unread[conversationID],
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastOccurredAt.After(summaries[j].LastOccurredAt)
	})
	return summaries, nil
}

func moreRecent(candidate, current Message) bool {
	if !candidate.OccurredAt.Equal(current.OccurredAt) {
		return candidate.OccurredAt.After(current.OccurredAt)
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}

func (s *MemoryStore) Feed(ctx context.Context, fromSeq int64) (ChangeFeed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if fromSeq < 0 {
		fromSeq = 0
	}
	return &memoryFeed{store: s, cursor: fromSeq}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	return nil
}

// appendChangeLocked assigns the next sequence number and wakes all feeds.
func (s *MemoryStore) appendChangeLocked(op ChangeOp, record Message) {
	s.changes = append(s.changes, Change{
		Seq:    int64(len(s.changes)) + 1,
		Op:     op,
		Record: record,
	})
	close(s.notify)
	s.notify = make(chan struct{})
}

type memoryFeed struct {
	store  *MemoryStore
	cursor int64
	closed bool
}

func (f *memoryFeed) Next(ctx context.Context) (Change, error) {
	for {
		f.store.mu.Lock()
		if f.closed {
			f.store.mu.Unlock()
			return Change{}, ErrFeedClosed
		}
		if f.store.closed {
			f.store.mu.Unlock()
			return Change{}, ErrStoreClosed
		}
		if f.cursor < int64(len(f.store.changes)) {
			change := f.store.changes[f.cursor]
			f.cursor = change.Seq
			f.store.mu.Unlock()
			return change, nil
		}
		wake := f.store.notify
		f.store.mu.Unlock()

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-wake:
		}
	}
}

func (f *memoryFeed) Close() error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.closed = true
	return nil
}
