package chatrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresMessagesTable   = "chatrelay_messages"
	postgresChangesTable    = "chatrelay_changes"
	postgresChangesChannel  = "chatrelay_changes"
	postgresSetupTimeout    = 5 * time.Second
	postgresFeedPoll        = 2 * time.Second
	postgresFeedBatch       = 100
	postgresListenerMinWait = 2 * time.Second
	postgresListenerMaxWait = time.Minute
)

const messageColumns = "primary_id, correlation_id, conversation_id, display_name, direction, body, status, occurred_at, created_at, updated_at"

// PostgresStore persists records in Postgres. Mutations append a full-record
// change row to an outbox table in the same transaction and notify feed
// readers via pg_notify; this is the relational substitute for a native
// change stream.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresSetupTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					primary_id TEXT PRIMARY KEY,
					correlation_id TEXT,
					conversation_id TEXT NOT NULL,
					display_name TEXT NOT NULL DEFAULT '',
					direction TEXT NOT NULL,
					body TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					occurred_at TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(postgresMessagesTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (conversation_id, occurred_at)",
				quoteIdentifier(postgresMessagesTable+"_conversation_idx"),
				quoteIdentifier(postgresMessagesTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (correlation_id)",
				quoteIdentifier(postgresMessagesTable+"_correlation_idx"),
				quoteIdentifier(postgresMessagesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					op TEXT NOT NULL,
					record TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(postgresChangesTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Upsert(ctx context.Context, record Message) (Message, bool, error) {
	if record.PrimaryID == "" || record.ConversationID == "" {
		return Message{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Message{}, false, fmt.Errorf("storage: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, fmt.Errorf("storage: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// ON CONFLICT DO NOTHING makes the concurrent-duplicate race land on the
	// same path as an ordinary redelivery.
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (primary_id) DO NOTHING`,
		quoteIdentifier(postgresMessagesTable), messageColumns)
	result, err := tx.ExecContext(ctx, insertQuery,
		record.PrimaryID, record.CorrelationID, record.ConversationID,
		record.DisplayName, string(record.Direction), record.Body,
		string(record.Status), record.OccurredAt)
	if err != nil {
		return Message{}, false, fmt.Errorf("storage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Message{}, false, fmt.Errorf("storage: %w", err)
	}
	inserted := affected == 1

	if !inserted {
		refreshQuery := fmt.Sprintf(
			"UPDATE %s SET updated_at = NOW() WHERE primary_id = $1",
			quoteIdentifier(postgresMessagesTable))
		if _, err := tx.ExecContext(ctx, refreshQuery, record.PrimaryID); err != nil {
			return Message{}, false, fmt.Errorf("storage: %w", err)
		}
	}

	selectQuery := fmt.Sprintf("SELECT %s FROM %s WHERE primary_id = $1",
		messageColumns, quoteIdentifier(postgresMessagesTable))
	stored, err := scanMessage(tx.QueryRowContext(ctx, selectQuery, record.PrimaryID))
	if err != nil {
		return Message{}, false, fmt.Errorf("storage: %w", err)
	}

	op := ChangeUpdate
	if inserted {
		op = ChangeInsert
	}
	if err := appendChangeTx(ctx, tx, op, stored); err != nil {
		return Message{}, false, fmt.Errorf("storage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, false, fmt.Errorf("storage: %w", err)
	}
	committed = true
	return stored, inserted, nil
}

func (s *PostgresStore) ApplyStatusPatch(ctx context.Context, id string, status Status) (bool, error) {
	if id == "" || !ValidStatus(status) {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	patchQuery := fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = NOW()
		WHERE primary_id = (
			SELECT primary_id FROM %s
			WHERE primary_id = $1 OR correlation_id = $1
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING %s`,
		quoteIdentifier(postgresMessagesTable),
		quoteIdentifier(postgresMessagesTable),
		messageColumns)
	patched, err := scanMessage(tx.QueryRowContext(ctx, patchQuery, id, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		// A status event may race ahead of its message; that is a no-op.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	if err := appendChangeTx(ctx, tx, ChangeUpdate, patched); err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	committed = true
	return true, nil
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	markQuery := fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = NOW()
		WHERE conversation_id = $1 AND direction = $3 AND status <> $2
		RETURNING %s`,
		quoteIdentifier(postgresMessagesTable), messageColumns)
	rows, err := tx.QueryContext(ctx, markQuery, conversationID, string(StatusRead), string(DirectionInbound))
	if err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	marked := make([]Message, 0)
	for rows.Next() {
		record, scanErr := scanMessage(rows)
		if scanErr != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: %w", scanErr)
		}
		marked = append(marked, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("storage: %w", err)
	}
	rows.Close()

	for _, record := range marked {
		if err := appendChangeTx(ctx, tx, ChangeUpdate, record); err != nil {
			return 0, fmt.Errorf("storage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	committed = true
	return len(marked), nil
}

func (s *PostgresStore) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE conversation_id = $1
		ORDER BY occurred_at ASC, created_at ASC`,
		messageColumns, quoteIdentifier(postgresMessagesTable))
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		record, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("storage: %w", scanErr)
		}
		messages = append(messages, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	latestQuery := fmt.Sprintf(`
		SELECT DISTINCT ON (conversation_id)
			conversation_id, display_name, body, occurred_at
		FROM %s
		ORDER BY conversation_id, occurred_at DESC, created_at DESC`,
		quoteIdentifier(postgresMessagesTable))
	rows, err := s.db.QueryContext(ctx, latestQuery)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var summary ConversationSummary
		if scanErr := rows.Scan(&summary.ConversationID, &summary.DisplayName, &summary.LastBody, &summary.LastOccurredAt); scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: %w", scanErr)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	rows.Close()

	unreadQuery := fmt.Sprintf(`
		SELECT conversation_id, COUNT(*) FROM %s
		WHERE direction = $1 AND status <> $2
		GROUP BY conversation_id`,
		quoteIdentifier(postgresMessagesTable))
	unreadRows, err := s.db.QueryContext(ctx, unreadQuery, string(DirectionInbound), string(StatusRead))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer unreadRows.Close()
	unread := map[string]int{}
	for unreadRows.Next() {
		var conversationID string
		var count int
		if scanErr := unreadRows.Scan(&conversationID, &count); scanErr != nil {
			return nil, fmt.Errorf("storage: %w", scanErr)
		}
		unread[conversationID] = count
	}
	if err := unreadRows.Err(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	for i := range summaries {
		summaries[i].UnreadCount = unread[summaries[i].ConversationID]
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastOccurredAt.After(summaries[j].LastOccurredAt)
	})
	return summaries, nil
}

func (s *PostgresStore) Feed(ctx context.Context, fromSeq int64) (ChangeFeed, error) {
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if fromSeq < 0 {
		fromSeq = 0
	}
	// The listener wakes the feed promptly; the poll interval covers
	// notifications lost across listener reconnects.
	listener := pq.NewListener(s.dsn, postgresListenerMinWait, postgresListenerMaxWait, nil)
	if err := listener.Listen(postgresChangesChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &postgresFeed{store: s, cursor: fromSeq, listener: listener}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type postgresFeed struct {
	store    *PostgresStore
	cursor   int64
	listener *pq.Listener
	pending  []Change

	mu     sync.Mutex
	closed bool
}

func (f *postgresFeed) Next(ctx context.Context) (Change, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return Change{}, ErrFeedClosed
		}
		if len(f.pending) > 0 {
			change := f.pending[0]
			f.pending = f.pending[1:]
			f.cursor = change.Seq
			f.mu.Unlock()
			return change, nil
		}
		f.mu.Unlock()

		batch, err := f.fetch(ctx)
		if err != nil {
			return Change{}, err
		}
		if len(batch) > 0 {
			f.mu.Lock()
			f.pending = append(f.pending, batch...)
			f.mu.Unlock()
			continue
		}

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-f.listener.Notify:
		case <-time.After(postgresFeedPoll):
		}
	}
}

func (f *postgresFeed) fetch(ctx context.Context) ([]Change, error) {
	query := fmt.Sprintf(`
		SELECT seq, op, record FROM %s
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT %d`,
		quoteIdentifier(postgresChangesTable), postgresFeedBatch)
	rows, err := f.store.db.QueryContext(ctx, query, f.cursor)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	batch := make([]Change, 0)
	for rows.Next() {
		var change Change
		var op, payload string
		if scanErr := rows.Scan(&change.Seq, &op, &payload); scanErr != nil {
			return nil, fmt.Errorf("storage: %w", scanErr)
		}
		change.Op = ChangeOp(op)
		if unmarshalErr := json.Unmarshal([]byte(payload), &change.Record); unmarshalErr != nil {
			return nil, fmt.Errorf("storage: %w", unmarshalErr)
		}
		batch = append(batch, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return batch, nil
}

func (f *postgresFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.listener.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var record Message
	var correlationID sql.NullString
	var direction, status string
	err := row.Scan(
		&record.PrimaryID, &correlationID, &record.ConversationID,
		&record.DisplayName, &direction, &record.Body, &status,
		&record.OccurredAt, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Message{}, err
	}
	record.CorrelationID = correlationID.String
	record.Direction = Direction(direction)
	record.Status = Status(status)
	return record, nil
}

// appendChangeTx writes the outbox row and notifies feed listeners inside the
// mutation's own transaction; the notification is delivered on commit.
func appendChangeTx(ctx context.Context, tx *sql.Tx, op ChangeOp, record Message) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (op, record) VALUES ($1, $2) RETURNING seq",
		quoteIdentifier(postgresChangesTable))
	var seq int64
	if err := tx.QueryRowContext(ctx, insertQuery, string(op), string(payload)).Scan(&seq); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresChangesChannel, fmt.Sprintf("%d", seq))
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
