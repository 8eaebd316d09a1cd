// Package messagelog provides the wide-column message log: the append-only
// per-conversation messages table and the per-recipient user inbox.
package messagelog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"

	"github.com/chat4all/backbone/pkg/models"
)

// messageTTLSeconds is one year; every message row expires after it.
const messageTTLSeconds = 31536000

// inboxReadCap bounds how many inbox rows one sync read returns.
const inboxReadCap = 100

// Store is the message-log client backed by a gocql session.
type Store struct {
	session  *gocql.Session
	keyspace string
}

// New connects to the cluster, ensures the schema exists, and returns a
// ready Store.
func New(cfg Config) (*Store, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.ProtoVersion = 4
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.QueryTimeout
	cluster.Consistency = gocql.Quorum
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message log: %w", err)
	}

	store := &Store{session: session, keyspace: cfg.Keyspace}
	if err := store.ensureSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to ensure message-log schema: %w", err)
	}
	return store, nil
}

// Close shuts down the underlying session.
func (s *Store) Close() {
	s.session.Close()
}

// ensureSchema creates the keyspace and both tables if they do not exist.
//
// messages:   partition conversation_id, clustering sequence_number ASC,
//             the per-conversation total order.
// user_inbox: partition user_id, clustering (created_at DESC, message_id),
//             answers "what did this user receive since T" without scanning
//             every conversation.
func (s *Store) ensureSchema() error {
	stmts := []string{
		fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
			WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, s.keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.messages (
			conversation_id text,
			sequence_number bigint,
			message_id text,
			sender_id text,
			content text,
			message_type text,
			status text,
			timestamp timestamp,
			attachments text,
			PRIMARY KEY ((conversation_id), sequence_number)
		) WITH CLUSTERING ORDER BY (sequence_number ASC)`, s.keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.user_inbox (
			user_id text,
			created_at timestamp,
			conversation_id text,
			message_id text,
			sequence_number bigint,
			content text,
			sender_id text,
			status text,
			PRIMARY KEY ((user_id), created_at, message_id)
		) WITH CLUSTERING ORDER BY (created_at DESC)`, s.keyspace),
	}
	for _, stmt := range stmts {
		if err := s.session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	slog.Info("Message-log schema verified", "keyspace", s.keyspace)
	return nil
}

// Append writes one message row. Because sequence assignment is idempotent,
// a redelivered ingestion overwrites the same clustering cell with identical
// values, so calling Append twice for the same message is safe.
func (s *Store) Append(ctx context.Context, row models.MessageRow) error {
	stmt := fmt.Sprintf(`INSERT INTO %s.messages
		(conversation_id, sequence_number, message_id, sender_id, content, message_type, status, timestamp, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		USING TTL %d`, s.keyspace, messageTTLSeconds)

	err := s.session.Query(stmt,
		row.ConversationID,
		row.SequenceNumber,
		row.MessageID,
		row.SenderID,
		row.Content,
		string(row.MessageType),
		string(row.Status),
		row.Timestamp,
		string(row.Attachments),
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to append message %s: %w", row.MessageID, err)
	}
	return nil
}

// PushInbox writes the per-recipient inbox copy, stamped with the current
// arrival time.
func (s *Store) PushInbox(ctx context.Context, entry models.InboxEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	stmt := fmt.Sprintf(`INSERT INTO %s.user_inbox
		(user_id, created_at, conversation_id, message_id, sequence_number, content, sender_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.keyspace)

	err := s.session.Query(stmt,
		entry.UserID,
		createdAt,
		entry.ConversationID,
		entry.MessageID,
		entry.SequenceNumber,
		entry.Content,
		entry.SenderID,
		entry.Status,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to push inbox row for %s: %w", entry.UserID, err)
	}
	return nil
}

// UpdateStatus sets the status of one message row. The write is
// unconditional: the status topic is keyed by conversation id, so receipts
// for one message reach a single consumer in order and downgrades do not
// occur in practice.
func (s *Store) UpdateStatus(ctx context.Context, conversationID string, sequenceNumber int64, status models.MessageStatus) error {
	stmt := fmt.Sprintf(`UPDATE %s.messages SET status = ?
		WHERE conversation_id = ? AND sequence_number = ?`, s.keyspace)

	err := s.session.Query(stmt, string(status), conversationID, sequenceNumber).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update status of (%s, %d): %w", conversationID, sequenceNumber, err)
	}
	return nil
}

// ReadHistory returns up to limit rows of a conversation, newest first.
// A positive beforeSeq restricts the result to sequences strictly below it,
// for paging backwards through history.
func (s *Store) ReadHistory(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]models.MessageRow, error) {
	stmt := fmt.Sprintf(`SELECT conversation_id, sequence_number, message_id, sender_id,
		content, message_type, status, timestamp, attachments
		FROM %s.messages WHERE conversation_id = ?`, s.keyspace)
	args := []any{conversationID}

	if beforeSeq > 0 {
		stmt += " AND sequence_number < ?"
		args = append(args, beforeSeq)
	}
	stmt += " ORDER BY sequence_number DESC LIMIT ?"
	args = append(args, limit)

	iter := s.session.Query(stmt, args...).WithContext(ctx).Iter()

	var out []models.MessageRow
	for {
		var (
			row         models.MessageRow
			msgType     string
			status      string
			attachments string
		)
		if !iter.Scan(&row.ConversationID, &row.SequenceNumber, &row.MessageID, &row.SenderID,
			&row.Content, &msgType, &status, &row.Timestamp, &attachments) {
			break
		}
		row.MessageType = models.MessageType(msgType)
		row.Status = models.MessageStatus(status)
		if attachments != "" {
			row.Attachments = []byte(attachments)
		}
		out = append(out, row)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", conversationID, err)
	}
	return out, nil
}

// ReadInbox returns the user's most recent inbox rows, newest first,
// capped at 100. A non-zero since restricts to rows that arrived after it.
func (s *Store) ReadInbox(ctx context.Context, userID string, since time.Time) ([]models.InboxEntry, error) {
	stmt := fmt.Sprintf(`SELECT user_id, created_at, conversation_id, message_id,
		sequence_number, content, sender_id, status
		FROM %s.user_inbox WHERE user_id = ?`, s.keyspace)
	args := []any{userID}

	if !since.IsZero() {
		stmt += " AND created_at > ?"
		args = append(args, since)
	}
	stmt += fmt.Sprintf(" LIMIT %d", inboxReadCap)

	iter := s.session.Query(stmt, args...).WithContext(ctx).Iter()

	var out []models.InboxEntry
	for {
		var entry models.InboxEntry
		if !iter.Scan(&entry.UserID, &entry.CreatedAt, &entry.ConversationID, &entry.MessageID,
			&entry.SequenceNumber, &entry.Content, &entry.SenderID, &entry.Status) {
			break
		}
		out = append(out, entry)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read inbox of %s: %w", userID, err)
	}
	return out, nil
}
