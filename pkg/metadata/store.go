// Package metadata provides the transactional metadata store: conversations,
// membership, the per-conversation sequence counter with its idempotency log,
// and the user-to-channel identity map.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chat4all/backbone/pkg/models"
)

// uniqueViolation is the PostgreSQL error code for unique-constraint failures.
const uniqueViolation = "23505"

// Store is the metadata store client. All workers and request-path callers
// share one Store per process; the pgx pool handles connection reuse.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to PostgreSQL, applies pending migrations, and returns
// a ready Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping metadata store: %w", err)
	}

	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run metadata migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool without running migrations.
// Used by tests that manage the schema themselves.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies store connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// privatePairKey canonicalizes an unordered private-member pair so the
// unique index can enforce at most one private conversation per pair.
func privatePairKey(members []string) string {
	pair := []string{members[0], members[1]}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// CreateConversation inserts a conversation and its membership rows in one
// transaction. For a private conversation with exactly two members, creation
// is idempotent: if the pair already has a private conversation, its
// identifier is returned and nothing is written.
func (s *Store) CreateConversation(ctx context.Context, kind models.ConversationKind, members []string, metadata map[string]any) (string, error) {
	if len(members) == 0 {
		return "", ErrNoMembers
	}

	var pairKey *string
	if kind == models.ConversationPrivate {
		if len(members) != 2 || members[0] == members[1] {
			return "", fmt.Errorf("private conversation requires two distinct members, got %d", len(members))
		}
		k := privatePairKey(members)
		pairKey = &k
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal conversation metadata: %w", err)
	}
	if metadata == nil {
		metaJSON = []byte("{}")
	}

	conversationID := uuid.New().String()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var insertedID string
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (conversation_id, kind, last_sequence_number, metadata, private_key)
		 VALUES ($1, $2, 0, $3, $4)
		 ON CONFLICT (private_key) DO NOTHING
		 RETURNING conversation_id`,
		conversationID, string(kind), metaJSON, pairKey,
	).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) {
		if pairKey == nil {
			return "", fmt.Errorf("conversation insert conflicted on id %s", conversationID)
		}
		// Lost the race (or the pair already existed): return the winner.
		return s.findPrivateConversation(ctx, *pairKey)
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert conversation: %w", err)
	}

	seen := make(map[string]bool, len(members))
	for _, userID := range members {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2)`,
			insertedID, userID,
		); err != nil {
			return "", fmt.Errorf("failed to insert member %s: %w", userID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit conversation: %w", err)
	}
	return insertedID, nil
}

func (s *Store) findPrivateConversation(ctx context.Context, pairKey string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id FROM conversations WHERE private_key = $1`, pairKey,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to look up private conversation: %w", err)
	}
	return id, nil
}

// GetMembers returns the user ids of a conversation's members. Order is
// unspecified. A missing conversation yields an empty slice, matching the
// fan-out contract that membership removed mid-pipeline produces zero jobs.
func (s *Store) GetMembers(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// GetUserConversations lists every conversation the user belongs to,
// with kind, metadata, and last assigned sequence.
func (s *Store) GetUserConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.conversation_id, c.kind, c.metadata, c.last_sequence_number
		 FROM conversation_members cm
		 JOIN conversations c ON c.conversation_id = cm.conversation_id
		 WHERE cm.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var (
			summary  models.ConversationSummary
			metaJSON []byte
		)
		if err := rows.Scan(&summary.ID, &summary.Kind, &metaJSON, &summary.LastSequence); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &summary.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode conversation metadata: %w", err)
			}
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// NextSequence assigns the next per-conversation sequence number,
// idempotently: resubmitting a message id returns its original sequence
// without incrementing the counter.
//
// The conversation row lock acquired by SELECT ... FOR UPDATE serializes
// concurrent callers for the same conversation, so sequences are dense and
// duplicate-free. Returns ErrConversationNotFound for unknown conversations.
func (s *Store) NextSequence(ctx context.Context, conversationID, messageID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last int64
	err = tx.QueryRow(ctx,
		`SELECT last_sequence_number FROM conversations WHERE conversation_id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock conversation: %w", err)
	}

	var existing int64
	err = tx.QueryRow(ctx,
		`SELECT sequence_number FROM message_sequence_log WHERE message_id = $1`, messageID,
	).Scan(&existing)
	if err == nil {
		// Already assigned; the log is the authoritative dedup record.
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("failed to commit sequence read: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to read sequence log: %w", err)
	}

	var next int64
	err = tx.QueryRow(ctx,
		`UPDATE conversations
		 SET last_sequence_number = last_sequence_number + 1
		 WHERE conversation_id = $1
		 RETURNING last_sequence_number`,
		conversationID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_sequence_log (message_id, conversation_id, sequence_number)
		 VALUES ($1, $2, $3)`,
		messageID, conversationID, next,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Unreachable while the row lock is held, but harmless to map.
			return 0, fmt.Errorf("sequence log conflict for message %s: %w", messageID, err)
		}
		return 0, fmt.Errorf("failed to append sequence log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit sequence assignment: %w", err)
	}
	return next, nil
}

// GetIdentities returns the user's channel bindings. The internal delivery
// channel is implicit: it always maps to the user's own id.
func (s *Store) GetIdentities(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT channel, external_id FROM user_identities WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()

	identities := make(map[string]string)
	for rows.Next() {
		var channel, externalID string
		if err := rows.Scan(&channel, &externalID); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities[channel] = externalID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, ok := identities[models.ChannelDelivery]; !ok {
		identities[models.ChannelDelivery] = userID
	}
	return identities, nil
}

// AddIdentity binds a user to an external channel address, replacing any
// previous binding for that channel.
func (s *Store) AddIdentity(ctx context.Context, userID, channel, externalID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_identities (user_id, channel, external_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, channel) DO UPDATE SET external_id = EXCLUDED.external_id`,
		userID, channel, externalID)
	if err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}
	return nil
}
