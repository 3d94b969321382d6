package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// StoreOutgoingMessageTx records an event produced by a unit of work in the
// same transaction as the state change, so emission is never observable
// without the change that caused it.
func (s *Store) StoreOutgoingMessageTx(ctx context.Context, tx *sql.Tx, eventType, uuid, payload string) error {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		INSERT INTO %s.outbox_messages (uuid, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (uuid) DO NOTHING
	`, s.config.SchemaName)

	_, err := tx.ExecContext(ctx, query, uuid, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

// OutboxMessage is a committed event waiting to be handed to the broker.
type OutboxMessage struct {
	UUID      string
	EventType string
	Payload   string
}

// UnpublishedMessages returns committed outbox rows not yet handed to the
// broker, oldest first, limited to batchSize rows.
func (s *Store) UnpublishedMessages(ctx context.Context, batchSize int) ([]OutboxMessage, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		SELECT uuid, event_type, payload FROM %s.outbox_messages
		WHERE published_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, s.config.SchemaName)

	rows, err := s.db.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.UUID, &msg.EventType, &msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished flags outbox rows as handed to the broker. Rows left
// unpublished after a crash are re-emitted by the relay on its next poll.
func (s *Store) MarkPublished(ctx context.Context, uuids ...string) error {
	if len(uuids) == 0 {
		return nil
	}

	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		UPDATE %s.outbox_messages SET published_at = NOW()
		WHERE uuid = ANY($1) AND published_at IS NULL
	`, s.config.SchemaName)

	_, err := s.db.ExecContext(ctx, query, pq.Array(uuids))
	if err != nil {
		return fmt.Errorf("failed to mark outbox messages published: %w", err)
	}
	return nil
}

// UnpublishedCount reports outbox rows that were committed but never handed
// to the broker.
func (s *Store) UnpublishedCount(ctx context.Context) (int64, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.outbox_messages WHERE published_at IS NULL
	`, s.config.SchemaName)

	var count int64
	err := s.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
