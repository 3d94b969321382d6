package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MarkProcessed records the message id inside the unit-of-work transaction.
// Returns false when the id is already present, which means a previous
// delivery of the same message committed; the caller should treat the whole
// unit of work as a no-op so at-least-once redelivery cannot apply twice.
func (s *Store) MarkProcessed(ctx context.Context, tx *sql.Tx, messageID, topic string, payload []byte) (bool, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		INSERT INTO %s.inbox_messages (message_id, topic, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING
	`, s.config.SchemaName)

	result, err := tx.ExecContext(ctx, query, messageID, topic, payload)
	if err != nil {
		return false, fmt.Errorf("failed to insert inbox message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read inbox insert result: %w", err)
	}
	return affected == 1, nil
}
