package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DeadLetterRecord is a message parked after exhausting its retries or
// failing permanently.
type DeadLetterRecord struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// InsertDeadLetter parks a message. Called by the consumer's dead letter
// middleware; the insert is the explicit dead-lettering that permits the
// original delivery to be acknowledged.
func (s *Store) InsertDeadLetter(ctx context.Context, uuid, originalTopic string, payload []byte, metadata map[string]string, errorMessage string, retryCount int) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		INSERT INTO %s.dead_letter_queue (uuid, original_topic, payload, metadata, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.config.SchemaName)

	_, err = s.db.ExecContext(ctx, query, uuid, originalTopic, payload, metadataJSON, errorMessage, retryCount)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// DeadLetterCount returns the number of parked messages for a topic.
func (s *Store) DeadLetterCount(ctx context.Context, topic string) (int64, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.dead_letter_queue
		WHERE original_topic = $1
	`, s.config.SchemaName)

	var count int64
	err := s.db.QueryRowContext(ctx, query, topic).Scan(&count)
	return count, err
}

// ListDeadLetters returns parked messages for a topic, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, topic string, limit, offset int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		SELECT id, uuid, original_topic, payload, metadata, COALESCE(error_message, ''), failed_at, retry_count
		FROM %s.dead_letter_queue
		WHERE original_topic = $1
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3
	`, s.config.SchemaName)

	rows, err := s.db.QueryContext(ctx, query, topic, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var records []DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		var metadataJSON []byte
		if err := rows.Scan(&rec.ID, &rec.UUID, &rec.OriginalTopic, &rec.Payload, &metadataJSON, &rec.ErrorMessage, &rec.FailedAt, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil && s.logger != nil {
				s.logger.Error("failed to unmarshal dead letter metadata", err, nil)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ReplayDeadLetter removes a parked message and returns it so the caller can
// re-publish it to its original topic.
func (s *Store) ReplayDeadLetter(ctx context.Context, id int64) (*DeadLetterRecord, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		DELETE FROM %s.dead_letter_queue WHERE id = $1
		RETURNING id, uuid, original_topic, payload, metadata, COALESCE(error_message, ''), failed_at, retry_count
	`, s.config.SchemaName)

	var rec DeadLetterRecord
	var metadataJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&rec.ID, &rec.UUID, &rec.OriginalTopic, &rec.Payload, &metadataJSON, &rec.ErrorMessage, &rec.FailedAt, &rec.RetryCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("dead letter with id %d not found", id)
		}
		return nil, fmt.Errorf("failed to replay dead letter: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil && s.logger != nil {
			s.logger.Error("failed to unmarshal dead letter metadata", err, nil)
		}
	}
	return &rec, nil
}

// PurgeDeadLetters removes all parked messages for a topic and returns how
// many were dropped.
func (s *Store) PurgeDeadLetters(ctx context.Context, topic string) (int64, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`DELETE FROM %s.dead_letter_queue WHERE original_topic = $1`, s.config.SchemaName)

	result, err := s.db.ExecContext(ctx, query, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
