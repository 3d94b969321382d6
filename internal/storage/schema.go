package storage

import (
	"context"
	"fmt"
)

// Bootstrap creates the schema and tables when they do not exist yet. Safe to
// run on every startup.
func (s *Store) Bootstrap(ctx context.Context) error {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.config.SchemaName))
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err = s.db.ExecContext(ctx, schemaDDL(s.config.SchemaName))
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func schemaDDL(schemaName string) string {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.datasets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.dataset_documents (
		dataset_id TEXT NOT NULL REFERENCES %[1]s.datasets(id),
		document_id TEXT NOT NULL,
		attached_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (dataset_id, document_id)
	);

	CREATE INDEX IF NOT EXISTS idx_dataset_documents_document
		ON %[1]s.dataset_documents(document_id);

	CREATE TABLE IF NOT EXISTS %[1]s.inbox_messages (
		message_id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.outbox_messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		published_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
		ON %[1]s.outbox_messages(created_at)
		WHERE published_at IS NULL;

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letter_queue (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		error_message TEXT,
		failed_at TIMESTAMPTZ DEFAULT NOW(),
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic ON %[1]s.dead_letter_queue(original_topic);
	CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON %[1]s.dead_letter_queue(failed_at);
	`, schemaName)
}
