package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrDatasetNotFound is returned when a dataset id does not exist or the
// dataset is flagged deleted.
var ErrDatasetNotFound = errors.New("storage: dataset not found")

// Dataset is the read model maintained by this service. Documents are
// references into the document service; deletion there must be propagated
// here.
type Dataset struct {
	ID        string
	Name      string
	Deleted   bool
	Documents []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateDataset inserts a new dataset.
func (s *Store) CreateDataset(ctx context.Context, id, name string) error {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		INSERT INTO %s.datasets (id, name) VALUES ($1, $2)
	`, s.config.SchemaName)

	_, err := s.db.ExecContext(ctx, query, id, name)
	if err != nil {
		return fmt.Errorf("failed to insert dataset: %w", err)
	}
	return nil
}

// GetDataset loads a dataset and its document references.
func (s *Store) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		SELECT id, name, deleted, created_at, updated_at
		FROM %s.datasets
		WHERE id = $1 AND NOT deleted
	`, s.config.SchemaName)

	var d Dataset
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&d.ID, &d.Name, &d.Deleted, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDatasetNotFound
		}
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	docsQuery := fmt.Sprintf(`
		SELECT document_id FROM %s.dataset_documents
		WHERE dataset_id = $1
		ORDER BY attached_at
	`, s.config.SchemaName)

	rows, err := s.db.QueryContext(ctx, docsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		d.Documents = append(d.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dataset documents: %w", err)
	}

	return &d, nil
}

// ListDatasets returns all live datasets without their document references,
// newest first.
func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		SELECT id, name, deleted, created_at, updated_at
		FROM %s.datasets
		WHERE NOT deleted
		ORDER BY created_at DESC
	`, s.config.SchemaName)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []Dataset
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.Deleted, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

// RenameDataset updates the dataset name.
func (s *Store) RenameDataset(ctx context.Context, id, name string) error {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		UPDATE %s.datasets SET name = $1, updated_at = NOW()
		WHERE id = $2 AND NOT deleted
	`, s.config.SchemaName)

	result, err := s.db.ExecContext(ctx, query, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename dataset: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrDatasetNotFound
	}
	return nil
}

// DeleteDataset flags the dataset as deleted. Rows are kept so event replays
// against historic datasets stay resolvable.
func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		UPDATE %s.datasets SET deleted = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT deleted
	`, s.config.SchemaName)

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrDatasetNotFound
	}
	return nil
}

// AttachDocument links a document to a dataset. Attaching the same document
// twice is a no-op, so redelivered attach events stay idempotent.
func (s *Store) AttachDocument(ctx context.Context, datasetID, documentID string) error {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		INSERT INTO %s.dataset_documents (dataset_id, document_id)
		VALUES ($1, $2)
		ON CONFLICT (dataset_id, document_id) DO NOTHING
	`, s.config.SchemaName)

	_, err := s.db.ExecContext(ctx, query, datasetID, documentID)
	if err != nil {
		return fmt.Errorf("failed to attach document: %w", err)
	}
	return nil
}

// RemoveDocumentEverywhere removes the document reference from every dataset
// inside the supplied transaction and returns the ids of the datasets that
// changed. Touched datasets get their updated_at bumped in the same
// transaction.
func (s *Store) RemoveDocumentEverywhere(ctx context.Context, tx *sql.Tx, documentID string) ([]string, error) {
	// #nosec G201 - schema name is validated/sanitized via withDefaults()
	query := fmt.Sprintf(`
		DELETE FROM %s.dataset_documents
		WHERE document_id = $1
		RETURNING dataset_id
	`, s.config.SchemaName)

	rows, err := tx.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to remove document references: %w", err)
	}
	defer rows.Close()

	var touched []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dataset id: %w", err)
		}
		touched = append(touched, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate removed references: %w", err)
	}

	if len(touched) > 0 {
		// #nosec G201 - schema name is validated/sanitized via withDefaults()
		touch := fmt.Sprintf(`
			UPDATE %s.datasets SET updated_at = NOW()
			WHERE id = ANY($1)
		`, s.config.SchemaName)
		if _, err := tx.ExecContext(ctx, touch, pq.Array(touched)); err != nil {
			return nil, fmt.Errorf("failed to touch datasets: %w", err)
		}
	}

	return touched, nil
}
