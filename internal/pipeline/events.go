package pipeline

import "time"

// Event types carried in message metadata and outbox rows.
const (
	EventDocumentDeleted = "document.event.deleted"
	EventDatasetUpdated  = "dataset.event.updated"
)

// DocumentEvent is the payload consumed from the document exchange.
type DocumentEvent struct {
	DocumentID string    `json:"document_id"`
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DatasetEvent is published whenever a dataset changes in response to a
// document event.
type DatasetEvent struct {
	DatasetID  string    `json:"dataset_id"`
	Event      string    `json:"event"`
	DocumentID string    `json:"document_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
