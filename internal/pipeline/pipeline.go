package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	consumerpkg "github.com/JulianNeuberger/datasetd/internal/consumer"
	idspkg "github.com/JulianNeuberger/datasetd/internal/ids"
	jsoncodec "github.com/JulianNeuberger/datasetd/internal/jsoncodec"
	loggingpkg "github.com/JulianNeuberger/datasetd/internal/logging"
)

// TxRunner executes a unit of work inside a single database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Inbox records consumed message IDs so redeliveries become no-ops.
type Inbox interface {
	MarkProcessed(ctx context.Context, tx *sql.Tx, messageID, topic string, payload []byte) (bool, error)
}

// Datasets mutates dataset state inside the unit of work.
type Datasets interface {
	RemoveDocumentEverywhere(ctx context.Context, tx *sql.Tx, documentID string) ([]string, error)
}

// Outbox stores outgoing events in the same transaction as the state change.
type Outbox interface {
	StoreOutgoingMessageTx(ctx context.Context, tx *sql.Tx, eventType, uuid, payload string) error
}

// Store is the subset of the storage layer the pipeline needs. *storage.Store
// satisfies it.
type Store interface {
	TxRunner
	Inbox
	Datasets
	Outbox
}

// Pipeline applies consumed document events to dataset state. All effects of a
// single event (inbox record, dataset mutation, outbox rows) commit in one
// transaction.
type Pipeline struct {
	store  Store
	logger loggingpkg.ServiceLogger
}

// New constructs a Pipeline. Both arguments are required.
func New(store Store, logger loggingpkg.ServiceLogger) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("datasetd: pipeline store is required")
	}
	if logger == nil {
		return nil, errors.New("datasetd: pipeline logger is required")
	}
	return &Pipeline{store: store, logger: logger}, nil
}

// HandleDocumentDeleted detaches the deleted document from every dataset that
// references it and returns one DatasetEvent per touched dataset. A malformed
// event is reported as unprocessable; storage failures are retryable.
func (p *Pipeline) HandleDocumentDeleted(ctx context.Context, messageID string, evt *DocumentEvent) ([]*DatasetEvent, error) {
	if err := validateDocumentEvent(evt); err != nil {
		payload, _ := jsoncodec.Marshal(evt)
		return nil, consumerpkg.NewUnprocessableEventError(string(payload), err)
	}

	var events []*DatasetEvent

	err := p.store.RunInTx(ctx, func(tx *sql.Tx) error {
		payload, err := jsoncodec.Marshal(evt)
		if err != nil {
			return err
		}

		// Without a message id there is no dedupe handle; process the event
		// unconditionally, the removal itself is idempotent.
		if messageID != "" {
			first, err := p.store.MarkProcessed(ctx, tx, messageID, EventDocumentDeleted, payload)
			if err != nil {
				return fmt.Errorf("mark message processed: %w", err)
			}
			if !first {
				p.logger.Info("Skipping duplicate delivery", loggingpkg.LogFields{
					"message_id":  messageID,
					"document_id": evt.DocumentID,
				})
				return nil
			}
		}

		touched, err := p.store.RemoveDocumentEverywhere(ctx, tx, evt.DocumentID)
		if err != nil {
			return fmt.Errorf("remove document from datasets: %w", err)
		}

		now := time.Now().UTC()
		for _, datasetID := range touched {
			out := &DatasetEvent{
				DatasetID:  datasetID,
				Event:      EventDatasetUpdated,
				DocumentID: evt.DocumentID,
				OccurredAt: now,
			}

			outPayload, err := jsoncodec.Marshal(out)
			if err != nil {
				return err
			}
			if err := p.store.StoreOutgoingMessageTx(ctx, tx, EventDatasetUpdated, idspkg.CreateULID(), string(outPayload)); err != nil {
				return fmt.Errorf("store outgoing event: %w", err)
			}

			events = append(events, out)
		}

		p.logger.Info("Document removed from datasets", loggingpkg.LogFields{
			"document_id":   evt.DocumentID,
			"dataset_count": len(touched),
		})

		return nil
	})
	if err != nil {
		if consumerpkg.IsFatal(err) {
			return nil, err
		}
		// Storage failures, pool exhaustion and timeouts are all transient
		// from the consumer's point of view.
		return nil, consumerpkg.Retryable(err)
	}

	return events, nil
}

func validateDocumentEvent(evt *DocumentEvent) error {
	if evt == nil {
		return errors.New("event payload is empty")
	}
	if evt.DocumentID == "" {
		return errors.New("document_id is required")
	}
	if evt.Event != "" && evt.Event != EventDocumentDeleted {
		return fmt.Errorf("unexpected event type %q", evt.Event)
	}
	return nil
}
