package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/JulianNeuberger/datasetd/internal/logging"
	storagepkg "github.com/JulianNeuberger/datasetd/internal/storage"
)

// OutboxSource provides committed events awaiting publication.
// *storage.Store satisfies it.
type OutboxSource interface {
	UnpublishedMessages(ctx context.Context, batchSize int) ([]storagepkg.OutboxMessage, error)
	MarkPublished(ctx context.Context, uuids ...string) error
}

// RelayConfig tunes the outbox polling loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Relay drains the outbox to the broker. It is the only publisher of dataset
// events: handlers commit rows, the relay emits them, so an event is never
// observable on the broker before its transaction committed. Each row is
// published on the topic named by its event type, with the row uuid as the
// message UUID so downstream consumers can deduplicate replays after a crash.
type Relay struct {
	outbox    OutboxSource
	publisher message.Publisher
	logger    loggingpkg.ServiceLogger
	config    RelayConfig
}

// NewRelay constructs a Relay. Outbox source, publisher and logger are
// required.
func NewRelay(outbox OutboxSource, publisher message.Publisher, logger loggingpkg.ServiceLogger, cfg RelayConfig) (*Relay, error) {
	if outbox == nil {
		return nil, errors.New("datasetd: relay outbox source is required")
	}
	if publisher == nil {
		return nil, errors.New("datasetd: relay publisher is required")
	}
	if logger == nil {
		return nil, errors.New("datasetd: relay logger is required")
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		logger:    logger,
		config:    cfg.withDefaults(),
	}, nil
}

// Run polls the outbox until the context is cancelled. Publication failures
// are logged and retried on the next tick; rows stay pending until
// MarkPublished succeeds.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("Outbox relay pass failed", err, nil)
			}
		}
	}
}

// RelayOnce publishes one batch of pending rows and returns how many were
// handed to the broker. A publish failure stops the batch; the failed row and
// everything after it stay pending.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.UnpublishedMessages(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished outbox messages: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(pending))
	for _, row := range pending {
		msg := message.NewMessage(row.UUID, []byte(row.Payload))
		msg.Metadata["event_type"] = row.EventType
		msg.SetContext(ctx)

		if err := r.publisher.Publish(row.EventType, msg); err != nil {
			if markErr := r.outbox.MarkPublished(ctx, published...); markErr != nil {
				return 0, fmt.Errorf("mark outbox messages published: %w", markErr)
			}
			return len(published), fmt.Errorf("publish outbox message %s: %w", row.UUID, err)
		}
		published = append(published, row.UUID)
	}

	if err := r.outbox.MarkPublished(ctx, published...); err != nil {
		return 0, fmt.Errorf("mark outbox messages published: %w", err)
	}

	r.logger.Debug("Relayed outbox messages", loggingpkg.LogFields{
		"count": len(published),
	})
	return len(published), nil
}
