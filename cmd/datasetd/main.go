// Command datasetd consumes document events from the message broker and keeps
// the dataset store in sync, publishing a dataset event for every dataset the
// change touched.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	brokerpkg "github.com/JulianNeuberger/datasetd/internal/broker"
	configpkg "github.com/JulianNeuberger/datasetd/internal/config"
	consumerpkg "github.com/JulianNeuberger/datasetd/internal/consumer"
	handlerpkg "github.com/JulianNeuberger/datasetd/internal/consumer/handlers"
	loggingpkg "github.com/JulianNeuberger/datasetd/internal/logging"
	pipelinepkg "github.com/JulianNeuberger/datasetd/internal/pipeline"
	storagepkg "github.com/JulianNeuberger/datasetd/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("datasetd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	baseLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := loggingpkg.NewSlogServiceLogger(baseLogger)

	cfg, err := configpkg.Load()
	if err != nil {
		return err
	}
	if err := configpkg.ValidateConfig(cfg); err != nil {
		return err
	}
	logger.Info("Starting datasetd", loggingpkg.LogFields{"config": cfg})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wmLogger := loggingpkg.NewWatermillAdapter(logger)

	store, err := storagepkg.Open(storagepkg.Config{
		URL:            cfg.PostgresURL(),
		MaxOpenConns:   cfg.PoolMaxOpen,
		MaxIdleConns:   cfg.PoolMaxIdle,
		AcquireTimeout: cfg.PoolAcquireTimeout,
	}, wmLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close database pool", err, nil)
		}
	}()

	if err := waitForDatabase(ctx, store, cfg, logger); err != nil {
		return err
	}
	if err := store.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}

	transport, err := brokerpkg.Dial(ctx, brokerpkg.Config{
		URL:                cfg.BrokerURL(),
		ConsumeExchange:    cfg.ConsumeExchange,
		ConsumeQueue:       cfg.ConsumeQueue,
		PublishExchange:    cfg.PublishExchange,
		PrefetchCount:      cfg.PrefetchCount,
		DialAttempts:       cfg.ConnectAttempts,
		DialBackoffInitial: cfg.ConnectBackoffInitial,
		DialBackoffMax:     cfg.ConnectBackoffMax,
	}, wmLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Error("Failed to close broker transport", err, nil)
		}
	}()

	pipe, err := pipelinepkg.New(store, logger)
	if err != nil {
		return err
	}

	svc, err := consumerpkg.TryNewService(cfg, logger, consumerpkg.ServiceDependencies{
		Publisher:   transport.Publisher,
		Subscriber:  transport.Subscriber,
		DeadLetters: store,
		DLQMetrics:  consumerpkg.NewDLQMetrics(nil),
	})
	if err != nil {
		return err
	}

	// The handler commits dataset state and outbox rows in one transaction;
	// the relay below is the only path from the outbox to the broker.
	err = consumerpkg.RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[*pipelinepkg.DocumentEvent, *pipelinepkg.DatasetEvent]{
		Name:         "document-deleted-handler",
		ConsumeQueue: cfg.ConsumeRoutingKey,
		Handler: func(ctx context.Context, evt handlerpkg.JSONMessageContext[*pipelinepkg.DocumentEvent]) ([]handlerpkg.JSONMessageOutput[*pipelinepkg.DatasetEvent], error) {
			messageID := evt.Metadata["message_uuid"]
			_, err := pipe.HandleDocumentDeleted(ctx, messageID, evt.Payload)
			return nil, err
		},
	})
	if err != nil {
		return err
	}

	if cfg.MetricsEnabled {
		if err := consumerpkg.RegisterAdminHandlers(svc, store, store, cfg.MetricsPort); err != nil {
			return err
		}
	}

	relay, err := pipelinepkg.NewRelay(store, transport.Publisher, logger, pipelinepkg.RelayConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
	})
	if err != nil {
		return err
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Outbox relay stopped", err, nil)
		}
	}()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	<-relayDone

	logger.Info("Shutdown complete", nil)
	return nil
}

// waitForDatabase pings the database with the same backoff policy used for
// the broker until it answers or the budget runs out.
func waitForDatabase(ctx context.Context, store *storagepkg.Store, cfg *configpkg.Config, logger loggingpkg.ServiceLogger) error {
	backoff := cfg.ConnectBackoffInitial
	if backoff <= 0 {
		backoff = time.Second
	}
	max := cfg.ConnectBackoffMax
	if max <= 0 {
		max = 30 * time.Second
	}

	attempt := 0
	for {
		attempt++
		err := store.Ping(ctx)
		if err == nil {
			return nil
		}

		logger.Error("Database connection attempt failed", err, loggingpkg.LogFields{
			"attempt": attempt,
			"backoff": backoff.String(),
		})

		if cfg.ConnectAttempts > 0 && attempt >= cfg.ConnectAttempts {
			return fmt.Errorf("database unreachable after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}
