package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	storagepkg "github.com/JulianNeuberger/datasetd/internal/storage"
)

type fakeOutboxSource struct {
	mu      sync.Mutex
	pending []storagepkg.OutboxMessage

	fetchErr error
	markErr  error

	marked []string
}

func (f *fakeOutboxSource) UnpublishedMessages(_ context.Context, batchSize int) ([]storagepkg.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.pending) > batchSize {
		return f.pending[:batchSize], nil
	}
	return f.pending, nil
}

func (f *fakeOutboxSource) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeOutboxSource) MarkPublished(_ context.Context, uuids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, uuids...)
	var remaining []storagepkg.OutboxMessage
	for _, row := range f.pending {
		published := false
		for _, uuid := range uuids {
			if row.UUID == uuid {
				published = true
				break
			}
		}
		if !published {
			remaining = append(remaining, row)
		}
	}
	f.pending = remaining
	return nil
}

type fakePublisher struct {
	published map[string][]*message.Message
	failUUID  string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][]*message.Message)}
}

func (p *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if p.failUUID != "" && msg.UUID == p.failUUID {
			return errors.New("broker unavailable")
		}
		p.published[topic] = append(p.published[topic], msg)
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func pendingRows(uuids ...string) []storagepkg.OutboxMessage {
	rows := make([]storagepkg.OutboxMessage, len(uuids))
	for i, uuid := range uuids {
		rows[i] = storagepkg.OutboxMessage{
			UUID:      uuid,
			EventType: EventDatasetUpdated,
			Payload:   `{"dataset_id":"ds-1"}`,
		}
	}
	return rows
}

func TestNewRelayValidation(t *testing.T) {
	source := &fakeOutboxSource{}
	pub := newFakePublisher()

	if _, err := NewRelay(nil, pub, testLogger(), RelayConfig{}); err == nil {
		t.Fatal("expected error for nil outbox source")
	}
	if _, err := NewRelay(source, nil, testLogger(), RelayConfig{}); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	if _, err := NewRelay(source, pub, nil, RelayConfig{}); err == nil {
		t.Fatal("expected error for nil logger")
	}
	if _, err := NewRelay(source, pub, testLogger(), RelayConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRelayOncePublishesAndMarks(t *testing.T) {
	source := &fakeOutboxSource{pending: pendingRows("row-1", "row-2")}
	pub := newFakePublisher()
	relay, err := NewRelay(source, pub, testLogger(), RelayConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 relayed rows, got %d", count)
	}
	published := pub.published[EventDatasetUpdated]
	if len(published) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(published))
	}
	if published[0].UUID != "row-1" {
		t.Fatalf("expected row uuid as message UUID, got %q", published[0].UUID)
	}
	if got := published[0].Metadata["event_type"]; got != EventDatasetUpdated {
		t.Fatalf("expected event_type metadata, got %q", got)
	}
	if len(source.marked) != 2 || len(source.pending) != 0 {
		t.Fatalf("expected all rows marked published, marked=%v pending=%v", source.marked, source.pending)
	}
}

func TestRelayOnceEmptyOutboxIsNoOp(t *testing.T) {
	source := &fakeOutboxSource{}
	relay, _ := NewRelay(source, newFakePublisher(), testLogger(), RelayConfig{})

	count, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no relayed rows, got %d", count)
	}
	if len(source.marked) != 0 {
		t.Fatalf("expected no MarkPublished call with rows, got %v", source.marked)
	}
}

func TestRelayOncePublishFailureKeepsRowPending(t *testing.T) {
	source := &fakeOutboxSource{pending: pendingRows("row-1", "row-2", "row-3")}
	pub := newFakePublisher()
	pub.failUUID = "row-2"
	relay, _ := NewRelay(source, pub, testLogger(), RelayConfig{})

	count, err := relay.RelayOnce(context.Background())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if count != 1 {
		t.Fatalf("expected 1 relayed row before the failure, got %d", count)
	}
	if len(source.pending) != 2 {
		t.Fatalf("expected failed row and successor to stay pending, got %v", source.pending)
	}

	// Next pass succeeds and drains the rest without re-publishing row-1.
	pub.failUUID = ""
	count, err = relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 relayed rows, got %d", count)
	}
	if len(pub.published[EventDatasetUpdated]) != 3 {
		t.Fatalf("expected 3 published messages total, got %d", len(pub.published[EventDatasetUpdated]))
	}
}

func TestRelayOnceBatchSizeLimitsFetch(t *testing.T) {
	source := &fakeOutboxSource{pending: pendingRows("row-1", "row-2", "row-3")}
	relay, _ := NewRelay(source, newFakePublisher(), testLogger(), RelayConfig{BatchSize: 2})

	count, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected batch of 2, got %d", count)
	}
	if len(source.pending) != 1 {
		t.Fatalf("expected 1 row left pending, got %d", len(source.pending))
	}
}

func TestRelayRunStopsOnContextCancel(t *testing.T) {
	source := &fakeOutboxSource{pending: pendingRows("row-1")}
	relay, _ := NewRelay(source, newFakePublisher(), testLogger(), RelayConfig{PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for source.pendingCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("relay did not drain the outbox in time")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
