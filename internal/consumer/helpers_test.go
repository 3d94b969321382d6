package consumer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/JulianNeuberger/datasetd/internal/config"
	loggingpkg "github.com/JulianNeuberger/datasetd/internal/logging"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		ConsumeQueue:         "propagate-document-deletions",
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     4 * time.Millisecond,
		ShutdownTimeout:      time.Second,
	}
}

type testPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, topic)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.published))
	copy(clone, p.published)
	return clone
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type deadLetterCall struct {
	UUID         string
	Topic        string
	Payload      []byte
	Metadata     map[string]string
	ErrorMessage string
	RetryCount   int
}

type testDeadLetterStore struct {
	mu    sync.Mutex
	calls []deadLetterCall
	err   error
}

func (s *testDeadLetterStore) InsertDeadLetter(_ context.Context, uuid, originalTopic string, payload []byte, metadata map[string]string, errorMessage string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, deadLetterCall{
		UUID:         uuid,
		Topic:        originalTopic,
		Payload:      payload,
		Metadata:     metadata,
		ErrorMessage: errorMessage,
		RetryCount:   retryCount,
	})
	return nil
}

func (s *testDeadLetterStore) Calls() []deadLetterCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]deadLetterCall, len(s.calls))
	copy(clone, s.calls)
	return clone
}

func newTestService(t *testing.T, deps ServiceDependencies) *Service {
	t.Helper()

	if deps.Publisher == nil {
		deps.Publisher = &testPublisher{}
	}
	if deps.Subscriber == nil {
		deps.Subscriber = &testSubscriber{}
	}

	svc, err := TryNewService(newTestConfig(), newTestLogger(), deps)
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	return svc
}
