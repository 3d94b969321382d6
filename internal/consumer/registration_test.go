package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	handlerpkg "github.com/JulianNeuberger/datasetd/internal/consumer/handlers"
)

type testDocumentEvent struct {
	DocumentID string `json:"document_id"`
}

type testDatasetEvent struct {
	DatasetID string `json:"dataset_id"`
}

func noopHandler(msg *message.Message) ([]*message.Message, error) {
	return nil, nil
}

func TestRegisterMessageHandlerValidation(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{})

	cases := []struct {
		name string
		cfg  MessageHandlerRegistration
		want error
	}{
		{
			name: "missing handler",
			cfg:  MessageHandlerRegistration{Name: "h", ConsumeQueue: "q"},
			want: ErrHandlerRequired,
		},
		{
			name: "missing consume queue",
			cfg:  MessageHandlerRegistration{Name: "h", Handler: noopHandler},
			want: ErrConsumeQueueRequired,
		},
		{
			name: "missing name",
			cfg:  MessageHandlerRegistration{ConsumeQueue: "q", Handler: noopHandler},
			want: ErrHandlerNameRequired,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := RegisterMessageHandler(svc, tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if err := RegisterMessageHandler(nil, MessageHandlerRegistration{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatal("expected ErrServiceRequired for nil service")
	}
}

func TestRegisterMessageHandlerRecordsHandlerInfo(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{})

	err := RegisterMessageHandler(svc, MessageHandlerRegistration{
		Name:         "document-deleted-handler",
		ConsumeQueue: "document.event.deleted",
		PublishQueue: "dataset.event.updated",
		Handler:      noopHandler,
	})
	if err != nil {
		t.Fatalf("RegisterMessageHandler: %v", err)
	}

	handlers := svc.Handlers()
	if len(handlers) != 1 {
		t.Fatalf("expected one handler, got %d", len(handlers))
	}
	info := handlers[0]
	if info.Name != "document-deleted-handler" || info.ConsumeQueue != "document.event.deleted" {
		t.Fatalf("unexpected handler info: %+v", info)
	}
	if info.Stats == nil {
		t.Fatal("stats not initialised")
	}
}

func TestRegisterJSONHandlerRejectsNilHandler(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{})

	err := RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[*testDocumentEvent, *testDatasetEvent]{
		Name:         "json",
		ConsumeQueue: "q",
	})
	if !errors.Is(err, handlerpkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
}

func TestRegisterJSONHandlerRegisters(t *testing.T) {
	svc := newTestService(t, ServiceDependencies{})

	err := RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[*testDocumentEvent, *testDatasetEvent]{
		Name:         "json",
		ConsumeQueue: "document.event.deleted",
		PublishQueue: "dataset.event.updated",
		Handler: func(ctx context.Context, evt handlerpkg.JSONMessageContext[*testDocumentEvent]) ([]handlerpkg.JSONMessageOutput[*testDatasetEvent], error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterJSONHandler: %v", err)
	}
	if len(svc.Handlers()) != 1 {
		t.Fatal("handler not registered")
	}
}
